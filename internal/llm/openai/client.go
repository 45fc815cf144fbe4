package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/gradeflow/internal/common"
	"github.com/joseph-ayodele/gradeflow/internal/core/retry"
	"github.com/joseph-ayodele/gradeflow/internal/llm"
)

// statusBadModelOutput marks a 2xx answer whose content failed validation. It is an upstream fault and is retried.
const statusBadModelOutput = 502

// Analyze implements llm.Analyzer using chat/completions with a JSON response.
func (c *Client) Analyze(ctx context.Context, req llm.AnalyzeRequest) (llm.Feedback, error) {
	rid := common.RequestIDFromContext(ctx)
	if rid == "" {
		rid = uuid.New().String()
		ctx = common.WithRequestID(ctx, rid)
	}
	start := time.Now()

	if strings.TrimSpace(req.Text) == "" {
		return llm.Feedback{}, common.NewAppError("EMPTY_TEXT", "nothing to analyze", common.ErrValidation)
	}

	c.log.Info("llm.analyze.start",
		"req_id", rid,
		"fingerprint", req.Fingerprint,
		"model", c.cfg.Model,
		"rubric_id", req.Rubric.ID,
		"text_len", len(req.Text),
	)

	schema := llm.BuildFeedbackSchema(req.Rubric)
	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": llm.BuildSystemPrompt(req.Rubric)},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(schema)},
			{"role": "user", "content": llm.BuildUserPrompt(req.DisplayName, req.Text)},
		},
	}
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, status, err := llm.SendJSON(ctx, c.http, endpoint, body, headers, c.log)
	if err != nil {
		c.log.Error("llm.analyze.http_error",
			"req_id", rid, "status", status, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return llm.Feedback{}, err
	}

	var cc struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.log.Error("llm.analyze.decode_error", "req_id", rid, "error", err, "raw_bytes", len(raw))
		return llm.Feedback{}, badOutput("decode openai response", err)
	}
	if len(cc.Choices) == 0 {
		c.log.Error("llm.analyze.no_choices", "req_id", rid, "raw_bytes", len(raw))
		return llm.Feedback{}, badOutput("no choices in openai response", nil)
	}
	content := []byte(strings.TrimSpace(cc.Choices[0].Message.Content))

	if err := llm.ValidateJSONAgainstSchema(schema, content); err != nil {
		if !c.cfg.Lenient {
			c.log.Error("llm.analyze.schema_validation_failed", "req_id", rid, "error", err)
			return llm.Feedback{}, badOutput("schema validation failed", err)
		}
		cleaned, fixes, sErr := llm.SanitizeFeedbackJSON(content)
		if sErr != nil {
			c.log.Error("llm.analyze.sanitize_failed", "req_id", rid, "error", sErr)
			return llm.Feedback{}, badOutput("sanitize failed", sErr)
		}
		if vErr := llm.ValidateJSONAgainstSchema(schema, cleaned); vErr != nil {
			c.log.Error("llm.analyze.schema_validation_failed", "req_id", rid, "error", vErr, "fixes", fixes)
			return llm.Feedback{}, badOutput("schema validation failed", vErr)
		}
		c.log.Warn("llm.analyze.lenient_sanitize_applied", "req_id", rid, "fixes", fixes)
		content = cleaned
	}

	fb, err := llm.FinalizeFeedback(req.Rubric, content)
	if err != nil {
		return llm.Feedback{}, badOutput("finalize feedback", err)
	}
	fb.Model = cc.Model
	if fb.Model == "" {
		fb.Model = c.cfg.Model
	}

	c.log.Info("llm.analyze.ok",
		"req_id", rid,
		"fingerprint", req.Fingerprint,
		"total", fb.Total,
		"max_points", fb.MaxPoints,
		"grade", fb.Grade,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return fb, nil
}

func badOutput(msg string, err error) error {
	if err == nil {
		err = errors.New(msg)
	} else {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	return retry.NewStatusError(statusBadModelOutput, "invalid_model_output", err)
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
