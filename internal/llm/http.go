package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/gradeflow/internal/common"
	"github.com/joseph-ayodele/gradeflow/internal/core/retry"
)

// SendJSON posts body to url with optional headers and returns the raw response body.
// A non-2xx answer is returned as a *retry.StatusError carrying the status and the provider error code.
func SendJSON(ctx context.Context, client *http.Client, url string, body any, headers map[string]string, logger *slog.Logger) ([]byte, int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 45 * time.Second}
	}

	reqID := common.RequestIDFromContext(ctx)
	if reqID == "" {
		reqID = uuid.New().String()
	}
	start := time.Now()

	bs, err := json.Marshal(body)
	if err != nil {
		logger.Error("llm.http.encode_error", "req_id", reqID, "error", err)
		return nil, 0, fmt.Errorf("encode json: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		logger.Error("llm.http.build_request_error", "req_id", reqID, "error", err)
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	logger.Info("llm.http.request", "req_id", reqID, "url", url, "content_length", len(bs))

	resp, err := client.Do(req)
	if err != nil {
		logger.Error("llm.http.send_error", "req_id", reqID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, 0, err
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			logger.Warn("llm.http.response_body_close_error", "req_id", reqID, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("llm.http.read_error", "req_id", reqID, "error", err)
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	logger.Info("llm.http.response",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		code, msg := providerError(raw)
		cause := errors.New(msg)
		if resp.StatusCode == http.StatusTooManyRequests {
			cause = fmt.Errorf("%w: %s%s", retry.ErrRateLimited, msg, retryAfter(resp.Header))
		}
		return raw, resp.StatusCode, retry.NewStatusError(resp.StatusCode, code, cause)
	}
	return raw, resp.StatusCode, nil
}

// providerError pulls {"error":{"code","message"}} out of an error body when present.
func providerError(raw []byte) (code, msg string) {
	var env struct {
		Error struct {
			Code    any    `json:"code"`
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
		code = env.Error.Type
		if c, ok := env.Error.Code.(string); ok && c != "" {
			code = c
		}
		return code, env.Error.Message
	}
	s := string(raw)
	if len(s) > 512 {
		s = s[:512]
	}
	return "", s
}

func retryAfter(h http.Header) string {
	v := h.Get("Retry-After")
	if v == "" {
		return ""
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return fmt.Sprintf(" (retry after %ds)", secs)
	}
	return " (retry after " + v + ")"
}
