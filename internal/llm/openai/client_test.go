package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/gradeflow/internal/common"
	"github.com/joseph-ayodele/gradeflow/internal/core/retry"
	"github.com/joseph-ayodele/gradeflow/internal/llm"
	"github.com/joseph-ayodele/gradeflow/internal/rubric"
)

func testRequest() llm.AnalyzeRequest {
	return llm.AnalyzeRequest{
		Fingerprint: "fp-1",
		DisplayName: "essay.pdf",
		Text:        "The essay text.",
		Rubric: rubric.Rubric{
			ID:       "essay",
			Title:    "Essay",
			Criteria: []rubric.Criterion{{ID: "thesis", Title: "Thesis", MaxPoints: 4}},
		},
	}
}

func completion(content string) []byte {
	b, _ := json.Marshal(map[string]any{
		"model":   "gpt-test",
		"choices": []map[string]any{{"message": map[string]any{"content": content}}},
	})
	return b
}

func newTestClient(t *testing.T, lenient bool, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL, Lenient: lenient},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAnalyzeSuccess(t *testing.T) {
	c := newTestClient(t, false, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])

		_, _ = w.Write(completion(`{"scores":{"thesis":{"points":3,"comment":"Sharpen the claim."}},"summary":"Solid."}`))
	})

	fb, err := c.Analyze(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 3.0, fb.Total)
	assert.Equal(t, 75.0, fb.Percent)
	assert.Equal(t, "C", fb.Grade)
	assert.Equal(t, "gpt-test", fb.Model)
}

func TestAnalyzeStatusErrorsAreClassified(t *testing.T) {
	policy := retry.DefaultPolicy()
	cases := []struct {
		name      string
		status    int
		body      string
		kind      retry.Kind
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"type":"rate_limit","message":"slow down"}}`, retry.KindRateLimit, true},
		{"overloaded", http.StatusServiceUnavailable, `{"error":{"message":"overloaded"}}`, retry.KindServer, true},
		{"bad request", http.StatusBadRequest, `{"error":{"code":"context_length_exceeded","message":"too long"}}`, retry.KindClient, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, false, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "3")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.Analyze(context.Background(), testRequest())
			require.Error(t, err)
			assert.Equal(t, tc.status, retry.HTTPStatus(err))

			cl := policy.Classify(err, retry.HTTPStatus(err))
			assert.Equal(t, tc.kind, cl.Kind)
			assert.Equal(t, tc.retryable, cl.Retryable)
		})
	}
}

func TestAnalyzeRateLimitWrapsSignal(t *testing.T) {
	c := newTestClient(t, false, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.Analyze(context.Background(), testRequest())
	assert.True(t, errors.Is(err, retry.ErrRateLimited))
}

func TestAnalyzeInvalidOutputIsRetryable(t *testing.T) {
	c := newTestClient(t, false, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(completion(`{"scores":{},"summary":"missing criteria"}`))
	})
	_, err := c.Analyze(context.Background(), testRequest())
	require.Error(t, err)
	cl := retry.DefaultPolicy().Classify(err, 0)
	assert.Equal(t, retry.KindServer, cl.Kind)
	assert.True(t, cl.Retryable)
}

func TestAnalyzeLenientRepair(t *testing.T) {
	content := "```json\n{\"scores\":{\"thesis\":{\"points\":\"4\",\"comment\":\"Great.\"}},\"summary\":\"Excellent.\",\"grade\":\"a-\"}\n```"
	strict := newTestClient(t, false, func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(completion(content)) })
	_, err := strict.Analyze(context.Background(), testRequest())
	require.Error(t, err)

	lenient := newTestClient(t, true, func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(completion(content)) })
	fb, err := lenient.Analyze(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 4.0, fb.Total)
	assert.Equal(t, "A", fb.Grade)
}

func TestAnalyzeEmptyTextFailsFast(t *testing.T) {
	calls := 0
	c := newTestClient(t, false, func(w http.ResponseWriter, _ *http.Request) { calls++ })
	req := testRequest()
	req.Text = "  "
	_, err := c.Analyze(context.Background(), req)
	assert.ErrorIs(t, err, common.ErrValidation)
	assert.Equal(t, 0, calls)
}
