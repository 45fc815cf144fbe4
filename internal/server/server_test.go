package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/gradeflow/internal/common"
	"github.com/joseph-ayodele/gradeflow/internal/core/retry"
	"github.com/joseph-ayodele/gradeflow/internal/export"
	"github.com/joseph-ayodele/gradeflow/internal/extract"
	"github.com/joseph-ayodele/gradeflow/internal/ingest"
	"github.com/joseph-ayodele/gradeflow/internal/llm"
	"github.com/joseph-ayodele/gradeflow/internal/metrics"
	"github.com/joseph-ayodele/gradeflow/internal/pipeline"
	"github.com/joseph-ayodele/gradeflow/internal/repository"
	"github.com/joseph-ayodele/gradeflow/internal/rubric"
)

var essay = rubric.Rubric{
	ID:    "essay",
	Title: "Essay",
	Criteria: []rubric.Criterion{
		{ID: "thesis", Title: "Thesis", MaxPoints: 5},
	},
}

type plainExtractor struct{}

func (plainExtractor) Extract(_ context.Context, path string) (extract.Result, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return extract.Result{}, err
	}
	return extract.Result{Text: string(b), Pages: 1, Method: "plain"}, nil
}

// stubAnalyzer fails a document once when its text contains "flaky".
type stubAnalyzer struct {
	mu     sync.Mutex
	failed map[string]bool
}

func (a *stubAnalyzer) Analyze(_ context.Context, req llm.AnalyzeRequest) (llm.Feedback, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if strings.Contains(req.Text, "flaky") && !a.failed[req.Fingerprint] {
		a.failed[req.Fingerprint] = true
		return llm.Feedback{}, retry.NewStatusError(http.StatusBadGateway, "upstream", errors.New("bad gateway"))
	}
	return llm.Feedback{
		RubricID:  req.Rubric.ID,
		Scores:    map[string]llm.CriterionScore{"thesis": {Points: 4, Comment: "clear"}},
		Summary:   "solid work",
		Total:     4,
		MaxPoints: 5,
		Percent:   80,
		Grade:     "B",
	}, nil
}

type testServer struct {
	engine *gin.Engine
	ledger *repository.MemoryLedger
	dir    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg, err := rubric.NewRegistry(essay)
	require.NoError(t, err)
	ledger := repository.NewMemoryLedger()
	require.NoError(t, ledger.Credit(context.Background(), "acct-1", 10))

	coord := pipeline.New(pipeline.Config{
		ExtractWorkers: 2,
		AnalyzeWorkers: 2,
		Policy:         retry.Policy{MaxRetries: 0, BaseDelay: time.Millisecond, CapDelay: time.Millisecond, RateLimitDelay: time.Millisecond},
		CallTimeout:    5 * time.Second,
		ChargeAmount:   1,
	}, pipeline.Deps{
		Store:     repository.NewMemoryStore(),
		Ledger:    ledger,
		Rubrics:   reg,
		Extractor: plainExtractor{},
		Analyzer:  &stubAnalyzer{failed: map[string]bool{}},
	}, log)
	t.Cleanup(func() { coord.Shutdown(context.Background()) })

	promReg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(promReg)
	rec.Attach(coord)

	engine := NewRouter(RouterConfig{
		Coordinator: coord,
		Ingestor:    ingest.NewFSIngestor(log),
		Rubrics:     reg,
		Exporter:    export.NewService(log),
		Recorder:    rec,
		Gatherer:    promReg,
		Logger:      log,
	})
	return &testServer{engine: engine, ledger: ledger, dir: t.TempDir()}
}

func (s *testServer) write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(s.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) submit(t *testing.T, req SubmitBatchRequest) SubmitBatchResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/batches", req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp SubmitBatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (s *testServer) waitDone(t *testing.T, id string) pipeline.BatchView {
	t.Helper()
	var view pipeline.BatchView
	require.Eventually(t, func() bool {
		rec := s.do(t, http.MethodGet, "/v1/batches/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var body struct {
			Batch pipeline.BatchView `json:"batch"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			return false
		}
		view = body.Batch
		return view.Done
	}, 5*time.Second, 10*time.Millisecond)
	return view
}

func TestSubmitDirectoryAndExportReport(t *testing.T) {
	s := newTestServer(t)
	s.write(t, "alice.txt", "an essay by alice")
	s.write(t, "bob.txt", "an essay by bob")

	resp := s.submit(t, SubmitBatchRequest{AccountID: "acct-1", RubricID: "essay", Dir: s.dir})
	assert.Equal(t, 2, resp.Ingest.Documents)
	require.NotNil(t, resp.Ingest.Stats)
	assert.EqualValues(t, 2, resp.Ingest.Stats.Succeeded)

	view := s.waitDone(t, resp.Batch.ID.String())
	assert.Equal(t, 2, view.Completed)
	assert.Equal(t, 2, view.Charged)
	balance, err := s.ledger.Balance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.EqualValues(t, 8, balance)

	rec := s.do(t, http.MethodGet, "/v1/batches/"+view.ID.String()+"/report.xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "batch-"+view.ID.String())
	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(export.GradesSheet)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestRetryEndpointRecoversFailedJob(t *testing.T) {
	s := newTestServer(t)
	p := s.write(t, "flaky.txt", "a flaky essay")

	resp := s.submit(t, SubmitBatchRequest{AccountID: "acct-1", RubricID: "essay", Paths: []string{p}})
	view := s.waitDone(t, resp.Batch.ID.String())
	require.Len(t, view.Items, 1)
	assert.Equal(t, 1, view.Failed)
	fp := view.Items[0].Fingerprint

	rec := s.do(t, http.MethodPost, "/v1/jobs/"+fp+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		b, err := s.ledger.Balance(context.Background(), "acct-1")
		return err == nil && b == 9
	}, 5*time.Second, 10*time.Millisecond)

	rec = s.do(t, http.MethodPost, "/v1/jobs/"+fp+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	s := newTestServer(t)
	p := s.write(t, "a.txt", "text")

	rec := s.do(t, http.MethodPost, "/v1/batches", SubmitBatchRequest{AccountID: "acct-1", RubricID: "essay"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/batches", SubmitBatchRequest{AccountID: "acct-1", RubricID: "missing", Paths: []string{p}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/batches", SubmitBatchRequest{AccountID: "acct-1", RubricID: "essay", Paths: []string{filepath.Join(s.dir, "nope.txt")}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no_documents")

	rec = s.do(t, http.MethodGet, "/v1/batches/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/batches/6f1c2a8e-5b0d-4c61-9a43-2f7e8d1b9c05", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var env ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.NotEmpty(t, env.Error.Message)
}

func TestReleaseEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/jobs/unknown/release", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealthzMetricsAndRubrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = s.do(t, http.MethodGet, "/v1/rubrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"essay"`)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gradeflow_http_requests_total")
}

func TestHealthzReportsBackendFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := NewRouter(RouterConfig{
		Health: func(context.Context) error { return common.ErrShutdown },
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
