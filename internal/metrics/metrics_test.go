package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/core/async"
	"github.com/joseph-ayodele/gradeflow/internal/core/retry"
	"github.com/joseph-ayodele/gradeflow/internal/pipeline"
)

func TestObserveEvent(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())

	r.ObserveEvent(async.Event{Stage: constants.StageAnalysis, Job: async.Job{Status: constants.JobStatusRunning}})
	r.ObserveEvent(async.Event{
		Stage: constants.StageAnalysis,
		From:  constants.JobStatusRunning,
		Job:   async.Job{Status: constants.JobStatusError},
		Class: &retry.Classification{Kind: retry.KindRateLimit, Retryable: true},
	})
	r.ObserveEvent(async.Event{
		Stage: constants.StageAnalysis,
		From:  constants.JobStatusError,
		Job:   async.Job{Status: constants.JobStatusPending},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues(constants.StageAnalysis, "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.failures.WithLabelValues(constants.StageAnalysis, "rate_limit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.retries.WithLabelValues(constants.StageAnalysis)))
}

func TestObserveChargeAndBatch(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())
	r.ObserveCharge("charged")
	r.ObserveCharge("charged")
	r.ObserveCharge("failed")
	r.ObserveBatch(pipeline.BatchView{Items: make([]pipeline.ItemView, 3), Failed: 1})

	assert.Equal(t, 2.0, testutil.ToFloat64(r.charges.WithLabelValues("charged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.charges.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.batches.WithLabelValues("with_failures")))
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRecorder(prometheus.NewRegistry())
	engine := gin.New()
	engine.Use(r.GinMiddleware())
	engine.GET("/v1/batches/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batches/abc", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.requests.WithLabelValues("404", http.MethodGet, "/v1/batches/:id")))
}
