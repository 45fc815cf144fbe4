package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joseph-ayodele/gradeflow/internal/common"
	"github.com/joseph-ayodele/gradeflow/internal/export"
	"github.com/joseph-ayodele/gradeflow/internal/ingest"
	"github.com/joseph-ayodele/gradeflow/internal/metrics"
	"github.com/joseph-ayodele/gradeflow/internal/pipeline"
	"github.com/joseph-ayodele/gradeflow/internal/rubric"
)

const requestIDHeader = "X-Request-ID"

type RouterConfig struct {
	Coordinator *pipeline.Coordinator
	Ingestor    ingest.Ingestor
	Rubrics     *rubric.Registry
	Exporter    *export.Service
	// Recorder and Gatherer are optional; without a Gatherer /metrics is not mounted.
	Recorder *metrics.Recorder
	Gatherer prometheus.Gatherer
	// Health reports backend readiness for /healthz.
	Health func(ctx context.Context) error
	Logger *slog.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &BatchHandler{
		coord:    cfg.Coordinator,
		ingestor: cfg.Ingestor,
		rubrics:  cfg.Rubrics,
		exporter: cfg.Exporter,
		logger:   cfg.Logger,
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog(cfg.Logger))
	if cfg.Recorder != nil {
		router.Use(cfg.Recorder.GinMiddleware())
	}

	router.GET("/healthz", healthz(cfg.Health))
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	{
		v1.GET("/rubrics", h.ListRubrics)
		v1.POST("/batches", h.SubmitBatch)
		v1.GET("/batches", h.ListBatches)
		v1.GET("/batches/:id", h.GetBatch)
		v1.GET("/batches/:id/report.xlsx", h.ExportBatch)
		v1.POST("/jobs/:fingerprint/retry", h.RetryJob)
		v1.POST("/jobs/:fingerprint/release", h.ReleaseJob)
		v1.POST("/resume", h.Resume)
	}
	return router
}

func healthz(check func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			if err := check(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "backend not ready"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(common.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http.request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"request_id", common.RequestIDFromContext(c.Request.Context()),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	}
}
