// Package metrics exposes pipeline and HTTP metrics to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/core/async"
	"github.com/joseph-ayodele/gradeflow/internal/pipeline"
)

const (
	namespace = "gradeflow"

	stageLabel   = "stage"
	statusLabel  = "status"
	kindLabel    = "kind"
	outcomeLabel = "outcome"
	resultLabel  = "result"
)

var latencyBuckets = []float64{5, 25, 100, 300, 1000, 5000}

// Recorder implements pipeline.Observer and records queue transitions it subscribes to.
type Recorder struct {
	reg prometheus.Registerer

	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	retries     *prometheus.CounterVec
	charges     *prometheus.CounterVec
	batches     *prometheus.CounterVec
	batchItems  prometheus.Histogram
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

var _ pipeline.Observer = (*Recorder)(nil)

// NewRecorder registers every collector with reg. Passing prometheus.DefaultRegisterer exposes them on the
// default /metrics handler.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		reg: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job transitions partitioned by stage and the status entered.",
		}, []string{stageLabel, statusLabel}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_call_failures_total",
			Help:      "Failed collaborator calls partitioned by stage and failure class.",
		}, []string{stageLabel, kindLabel}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Automatic re-admissions after a retryable failure.",
		}, []string{stageLabel}),
		charges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charges_total",
			Help:      "Ledger deductions partitioned by outcome.",
		}, []string{outcomeLabel}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_completed_total",
			Help:      "Batches whose completion action fired.",
		}, []string{resultLabel}),
		batchItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_items",
			Help:      "Number of items per completed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Number of HTTP requests partitioned by status code, method and route.",
		}, []string{"code", "method", "path"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_milliseconds",
			Help:      "Time spent on the request partitioned by status code, method and route.",
			Buckets:   latencyBuckets,
		}, []string{"code", "method", "path"}),
	}
	reg.MustRegister(r.transitions, r.failures, r.retries, r.charges, r.batches, r.batchItems, r.requests, r.latency)
	return r
}

// Attach subscribes to both queues of c and exports their in-flight counts.
func (r *Recorder) Attach(c *pipeline.Coordinator) {
	for _, q := range []*async.Queue{c.Extraction().Queue, c.Analysis().Queue} {
		q.Subscribe(r.ObserveEvent)
		running := q.Running
		r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "jobs_in_flight",
			Help:        "Jobs currently running an external call.",
			ConstLabels: prometheus.Labels{stageLabel: q.Stage()},
		}, func() float64 { return float64(running()) }))
	}
}

func (r *Recorder) ObserveEvent(e async.Event) {
	r.transitions.WithLabelValues(e.Stage, string(e.Job.Status)).Inc()
	if e.Class != nil {
		r.failures.WithLabelValues(e.Stage, string(e.Class.Kind)).Inc()
	}
	if e.From == constants.JobStatusError && e.Job.Status == constants.JobStatusPending {
		r.retries.WithLabelValues(e.Stage).Inc()
	}
}

func (r *Recorder) ObserveCharge(outcome string) {
	r.charges.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ObserveBatch(v pipeline.BatchView) {
	result := "clean"
	if v.Failed > 0 {
		result = "with_failures"
	}
	r.batches.WithLabelValues(result).Inc()
	r.batchItems.Observe(float64(len(v.Items)))
}

// GinMiddleware records request counts and latency by route template.
func (r *Recorder) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		code := strconv.Itoa(c.Writer.Status())
		r.requests.WithLabelValues(code, c.Request.Method, path).Inc()
		r.latency.WithLabelValues(code, c.Request.Method, path).Observe(float64(time.Since(start).Milliseconds()))
	}
}
