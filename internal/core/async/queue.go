package async

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/common"
	"github.com/joseph-ayodele/gradeflow/internal/core/retry"
	"github.com/joseph-ayodele/gradeflow/internal/core/schedule"
)

// Queue is a bounded worker pool over an arrival-ordered job list.
// At most maxConcurrent jobs run at any instant.
type Queue struct {
	stage   string
	hooks   Hooks
	logger  *slog.Logger
	policy  retry.Policy
	sched   *schedule.Scheduler
	workers int
	timeout time.Duration
	sem     *semaphore.Weighted

	mu        sync.Mutex
	jobs      []*Job
	byFP      map[string]*Job
	retries   map[string]schedule.Handle
	running   int
	closed    bool
	listeners []Listener

	wg sync.WaitGroup
}

type Option func(*Queue)

func WithMaxConcurrent(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithPolicy(p retry.Policy) Option {
	return func(q *Queue) { q.policy = p }
}

// WithScheduler shares a retry scheduler between queues.
func WithScheduler(s *schedule.Scheduler) Option {
	return func(q *Queue) {
		if s != nil {
			q.sched = s
		}
	}
}

// WithCallTimeout bounds each Execute call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.timeout = d
		}
	}
}

func NewQueue(stage string, hooks Hooks, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		stage:   stage,
		hooks:   hooks,
		logger:  logger.With("stage", stage),
		policy:  retry.DefaultPolicy(),
		workers: 4,
		timeout: 3 * time.Minute,
		byFP:    make(map[string]*Job),
		retries: make(map[string]schedule.Handle),
	}
	for _, o := range opts {
		o(q)
	}
	if q.sched == nil {
		q.sched = schedule.New()
	}
	q.sem = semaphore.NewWeighted(int64(q.workers))
	return q
}

func (q *Queue) Stage() string { return q.stage }

// Subscribe registers a listener for every transition. Listeners run synchronously on the worker goroutine.
func (q *Queue) Subscribe(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

// Enqueue appends jobs as pending and returns how many were added.
// A fingerprint already present in the queue is ignored.
func (q *Queue) Enqueue(jobs ...Job) int {
	now := time.Now().UTC()
	added := make([]Job, 0, len(jobs))

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warn("cannot enqueue: queue is shutting down", "jobs", len(jobs))
		return 0
	}
	for _, in := range jobs {
		if _, exists := q.byFP[in.Fingerprint]; exists {
			q.logger.Debug("job already queued", "fingerprint", in.Fingerprint)
			continue
		}
		j := in
		j.Status = constants.JobStatusPending
		j.Result, j.Skipped, j.Fresh, j.settling = nil, false, false, false
		j.EnqueuedAt, j.UpdatedAt = now, now
		q.jobs = append(q.jobs, &j)
		q.byFP[j.Fingerprint] = &j
		added = append(added, j)
	}
	q.mu.Unlock()

	for _, j := range added {
		q.logger.Info("queued job", "fingerprint", j.Fingerprint, "name", j.DisplayName)
		q.emit(Event{Stage: q.stage, From: "", Job: j})
	}
	q.pump()
	return len(added)
}

// pump starts pending jobs while worker slots are free. Selection is arrival order.
func (q *Queue) pump() {
	for {
		if !q.sem.TryAcquire(1) {
			return
		}
		q.mu.Lock()
		j := q.nextPendingLocked()
		if j == nil || q.closed {
			q.mu.Unlock()
			q.sem.Release(1)
			return
		}
		from := j.Status
		j.Status = constants.JobStatusRunning
		j.UpdatedAt = time.Now().UTC()
		q.running++
		snap := *j
		q.wg.Add(1)
		q.mu.Unlock()

		q.emit(Event{Stage: q.stage, From: from, Job: snap})
		go q.work(snap)
	}
}

func (q *Queue) nextPendingLocked() *Job {
	for _, j := range q.jobs {
		if j.Status == constants.JobStatusPending {
			return j
		}
	}
	return nil
}

func (q *Queue) work(job Job) {
	defer q.wg.Done()

	ctx, cancel := common.WithTimeout(context.Background(), q.timeout)
	if job.BatchID != uuid.Nil {
		ctx = common.WithBatchID(ctx, job.BatchID.String())
	}
	ctx = common.WithAccountID(ctx, job.AccountID)

	if res, skip := q.shouldSkip(ctx, job); skip {
		q.logger.Info("skipping external call, result already stored", "fingerprint", job.Fingerprint)
		q.complete(ctx, job.Fingerprint, res, true, false)
	} else {
		start := time.Now()
		res, fresh, err := q.execute(ctx, job)
		if err != nil {
			q.logger.Warn("job attempt failed",
				"fingerprint", job.Fingerprint,
				"retry_count", job.RetryCount,
				"elapsed_ms", time.Since(start).Milliseconds(),
				"error", err,
			)
			q.fail(ctx, job, err)
		} else {
			q.logger.Info("job completed",
				"fingerprint", job.Fingerprint,
				"fresh", fresh,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			q.complete(ctx, job.Fingerprint, res, false, fresh)
		}
	}
	cancel()

	q.sem.Release(1)
	q.pump()
}

func (q *Queue) shouldSkip(ctx context.Context, job Job) (res []byte, skip bool) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("skip check panicked", "fingerprint", job.Fingerprint, "panic", r)
			res, skip = nil, false
		}
	}()
	return q.hooks.ShouldSkip(ctx, job)
}

func (q *Queue) execute(ctx context.Context, job Job) (res []byte, fresh bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s worker panic: %v", q.stage, r)
		}
	}()
	return q.hooks.Execute(ctx, job)
}

func (q *Queue) complete(ctx context.Context, fp string, result []byte, skipped, fresh bool) {
	q.mu.Lock()
	j := q.byFP[fp]
	from := j.Status
	j.Status = constants.JobStatusCompleted
	j.Result = result
	j.Skipped = skipped
	j.Fresh = fresh
	j.LastError = ""
	j.LastErrorKind = retry.KindNone
	j.UpdatedAt = time.Now().UTC()
	j.settling = true
	q.running--
	snap := *j
	q.mu.Unlock()

	q.runHook(func() { q.hooks.OnComplete(ctx, snap) })

	q.mu.Lock()
	j.settling = false
	snap = *j
	q.mu.Unlock()
	q.emit(Event{Stage: q.stage, From: from, Job: snap})
}

func (q *Queue) fail(ctx context.Context, job Job, err error) {
	class := q.policy.Classify(err, retry.HTTPStatus(err))

	q.mu.Lock()
	j := q.byFP[job.Fingerprint]
	from := j.Status
	j.LastError = err.Error()
	j.LastHTTPStatus = class.HTTPStatus
	j.LastErrorKind = class.Kind
	j.UpdatedAt = time.Now().UTC()
	q.running--
	retrying := !q.closed && q.policy.ShouldRetry(class, j.RetryCount)
	if retrying {
		j.Status = constants.JobStatusError
	} else {
		j.Status = constants.JobStatusErrorFinal
		j.settling = true
	}
	snap := *j
	q.mu.Unlock()

	q.runHook(func() { q.hooks.OnError(ctx, snap, class, !retrying) })

	q.mu.Lock()
	if retrying {
		delay := q.policy.DelayFor(class, snap.RetryCount)
		fp := snap.Fingerprint
		q.retries[fp] = q.sched.After(delay, func() { q.readmit(fp) })
		q.logger.Info("retry scheduled",
			"fingerprint", fp,
			"attempt", snap.RetryCount+1,
			"delay_ms", delay.Milliseconds(),
			"kind", class.Kind,
		)
	} else {
		j.settling = false
		q.logger.Error("job failed permanently",
			"fingerprint", snap.Fingerprint,
			"retry_count", snap.RetryCount,
			"kind", class.Kind,
			"http_status", class.HTTPStatus,
			"error", err,
		)
	}
	snap = *j
	q.mu.Unlock()

	q.emit(Event{Stage: q.stage, From: from, Job: snap, Class: &class})
}

// readmit moves a job waiting in error back to pending with one more retry counted.
func (q *Queue) readmit(fp string) {
	q.mu.Lock()
	delete(q.retries, fp)
	j, ok := q.byFP[fp]
	if !ok || q.closed || j.Status != constants.JobStatusError {
		q.mu.Unlock()
		return
	}
	from := j.Status
	j.Status = constants.JobStatusPending
	j.RetryCount++
	j.UpdatedAt = time.Now().UTC()
	snap := *j
	q.mu.Unlock()

	q.emit(Event{Stage: q.stage, From: from, Job: snap})
	q.pump()
}

// Retry is the manual retry action: an errorFinal job goes back to pending with its retry count reset.
func (q *Queue) Retry(fp string) (Job, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Job{}, common.ErrShutdown
	}
	j, ok := q.byFP[fp]
	if !ok {
		q.mu.Unlock()
		return Job{}, common.NotFoundErrorf("%s job %s", q.stage, fp)
	}
	if j.Status != constants.JobStatusErrorFinal || j.settling {
		st := j.Status
		q.mu.Unlock()
		return Job{}, common.ConflictErrorf("%s job %s is %s, not %s", q.stage, fp, st, constants.JobStatusErrorFinal)
	}
	from := j.Status
	j.Status = constants.JobStatusPending
	j.RetryCount = 0
	j.LastError = ""
	j.LastHTTPStatus = 0
	j.LastErrorKind = retry.KindNone
	j.UpdatedAt = time.Now().UTC()
	snap := *j
	q.mu.Unlock()

	q.logger.Info("manual retry", "fingerprint", fp)
	q.emit(Event{Stage: q.stage, From: from, Job: snap})
	q.pump()
	return snap, nil
}

// Lookup returns a copy of the job for fp.
func (q *Queue) Lookup(fp string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byFP[fp]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// RunningOrCompleted is the live queue-status guard.
func (q *Queue) RunningOrCompleted(fp string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byFP[fp]
	return ok && (j.Status == constants.JobStatusRunning || j.Status == constants.JobStatusCompleted)
}

// Snapshot returns copies of all jobs in arrival order.
func (q *Queue) Snapshot() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, *j)
	}
	return out
}

// Running returns the number of jobs currently in running.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Remove discards a terminal job. It reports false if the job is missing or not terminal.
func (q *Queue) Remove(fp string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byFP[fp]
	if !ok || !j.Terminal() {
		return false
	}
	delete(q.byFP, fp)
	for i, cur := range q.jobs {
		if cur == j {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			break
		}
	}
	return true
}

// Shutdown stops admissions, cancels pending retries and waits for in-flight calls to return.
// In-flight external calls are not cancelled.
func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	cancelled := 0
	for fp, h := range q.retries {
		if h.Cancel() {
			cancelled++
		}
		delete(q.retries, fp)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context", "retries_cancelled", cancelled)
	case <-done:
		q.logger.Info("queue drained, shutdown complete", "retries_cancelled", cancelled)
	}
}

func (q *Queue) runHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queue hook panicked", "panic", r)
		}
	}()
	fn()
}

func (q *Queue) emit(e Event) {
	q.mu.Lock()
	ls := make([]Listener, len(q.listeners))
	copy(ls, q.listeners)
	q.mu.Unlock()
	for _, l := range ls {
		l(e)
	}
}
