package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/common"
	"github.com/joseph-ayodele/gradeflow/internal/core/async"
	"github.com/joseph-ayodele/gradeflow/internal/core/guard"
	"github.com/joseph-ayodele/gradeflow/internal/core/retry"
	"github.com/joseph-ayodele/gradeflow/internal/core/schedule"
	"github.com/joseph-ayodele/gradeflow/internal/extract"
	"github.com/joseph-ayodele/gradeflow/internal/llm"
	"github.com/joseph-ayodele/gradeflow/internal/repository"
	"github.com/joseph-ayodele/gradeflow/internal/rubric"
)

// MaxDocuments bounds one submission.
const MaxDocuments = 500

// DefaultRetainBatches is how many finished batches are kept when Config.RetainBatches is unset.
const DefaultRetainBatches = 1000

type Config struct {
	ExtractWorkers int
	AnalyzeWorkers int
	Policy         retry.Policy
	CallTimeout    time.Duration
	ChargeAmount   int64
	// RetainBatches bounds the finished batches kept for lookup. Older ones are forgotten first.
	RetainBatches int
}

// ConfigFrom maps the environment configuration onto the coordinator.
func ConfigFrom(p common.PipelineConfig) Config {
	return Config{
		ExtractWorkers: p.ExtractWorkers,
		AnalyzeWorkers: p.AnalyzeWorkers,
		Policy: retry.Policy{
			MaxRetries:     p.MaxRetries,
			BaseDelay:      p.BaseDelay,
			CapDelay:       p.CapDelay,
			RateLimitDelay: p.RateLimitDelay,
		},
		CallTimeout:   p.CallTimeout,
		ChargeAmount:  p.ChargeAmount,
		RetainBatches: p.RetainBatches,
	}
}

type Deps struct {
	Store     repository.FingerprintStore
	Ledger    repository.Ledger
	Rubrics   *rubric.Registry
	Extractor extract.TextExtractor
	Analyzer  llm.Analyzer
}

// Observer is notified of charges and batch completions. Queue transitions are observed by subscribing to the
// queues directly.
type Observer interface {
	ObserveCharge(outcome string)
	ObserveBatch(view BatchView)
}

type Option func(*Coordinator)

func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// WithScheduler replaces the retry scheduler shared by both queues.
func WithScheduler(s *schedule.Scheduler) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.sched = s
		}
	}
}

// Coordinator owns both queues, the duplicate guard and the batches submitted to them. It fires each batch's
// completion action once and charges one unit per fingerprint analyzed by a real call.
type Coordinator struct {
	cfg      Config
	store    repository.FingerprintStore
	ledger   repository.Ledger
	rubrics  *rubric.Registry
	log      *slog.Logger
	observer Observer

	state      *guard.State
	guard      *guard.Guard
	sched      *schedule.Scheduler
	extraction *ExtractionQueue
	analysis   *AnalysisQueue

	// submitMu serializes admission so an admitted fingerprint is enqueued before the next Submit looks at it.
	submitMu sync.Mutex

	mu         sync.Mutex
	batches    map[uuid.UUID]*batch
	order      []uuid.UUID
	byFP       map[string][]*batch
	frozenRes  map[string][]byte
	handoffErr map[string]error
	charges    map[string]chargeRecord
	closed     bool
}

func New(cfg Config, deps Deps, log *slog.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ChargeAmount <= 0 {
		cfg.ChargeAmount = 1
	}
	if cfg.RetainBatches <= 0 {
		cfg.RetainBatches = DefaultRetainBatches
	}
	if cfg.Policy == (retry.Policy{}) {
		cfg.Policy = retry.DefaultPolicy()
	}
	c := &Coordinator{
		cfg:        cfg,
		store:      deps.Store,
		ledger:     deps.Ledger,
		rubrics:    deps.Rubrics,
		log:        log,
		state:      guard.NewState(),
		batches:    make(map[uuid.UUID]*batch),
		byFP:       make(map[string][]*batch),
		frozenRes:  make(map[string][]byte),
		handoffErr: make(map[string]error),
		charges:    make(map[string]chargeRecord),
	}
	for _, o := range opts {
		o(c)
	}
	if c.sched == nil {
		c.sched = schedule.New()
	}

	queueOpts := func(workers int) []async.Option {
		return []async.Option{
			async.WithMaxConcurrent(workers),
			async.WithPolicy(cfg.Policy),
			async.WithScheduler(c.sched),
			async.WithCallTimeout(cfg.CallTimeout),
		}
	}

	// The queue-status guard watches the analysis stage: a fingerprint running or completed there is not
	// admitted again.
	var analysis *AnalysisQueue
	c.guard = guard.New(deps.Store, c.state, func(fp string) bool {
		return analysis != nil && analysis.RunningOrCompleted(fp)
	}, log)
	analysis = newAnalysisQueue(deps.Analyzer, deps.Rubrics, c.guard, deps.Store, c, log, queueOpts(cfg.AnalyzeWorkers)...)
	c.analysis = analysis
	c.extraction = newExtractionQueue(deps.Extractor, c.guard, deps.Store, analysis, c, log, queueOpts(cfg.ExtractWorkers)...)

	c.extraction.Subscribe(c.onEvent)
	c.analysis.Subscribe(c.onEvent)
	return c
}

func (c *Coordinator) Extraction() *ExtractionQueue { return c.extraction }

func (c *Coordinator) Analysis() *AnalysisQueue { return c.analysis }

func (c *Coordinator) Guard() *guard.Guard { return c.guard }

func (c *Coordinator) Scheduler() *schedule.Scheduler { return c.sched }

// Submit validates a batch, admits each document through the duplicate guard and enqueues the admitted ones
// for extraction. done runs once when every item is terminal, possibly before Submit returns.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest, done CompletionFunc) (BatchView, error) {
	if err := c.validate(req); err != nil {
		return BatchView{}, err
	}
	if _, err := c.rubrics.Get(req.RubricID); err != nil {
		return BatchView{}, common.NewAppError("VALIDATION_ERROR", err.Error(), common.ErrValidation)
	}

	b := &batch{
		id:        uuid.New(),
		accountID: req.AccountID,
		rubricID:  req.RubricID,
		createdAt: time.Now().UTC(),
		done:      done,
	}
	for _, d := range req.Documents {
		b.items = append(b.items, &item{doc: d})
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return BatchView{}, common.ErrShutdown
	}
	c.batches[b.id] = b
	c.order = append(c.order, b.id)
	for _, it := range b.items {
		c.byFP[it.doc.Fingerprint] = appendBatch(c.byFP[it.doc.Fingerprint], b)
	}
	c.mu.Unlock()

	c.log.Info("pipeline.batch.submitted", "batch_id", b.id, "account_id", b.accountID, "rubric_id", b.rubricID, "documents", len(b.items))

	c.submitMu.Lock()
	admitted := 0
	for _, it := range b.items {
		if c.admit(ctx, b, it) {
			admitted++
		}
	}
	c.submitMu.Unlock()

	c.mu.Lock()
	b.sealed = true
	c.mu.Unlock()

	c.log.Info("pipeline.batch.admitted", "batch_id", b.id, "admitted", admitted, "documents", len(b.items))
	c.checkBatches([]*batch{b})
	return c.Batch(b.id)
}

func (c *Coordinator) validate(req SubmitRequest) error {
	v := common.NewValidator().
		Field("account_id", req.AccountID, common.Required, common.MaxLength(128)).
		Field("rubric_id", req.RubricID, common.Required, common.MaxLength(128)).
		Field("documents", len(req.Documents), common.MinItems(1))
	if len(req.Documents) > MaxDocuments {
		return common.NewAppError("VALIDATION_ERROR", "too many documents in one batch", common.ErrValidation)
	}
	for _, d := range req.Documents {
		v.Field("fingerprint", d.Fingerprint, common.Required, common.MaxLength(128)).
			Field("path", d.Path, common.Required)
	}
	return v.Err()
}

// admit decides one item and enqueues it for extraction when admitted. The item stays undecided until it is
// either rejected or visible in the extraction queue.
func (c *Coordinator) admit(ctx context.Context, b *batch, it *item) bool {
	fp := it.doc.Fingerprint
	d, err := c.guard.Admit(ctx, fp)
	if err == nil && d.Admit {
		err = c.enqueue(ctx, b, it)
	}

	c.mu.Lock()
	it.decided = true
	it.admission = d.Reason
	it.err = err
	if err == nil && d.Reason == guard.ReasonStored {
		c.frozenRes[fp] = d.Entry.Result
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Error("pipeline.admit.failed", "batch_id", b.id, "fingerprint", fp, "error", err)
		return false
	}
	if !d.Admit {
		c.log.Info("pipeline.admit.rejected", "batch_id", b.id, "fingerprint", fp, "reason", d.Reason)
	}
	return d.Admit
}

func (c *Coordinator) enqueue(ctx context.Context, b *batch, it *item) error {
	fp := it.doc.Fingerprint
	if err := c.store.PutStatus(ctx, fp, constants.EntryStatusQueued); err != nil {
		c.log.Warn("pipeline.admit.status_not_written", "fingerprint", fp, "error", err)
	}
	n := c.extraction.Enqueue(async.Job{
		Fingerprint: fp,
		DisplayName: it.doc.DisplayName,
		BatchID:     b.id,
		AccountID:   b.accountID,
		RubricID:    b.rubricID,
		Payload:     it.doc.Path,
	})
	if n == 0 {
		if _, exists := c.extraction.Lookup(fp); !exists {
			c.guard.Release(fp)
			return common.ErrShutdown
		}
	}
	return nil
}

// Batch returns the current view of a batch.
func (c *Coordinator) Batch(id uuid.UUID) (BatchView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.batches[id]
	if !ok {
		return BatchView{}, common.NotFoundErrorf("batch %s", id)
	}
	return c.viewLocked(b), nil
}

// Batches lists every batch in submission order.
func (c *Coordinator) Batches() []BatchView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]BatchView, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.viewLocked(c.batches[id]))
	}
	return out
}

// Retry re-admits an errorFinal job as pending in the stage where it failed, with its retry count reset.
// A batch whose completion action already fired does not fire again.
func (c *Coordinator) Retry(ctx context.Context, fp string) (ItemView, error) {
	var err error
	if _, ok := c.analysis.Lookup(fp); ok {
		_, err = c.analysis.Retry(fp)
	} else if j, ok := c.extraction.Lookup(fp); ok {
		c.mu.Lock()
		herr := c.handoffErr[fp]
		c.mu.Unlock()
		if j.Status == constants.JobStatusCompleted && herr != nil {
			c.restoreQueued(ctx, fp)
			if err = c.extraction.handOff(ctx, j); err == nil {
				return c.item(fp)
			}
			return ItemView{}, err
		}
		_, err = c.extraction.Retry(fp)
	} else if v, ierr := c.item(fp); ierr == nil {
		// Completed jobs leave the queues once their batches are done.
		return ItemView{}, common.ConflictErrorf("job %s is %s and no longer queued", fp, v.Status)
	} else {
		return ItemView{}, ierr
	}
	if err != nil {
		return ItemView{}, err
	}
	c.restoreQueued(ctx, fp)
	return c.item(fp)
}

func (c *Coordinator) restoreQueued(ctx context.Context, fp string) {
	if err := c.store.PutStatus(ctx, fp, constants.EntryStatusQueued); err != nil {
		c.log.Warn("pipeline.retry.status_not_written", "fingerprint", fp, "error", err)
	}
}

func (c *Coordinator) item(fp string) (ItemView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.byFP[fp] {
		for _, it := range b.items {
			if it.doc.Fingerprint == fp {
				return c.itemViewLocked(it), nil
			}
		}
	}
	return ItemView{}, common.NotFoundErrorf("job %s", fp)
}

// Release drops fp from the session guard for an item removed before it was submitted in a batch.
func (c *Coordinator) Release(fp string) bool {
	c.mu.Lock()
	_, submitted := c.byFP[fp]
	c.mu.Unlock()
	if submitted {
		return false
	}
	if _, ok := c.extraction.Lookup(fp); ok {
		return false
	}
	if _, ok := c.analysis.Lookup(fp); ok {
		return false
	}
	return c.guard.Release(fp)
}

// Resume rebuilds the session guard from the ready entries in the store.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	n, err := c.guard.Rebuild(ctx)
	if err != nil {
		c.log.Error("pipeline.resume.failed", "error", err)
		return 0, err
	}
	c.log.Info("pipeline.resume.ok", "ready_entries_added", n)
	return n, nil
}

// Shutdown stops admissions, cancels pending retry timers and waits for in-flight calls to return.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.extraction.Shutdown(ctx)
	c.analysis.Shutdown(ctx)
	dropped := c.sched.Stop()
	c.log.Info("pipeline.shutdown", "timers_dropped", dropped)
}

func (c *Coordinator) onEvent(e async.Event) {
	if !e.Job.Terminal() {
		return
	}
	c.mu.Lock()
	bs := append([]*batch(nil), c.byFP[e.Job.Fingerprint]...)
	c.mu.Unlock()
	c.checkBatches(bs)
}

// checkBatches fires the completion action of every batch in bs whose items are all terminal.
func (c *Coordinator) checkBatches(bs []*batch) {
	type firing struct {
		view BatchView
		done CompletionFunc
	}
	var fire []firing

	c.mu.Lock()
	for _, b := range bs {
		if b.fired || !b.sealed {
			continue
		}
		view := c.viewLocked(b)
		if !allTerminal(view) {
			continue
		}
		b.fired = true
		b.completedAt = time.Now().UTC()
		view.Done = true
		view.CompletedAt = &b.completedAt
		fire = append(fire, firing{view: view, done: b.done})
	}
	for _, b := range bs {
		if b.fired {
			c.retireLocked(b)
		}
	}
	if len(fire) > 0 {
		c.pruneLocked()
	}
	c.mu.Unlock()

	for _, f := range fire {
		c.log.Info("pipeline.batch.done",
			"batch_id", f.view.ID,
			"completed", f.view.Completed,
			"failed", f.view.Failed,
			"charged", f.view.Charged,
		)
		if c.observer != nil {
			c.observer.ObserveBatch(f.view)
		}
		if f.done != nil {
			c.runCompletion(f.view, f.done)
		}
	}
}

// retireLocked takes the completed items of a fired batch out of both queues once every batch holding their
// fingerprint has fired. The items keep their last view; the store still answers for the fingerprint.
func (c *Coordinator) retireLocked(b *batch) {
	for _, it := range b.items {
		fp := it.doc.Fingerprint
		if it.final != nil || !c.settledLocked(fp) {
			continue
		}
		for _, holder := range c.byFP[fp] {
			for _, other := range holder.items {
				if other.doc.Fingerprint == fp && other.final == nil {
					v := c.itemViewLocked(other)
					other.final = &v
				}
			}
		}
		c.forgetLocked(fp)
		c.log.Debug("pipeline.job.retired", "fingerprint", fp)
	}
}

// settledLocked reports whether every batch holding fp has fired with fp completed.
func (c *Coordinator) settledLocked(fp string) bool {
	for _, b := range c.byFP[fp] {
		if !b.fired {
			return false
		}
		for _, it := range b.items {
			if it.doc.Fingerprint != fp || it.final != nil {
				continue
			}
			if v := c.itemViewLocked(it); !v.Terminal || v.Status != constants.JobStatusCompleted {
				return false
			}
		}
	}
	return true
}

// pruneLocked forgets the oldest fired batches beyond cfg.RetainBatches. A batch with an item still moving
// after a manual retry is kept until it settles.
func (c *Coordinator) pruneLocked() {
	fired := 0
	for _, id := range c.order {
		if c.batches[id].fired {
			fired++
		}
	}
	excess := fired - c.cfg.RetainBatches
	if excess <= 0 {
		return
	}
	kept := c.order[:0]
	for _, id := range c.order {
		b := c.batches[id]
		if excess > 0 && b.fired && allTerminal(c.viewLocked(b)) {
			excess--
			c.dropLocked(b)
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
}

func (c *Coordinator) dropLocked(b *batch) {
	delete(c.batches, b.id)
	for _, it := range b.items {
		fp := it.doc.Fingerprint
		if rest := removeBatch(c.byFP[fp], b); len(rest) > 0 {
			c.byFP[fp] = rest
			continue
		}
		delete(c.byFP, fp)
		c.forgetLocked(fp)
	}
	c.log.Debug("pipeline.batch.pruned", "batch_id", b.id)
}

// forgetLocked removes the terminal jobs for fp from both queues along with what the coordinator recorded
// about them.
func (c *Coordinator) forgetLocked(fp string) {
	c.analysis.Remove(fp)
	c.extraction.Remove(fp)
	delete(c.frozenRes, fp)
	delete(c.handoffErr, fp)
	delete(c.charges, fp)
}

func (c *Coordinator) runCompletion(view BatchView, done CompletionFunc) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("pipeline.batch.completion_panicked", "batch_id", view.ID, "panic", r)
		}
	}()
	done(view)
}

func allTerminal(v BatchView) bool {
	for _, it := range v.Items {
		if !it.Terminal {
			return false
		}
	}
	return true
}

func (c *Coordinator) viewLocked(b *batch) BatchView {
	v := BatchView{
		ID:        b.id,
		AccountID: b.accountID,
		RubricID:  b.rubricID,
		CreatedAt: b.createdAt,
		Done:      b.fired,
		Items:     make([]ItemView, 0, len(b.items)),
	}
	if b.fired {
		at := b.completedAt
		v.CompletedAt = &at
	}
	seen := make(map[string]bool, len(b.items))
	for _, it := range b.items {
		iv := c.itemViewLocked(it)
		v.Items = append(v.Items, iv)
		switch {
		case iv.Status == constants.JobStatusCompleted && iv.Terminal:
			v.Completed++
		case iv.Status == constants.JobStatusErrorFinal && iv.Terminal:
			v.Failed++
		}
		if iv.Charged && !seen[iv.Fingerprint] {
			seen[iv.Fingerprint] = true
			v.Charged++
		}
	}
	return v
}

// itemViewLocked derives an item's state from the queues. Both queues are locked after c.mu, never before.
func (c *Coordinator) itemViewLocked(it *item) ItemView {
	fp := it.doc.Fingerprint
	v := ItemView{
		Fingerprint: fp,
		DisplayName: it.doc.DisplayName,
		Admission:   it.admission,
		Stage:       StageAdmission,
		Status:      constants.JobStatusPending,
	}
	if !it.decided {
		return v
	}
	if it.final != nil {
		return *it.final
	}
	if it.err != nil {
		v.Status, v.Terminal = constants.JobStatusErrorFinal, true
		v.LastError = it.err.Error()
		v.Message = "failed"
		return v
	}

	if j, ok := c.analysis.Lookup(fp); ok {
		fillFromJob(&v, constants.StageAnalysis, j)
		if j.Status == constants.JobStatusCompleted {
			v.Result = j.Result
			v.Frozen = !j.Fresh
		}
	} else if j, ok := c.extraction.Lookup(fp); ok {
		fillFromJob(&v, constants.StageExtraction, j)
		if j.Status == constants.JobStatusCompleted {
			// Completed extraction with no analysis job: the result was frozen already, or the hand-off failed.
			if res, ok := c.frozenRes[fp]; ok {
				v.Stage, v.Result, v.Frozen = StageStore, res, true
			} else {
				v.Status = constants.JobStatusErrorFinal
				v.LastError = "not handed to analysis"
				if herr := c.handoffErr[fp]; herr != nil {
					v.LastError = herr.Error()
				}
				v.Message = "failed"
			}
		}
	} else if res, ok := c.frozenRes[fp]; ok {
		v.Stage, v.Status, v.Terminal = StageStore, constants.JobStatusCompleted, true
		v.Result, v.Frozen = res, true
	} else {
		// Rejected as a duplicate of something this process no longer tracks.
		v.Stage, v.Status, v.Terminal = StageAdmission, constants.JobStatusErrorFinal, true
		v.LastError = "duplicate of a fingerprint already submitted"
		v.Message = "failed"
	}

	if rec, ok := c.charges[fp]; ok {
		v.Charged = rec.ok
		v.ChargeFailed = !rec.ok
		v.ChargeError = rec.err
	}
	return v
}

func fillFromJob(v *ItemView, stage string, j async.Job) {
	v.Stage = stage
	v.Status = j.Status
	v.Terminal = j.Terminal()
	v.RetryCount = j.RetryCount
	v.LastError = j.LastError
	v.LastHTTPStatus = j.LastHTTPStatus
	if j.Status == constants.JobStatusError || j.Status == constants.JobStatusErrorFinal {
		v.Message = failureMessage(j.LastErrorKind)
	}
}

// outcomes

func (c *Coordinator) frozen(fp string, result []byte) {
	c.mu.Lock()
	c.frozenRes[fp] = result
	c.mu.Unlock()
}

func (c *Coordinator) handoff(fp string, err error) {
	c.mu.Lock()
	if err == nil {
		delete(c.handoffErr, fp)
	} else {
		c.handoffErr[fp] = err
	}
	c.mu.Unlock()
}

// charge deducts one unit for a fingerprint whose result this process froze. A failed deduction keeps the
// result and is reported on the item.
func (c *Coordinator) charge(ctx context.Context, job async.Job) {
	fp := job.Fingerprint
	if !c.state.MarkCharged(fp) {
		c.log.Warn("pipeline.charge.duplicate", "fingerprint", fp)
		return
	}

	rec := chargeRecord{ok: true}
	outcome := "charged"
	err := c.ledger.Deduct(ctx, job.AccountID, c.cfg.ChargeAmount, fp)
	switch {
	case err == nil:
		c.log.Info("pipeline.charge.ok", "fingerprint", fp, "account_id", job.AccountID, "amount", c.cfg.ChargeAmount)
	case errors.Is(err, repository.ErrAlreadyCharged):
		outcome = "already_charged"
		c.log.Info("pipeline.charge.already_charged", "fingerprint", fp, "account_id", job.AccountID)
	default:
		rec = chargeRecord{err: err.Error()}
		outcome = "failed"
		c.log.Error("pipeline.charge.failed", "fingerprint", fp, "account_id", job.AccountID, "error", err)
	}

	c.mu.Lock()
	c.charges[fp] = rec
	c.mu.Unlock()
	if c.observer != nil {
		c.observer.ObserveCharge(outcome)
	}
}

func appendBatch(bs []*batch, b *batch) []*batch {
	for _, cur := range bs {
		if cur == b {
			return bs
		}
	}
	return append(bs, b)
}

func removeBatch(bs []*batch, b *batch) []*batch {
	out := bs[:0]
	for _, cur := range bs {
		if cur != b {
			out = append(out, cur)
		}
	}
	return out
}
