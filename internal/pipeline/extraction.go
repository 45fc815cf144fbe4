package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/common"
	"github.com/joseph-ayodele/gradeflow/internal/core/async"
	"github.com/joseph-ayodele/gradeflow/internal/core/guard"
	"github.com/joseph-ayodele/gradeflow/internal/core/retry"
	"github.com/joseph-ayodele/gradeflow/internal/extract"
	"github.com/joseph-ayodele/gradeflow/internal/repository"
)

// outcomes receives what the stages learn about a fingerprint outside of job state.
type outcomes interface {
	frozen(fp string, result []byte)
	handoff(fp string, err error) // err is nil once the analysis job exists
	charge(ctx context.Context, job async.Job)
}

// ExtractionQueue turns documents into text and hands novel fingerprints to the analysis stage.
type ExtractionQueue struct {
	*async.Queue
	extractor extract.TextExtractor
	guard     *guard.Guard
	store     repository.FingerprintStore
	next      *AnalysisQueue
	out       outcomes
	log       *slog.Logger
}

func newExtractionQueue(
	extractor extract.TextExtractor,
	g *guard.Guard,
	store repository.FingerprintStore,
	next *AnalysisQueue,
	out outcomes,
	log *slog.Logger,
	opts ...async.Option,
) *ExtractionQueue {
	if log == nil {
		log = slog.Default()
	}
	e := &ExtractionQueue{extractor: extractor, guard: g, store: store, next: next, out: out, log: log}
	e.Queue = async.NewQueue(constants.StageExtraction, extractionHooks{e}, log, opts...)
	return e
}

type extractionHooks struct{ q *ExtractionQueue }

func (h extractionHooks) ShouldSkip(ctx context.Context, job async.Job) ([]byte, bool) {
	return h.q.guard.ShouldSkipExecution(ctx, job.Fingerprint)
}

func (h extractionHooks) Execute(ctx context.Context, job async.Job) ([]byte, bool, error) {
	res, err := h.q.extractor.Extract(ctx, job.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("extract %s: %w", job.DisplayName, err)
	}
	h.q.log.Info("extraction.ok",
		"fingerprint", job.Fingerprint,
		"method", res.Method,
		"pages", res.Pages,
		"chars", len(res.Text),
		"elapsed_ms", res.Duration.Milliseconds(),
	)
	return []byte(res.Text), false, nil
}

func (h extractionHooks) OnComplete(ctx context.Context, job async.Job) {
	if job.Skipped {
		h.q.out.frozen(job.Fingerprint, job.Result)
		return
	}
	// A failed hand-off is recorded on the item and persisted as failed inside handOff.
	_ = h.q.handOff(ctx, job)
}

func (h extractionHooks) OnError(ctx context.Context, job async.Job, class retry.Classification, final bool) {
	if final {
		markFailed(ctx, h.q.store, h.q.log, job.Fingerprint)
	}
}

// handOff re-checks the guard for a completed extraction and enqueues the analysis job when still novel.
func (e *ExtractionQueue) handOff(ctx context.Context, job async.Job) error {
	fp := job.Fingerprint
	d, err := e.guard.Recheck(ctx, fp)
	if err != nil {
		e.log.Error("extraction.handoff.failed", "fingerprint", fp, "error", err)
		e.out.handoff(fp, err)
		markFailed(ctx, e.store, e.log, fp)
		return err
	}

	switch {
	case d.Admit:
		next := async.Job{
			Fingerprint: fp,
			DisplayName: job.DisplayName,
			BatchID:     job.BatchID,
			AccountID:   job.AccountID,
			RubricID:    job.RubricID,
			Payload:     string(job.Result),
		}
		if e.next.Enqueue(next) == 0 {
			if _, exists := e.next.Lookup(fp); !exists {
				e.out.handoff(fp, common.ErrShutdown)
				return common.ErrShutdown
			}
		}
		e.out.handoff(fp, nil)
	case d.Reason == guard.ReasonStored:
		e.log.Info("extraction.handoff.stored", "fingerprint", fp)
		e.out.frozen(fp, d.Entry.Result)
	default:
		e.log.Debug("extraction.handoff.rejected", "fingerprint", fp, "reason", d.Reason)
	}
	return nil
}

func markFailed(ctx context.Context, store repository.FingerprintStore, log *slog.Logger, fp string) {
	if err := store.PutStatus(ctx, fp, constants.EntryStatusFailed); err != nil {
		log.Error("store.mark_failed", "fingerprint", fp, "error", err)
	}
}
