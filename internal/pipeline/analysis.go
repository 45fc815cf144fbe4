package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/core/async"
	"github.com/joseph-ayodele/gradeflow/internal/core/guard"
	"github.com/joseph-ayodele/gradeflow/internal/core/retry"
	"github.com/joseph-ayodele/gradeflow/internal/llm"
	"github.com/joseph-ayodele/gradeflow/internal/repository"
	"github.com/joseph-ayodele/gradeflow/internal/rubric"
)

// AnalysisQueue grades extracted text and freezes the result in the fingerprint store.
type AnalysisQueue struct {
	*async.Queue
	analyzer llm.Analyzer
	rubrics  *rubric.Registry
	guard    *guard.Guard
	store    repository.FingerprintStore
	out      outcomes
	log      *slog.Logger

	flight singleflight.Group

	mu sync.Mutex
	// unsaved holds results the analyzer produced but the store did not accept yet.
	unsaved map[string][]byte
	// unclaimed holds results this process froze whose job stopped waiting before the call returned.
	unclaimed map[string][]byte
	freezing  map[string]struct{}
}

type frozenResult struct {
	result []byte
	fresh  bool
}

func newAnalysisQueue(
	analyzer llm.Analyzer,
	rubrics *rubric.Registry,
	g *guard.Guard,
	store repository.FingerprintStore,
	out outcomes,
	log *slog.Logger,
	opts ...async.Option,
) *AnalysisQueue {
	if log == nil {
		log = slog.Default()
	}
	a := &AnalysisQueue{
		analyzer:  analyzer,
		rubrics:   rubrics,
		guard:     g,
		store:     store,
		out:       out,
		log:       log,
		unsaved:   make(map[string][]byte),
		unclaimed: make(map[string][]byte),
		freezing:  make(map[string]struct{}),
	}
	a.Queue = async.NewQueue(constants.StageAnalysis, analysisHooks{a}, log, opts...)
	return a
}

type analysisHooks struct{ q *AnalysisQueue }

func (h analysisHooks) ShouldSkip(ctx context.Context, job async.Job) ([]byte, bool) {
	if h.q.owned(job.Fingerprint) {
		return nil, false
	}
	return h.q.guard.ShouldSkipExecution(ctx, job.Fingerprint)
}

// Execute joins any analyzer call still in flight for the fingerprint. The call itself is never cancelled by
// the job's deadline; when the job gives up first, a later attempt collects the result.
func (h analysisHooks) Execute(ctx context.Context, job async.Job) ([]byte, bool, error) {
	a := h.q
	fp := job.Fingerprint
	if res, ok := a.claim(fp); ok {
		a.log.Info("analysis.claimed", "fingerprint", fp)
		return res, true, nil
	}

	callCtx := context.WithoutCancel(ctx)
	ch := a.flight.DoChan(fp, func() (any, error) {
		return a.analyzeAndFreeze(callCtx, job)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, false, r.Err
		}
		out := r.Val.(frozenResult)
		if out.fresh {
			if _, ok := a.claim(fp); !ok {
				return out.result, false, nil
			}
		}
		return out.result, out.fresh, nil
	case <-ctx.Done():
		return nil, false, fmt.Errorf("analyze %s: %w", fp, ctx.Err())
	}
}

func (h analysisHooks) OnComplete(ctx context.Context, job async.Job) {
	if job.Fresh {
		h.q.out.charge(ctx, job)
	}
}

func (h analysisHooks) OnError(ctx context.Context, job async.Job, class retry.Classification, final bool) {
	if final {
		markFailed(ctx, h.q.store, h.q.log, job.Fingerprint)
	}
}

func (a *AnalysisQueue) analyzeAndFreeze(ctx context.Context, job async.Job) (frozenResult, error) {
	fp := job.Fingerprint
	result, ok := a.takeUnsaved(fp)
	if !ok {
		rb, err := a.rubrics.Get(job.RubricID)
		if err != nil {
			return frozenResult{}, fmt.Errorf("analyze %s: %w", fp, err)
		}
		start := time.Now()
		fb, err := a.analyzer.Analyze(ctx, llm.AnalyzeRequest{
			Fingerprint: fp,
			DisplayName: job.DisplayName,
			Text:        job.Payload,
			Rubric:      rb,
		})
		if err != nil {
			return frozenResult{}, fmt.Errorf("analyze %s: %w", fp, err)
		}
		a.log.Info("analysis.ok",
			"fingerprint", fp,
			"grade", fb.Grade,
			"total", fb.Total,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		if result, err = json.Marshal(fb); err != nil {
			return frozenResult{}, fmt.Errorf("encode feedback %s: %w", fp, err)
		}
	}

	a.mu.Lock()
	a.freezing[fp] = struct{}{}
	a.mu.Unlock()
	won, err := a.store.PutIfAbsentReady(ctx, fp, result)
	a.mu.Lock()
	delete(a.freezing, fp)
	if err == nil && won {
		a.unclaimed[fp] = result
	}
	a.mu.Unlock()

	if err != nil {
		a.keepUnsaved(fp, result)
		return frozenResult{}, retry.NewStatusError(http.StatusServiceUnavailable, "store_unavailable", err)
	}
	if won {
		return frozenResult{result: result, fresh: true}, nil
	}

	// Another writer froze first: the stored result is the one everyone sees.
	e, ok, err := a.store.Get(ctx, fp)
	if err != nil || !ok || !e.Ready() {
		if err == nil {
			err = fmt.Errorf("entry %s lost after freeze", fp)
		}
		a.keepUnsaved(fp, result)
		return frozenResult{}, retry.NewStatusError(http.StatusServiceUnavailable, "store_unavailable", err)
	}
	a.log.Info("analysis.discarded", "fingerprint", fp, "reason", "already ready")
	return frozenResult{result: e.Result}, nil
}

func (a *AnalysisQueue) claim(fp string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, ok := a.unclaimed[fp]
	delete(a.unclaimed, fp)
	return res, ok
}

// owned reports whether this process is freezing, or froze without delivering, the result for fp. Such a
// fingerprint is ready in the store but its job still has to collect the result and the charge.
func (a *AnalysisQueue) owned(fp string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, unclaimed := a.unclaimed[fp]
	_, freezing := a.freezing[fp]
	return unclaimed || freezing
}

func (a *AnalysisQueue) keepUnsaved(fp string, result []byte) {
	a.mu.Lock()
	a.unsaved[fp] = result
	a.mu.Unlock()
}

func (a *AnalysisQueue) takeUnsaved(fp string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, ok := a.unsaved[fp]
	delete(a.unsaved, fp)
	return res, ok
}
