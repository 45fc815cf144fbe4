package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/core/retry"
	"github.com/joseph-ayodele/gradeflow/internal/llm"
	"github.com/joseph-ayodele/gradeflow/internal/repository"
)

// flakyStore fails the next failures calls to PutIfAbsentReady, and every Get while getDown is set.
type flakyStore struct {
	*repository.MemoryStore
	mu       sync.Mutex
	failures int
	getDown  bool
}

func (s *flakyStore) Get(ctx context.Context, fp string) (repository.Entry, bool, error) {
	s.mu.Lock()
	down := s.getDown
	s.mu.Unlock()
	if down {
		return repository.Entry{}, false, errors.New("connection refused")
	}
	return s.MemoryStore.Get(ctx, fp)
}

func (s *flakyStore) setGetDown(down bool) {
	s.mu.Lock()
	s.getDown = down
	s.mu.Unlock()
}

func (s *flakyStore) PutIfAbsentReady(ctx context.Context, fp string, result []byte) (bool, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return false, errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.MemoryStore.PutIfAbsentReady(ctx, fp, result)
}

func TestStoreFailureRetriesWithoutReanalyzing(t *testing.T) {
	store := &flakyStore{MemoryStore: repository.NewMemoryStore(), failures: 1}
	h := newHarnessWith(t, harnessOpts{maxRetries: 3, store: store})

	h.submit(t, "fp-s")
	require.Eventually(t, func() bool { return h.sched.Pending() == 1 }, 5*time.Second, 5*time.Millisecond)

	j, ok := h.c.Analysis().Lookup("fp-s")
	require.True(t, ok)
	assert.Equal(t, constants.JobStatusError, j.Status)
	assert.Equal(t, http.StatusServiceUnavailable, j.LastHTTPStatus)

	h.sched.Flush()
	v := h.awaitDone(t)

	it := itemByFP(t, v, "fp-s")
	assert.Equal(t, constants.JobStatusCompleted, it.Status)
	assert.True(t, it.Charged)
	assert.Equal(t, 1, h.ana.count("fp-s"))
	assert.Equal(t, int64(9), h.balance(t))
}

func TestTimedOutCallIsCollectedByRetry(t *testing.T) {
	h := newHarnessWith(t, harnessOpts{maxRetries: 3, callTimeout: 50 * time.Millisecond})
	gate := make(chan struct{})
	h.ana.before = func(llm.AnalyzeRequest) { <-gate }

	h.submit(t, "fp-slow")
	require.Eventually(t, func() bool { return h.sched.Pending() == 1 }, 5*time.Second, 5*time.Millisecond)

	j, ok := h.c.Analysis().Lookup("fp-slow")
	require.True(t, ok)
	assert.Equal(t, constants.JobStatusError, j.Status)

	close(gate)
	require.Eventually(t, func() bool {
		e, ok, err := h.store.Get(context.Background(), "fp-slow")
		return err == nil && ok && e.Ready()
	}, 5*time.Second, 5*time.Millisecond)

	h.sched.Flush()
	v := h.awaitDone(t)

	it := itemByFP(t, v, "fp-slow")
	assert.Equal(t, constants.JobStatusCompleted, it.Status)
	assert.False(t, it.Frozen)
	assert.True(t, it.Charged)
	assert.Equal(t, 1, h.ana.count("fp-slow"))
	assert.Equal(t, int64(9), h.balance(t))
}

func TestRateLimitedAnalysisWaitsForRetry(t *testing.T) {
	h := newHarness(t, 3)
	h.ana.errs["fp-429"] = []error{rateLimited()}

	h.submit(t, "fp-429")
	require.Eventually(t, func() bool { return h.sched.Pending() == 1 }, 5*time.Second, 5*time.Millisecond)

	v := h.c.Batches()[0]
	it := itemByFP(t, v, "fp-429")
	assert.Equal(t, constants.JobStatusError, it.Status)
	assert.Equal(t, http.StatusTooManyRequests, it.LastHTTPStatus)
	assert.Equal(t, "rate limited upstream, retrying…", it.Message)

	h.sched.Flush()
	v = h.awaitDone(t)
	assert.Equal(t, 1, v.Completed)
	assert.Equal(t, 2, h.ana.count("fp-429"))
}

func rateLimited() error {
	return retry.NewStatusError(http.StatusTooManyRequests, "rate_limited", retry.ErrRateLimited)
}
