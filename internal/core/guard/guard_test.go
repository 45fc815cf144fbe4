package guard

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/repository"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type queueSet struct {
	mu  sync.Mutex
	fps map[string]bool
}

func (q *queueSet) has(fp string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fps[fp]
}

func TestAdmitMarksSessionGuard(t *testing.T) {
	ctx := context.Background()
	g := New(repository.NewMemoryStore(), nil, nil, quiet())

	d, err := g.Admit(ctx, "fp")
	require.NoError(t, err)
	assert.True(t, d.Admit)
	assert.True(t, g.State().InSession("fp"))

	d, err = g.Admit(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, d.Admit)
	assert.Equal(t, ReasonSession, d.Reason)
}

func TestAdmitRejectsStoredAndQueued(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	_, err := store.PutIfAbsentReady(ctx, "stored", []byte("frozen"))
	require.NoError(t, err)
	require.NoError(t, store.PutStatus(ctx, "failed", constants.EntryStatusFailed))
	q := &queueSet{fps: map[string]bool{"running": true}}
	g := New(store, nil, q.has, quiet())

	d, err := g.Admit(ctx, "stored")
	require.NoError(t, err)
	assert.Equal(t, ReasonStored, d.Reason)
	require.NotNil(t, d.Entry)
	assert.Equal(t, []byte("frozen"), d.Entry.Result)
	assert.False(t, g.State().InSession("stored"))

	d, err = g.Admit(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, ReasonInQueue, d.Reason)

	d, err = g.Admit(ctx, "failed")
	require.NoError(t, err)
	assert.True(t, d.Admit, "a failed entry is not frozen")
}

func TestConcurrentAdmitAdmitsOnce(t *testing.T) {
	ctx := context.Background()
	g := New(repository.NewMemoryStore(), nil, nil, quiet())

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := g.Admit(ctx, "same")
			assert.NoError(t, err)
			if d.Admit {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
}

func TestRecheckIgnoresSessionGuard(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	q := &queueSet{fps: map[string]bool{}}
	g := New(store, nil, q.has, quiet())

	_, err := g.Admit(ctx, "fp")
	require.NoError(t, err)

	d, err := g.Recheck(ctx, "fp")
	require.NoError(t, err)
	assert.True(t, d.Admit)

	q.mu.Lock()
	q.fps["fp"] = true
	q.mu.Unlock()
	d, err = g.Recheck(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, ReasonInQueue, d.Reason)

	_, err = store.PutIfAbsentReady(ctx, "fp", []byte("r"))
	require.NoError(t, err)
	d, err = g.Recheck(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, ReasonStored, d.Reason)
}

func TestShouldSkipExecution(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	g := New(store, nil, nil, quiet())

	_, skip := g.ShouldSkipExecution(ctx, "fp")
	assert.False(t, skip)

	require.NoError(t, store.PutStatus(ctx, "fp", constants.EntryStatusQueued))
	_, skip = g.ShouldSkipExecution(ctx, "fp")
	assert.False(t, skip)

	_, err := store.PutIfAbsentReady(ctx, "fp", []byte("r"))
	require.NoError(t, err)
	res, skip := g.ShouldSkipExecution(ctx, "fp")
	assert.True(t, skip)
	assert.Equal(t, []byte("r"), res)
}

func TestReleaseAndRebuild(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	for _, fp := range []string{"a", "b"} {
		_, err := store.PutIfAbsentReady(ctx, fp, []byte(fp))
		require.NoError(t, err)
	}
	require.NoError(t, store.PutStatus(ctx, "c", constants.EntryStatusFailed))

	g := New(store, nil, nil, quiet())
	d, err := g.Admit(ctx, "d")
	require.NoError(t, err)
	require.True(t, d.Admit)
	assert.True(t, g.Release("d"))
	assert.False(t, g.Release("d"))
	d, err = g.Admit(ctx, "d")
	require.NoError(t, err)
	assert.True(t, d.Admit)

	added, err := g.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.True(t, g.State().InSession("a"))
	assert.True(t, g.State().InSession("b"))
	assert.False(t, g.State().InSession("c"))
	assert.Equal(t, 3, g.State().SessionSize())
}

func TestMarkCharged(t *testing.T) {
	s := NewState()
	assert.True(t, s.MarkCharged("fp"))
	assert.False(t, s.MarkCharged("fp"))
	assert.True(t, s.Charged("fp"))
	assert.False(t, s.Charged("other"))
}
