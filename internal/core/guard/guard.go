package guard

import (
	"context"
	"log/slog"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/repository"
)

// Reason explains an admission decision.
type Reason string

const (
	ReasonAdmitted Reason = "admitted"
	ReasonSession  Reason = "session"  // already submitted in this session
	ReasonStored   Reason = "stored"   // ready entry in the fingerprint store
	ReasonInQueue  Reason = "in_queue" // running or completed in the analysis queue
)

type Decision struct {
	Admit  bool
	Reason Reason
	// Entry is the frozen entry when Reason is ReasonStored.
	Entry *repository.Entry
}

// QueueStatus is the live queue-status guard: true while fp is running or completed.
type QueueStatus func(fp string) bool

type Guard struct {
	store   repository.FingerprintStore
	state   *State
	inQueue QueueStatus
	log     *slog.Logger
}

func New(store repository.FingerprintStore, state *State, inQueue QueueStatus, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	if state == nil {
		state = NewState()
	}
	if inQueue == nil {
		inQueue = func(string) bool { return false }
	}
	return &Guard{store: store, state: state, inQueue: inQueue, log: log}
}

func (g *Guard) State() *State { return g.state }

// Admit runs all three guards. On admission fp is added to the session guard before returning, so a second
// Admit for the same fp in this process is rejected.
func (g *Guard) Admit(ctx context.Context, fp string) (Decision, error) {
	if d, err := g.stored(ctx, fp); err != nil || !d.Admit {
		return d, err
	}

	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	if _, ok := g.state.session[fp]; ok {
		g.log.Debug("admission rejected", "fingerprint", fp, "reason", ReasonSession)
		return Decision{Reason: ReasonSession}, nil
	}
	if g.inQueue(fp) {
		g.log.Debug("admission rejected", "fingerprint", fp, "reason", ReasonInQueue)
		return Decision{Reason: ReasonInQueue}, nil
	}
	g.state.session[fp] = struct{}{}
	return Decision{Admit: true, Reason: ReasonAdmitted}, nil
}

// Recheck is the admission check for the hand-off from extraction to analysis. The fingerprint is already in
// the session guard by then, so only the store and the analysis queue are consulted.
func (g *Guard) Recheck(ctx context.Context, fp string) (Decision, error) {
	if d, err := g.stored(ctx, fp); err != nil || !d.Admit {
		return d, err
	}
	if g.inQueue(fp) {
		return Decision{Reason: ReasonInQueue}, nil
	}
	return Decision{Admit: true, Reason: ReasonAdmitted}, nil
}

// ShouldSkipExecution is consulted right before an external call. It returns the frozen result when one exists.
// Store errors do not skip; the first-writer-wins write still protects the stored result.
func (g *Guard) ShouldSkipExecution(ctx context.Context, fp string) ([]byte, bool) {
	e, ok, err := g.store.Get(ctx, fp)
	if err != nil {
		g.log.Warn("skip check could not read store", "fingerprint", fp, "error", err)
		return nil, false
	}
	if !ok || !e.Ready() {
		return nil, false
	}
	return e.Result, true
}

// Release drops fp from the session guard for an item removed before submission.
func (g *Guard) Release(fp string) bool {
	return g.state.Release(fp)
}

// Rebuild seeds the session guard from every ready entry in the store and returns how many were added.
func (g *Guard) Rebuild(ctx context.Context) (int, error) {
	entries, err := g.store.ListByStatus(ctx, constants.EntryStatusReady)
	if err != nil {
		return 0, err
	}
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	added := 0
	for _, e := range entries {
		if _, ok := g.state.session[e.Fingerprint]; !ok {
			g.state.session[e.Fingerprint] = struct{}{}
			added++
		}
	}
	g.log.Info("session guard rebuilt from store", "ready_entries", len(entries), "added", added)
	return added, nil
}

func (g *Guard) stored(ctx context.Context, fp string) (Decision, error) {
	e, ok, err := g.store.Get(ctx, fp)
	if err != nil {
		g.log.Error("admission could not read store", "fingerprint", fp, "error", err)
		return Decision{}, err
	}
	if ok && e.Ready() {
		g.log.Debug("admission rejected", "fingerprint", fp, "reason", ReasonStored)
		return Decision{Reason: ReasonStored, Entry: &e}, nil
	}
	return Decision{Admit: true, Reason: ReasonAdmitted}, nil
}
