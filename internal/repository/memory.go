package repository

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/common"
)

// MemoryStore is a process-local FingerprintStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, fp string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[fp]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(e), true, nil
}

func (s *MemoryStore) PutIfAbsentReady(_ context.Context, fp string, result []byte) (bool, error) {
	if result == nil {
		result = []byte{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[fp]; ok && cur.Status == constants.EntryStatusReady {
		return false, nil
	}
	s.entries[fp] = Entry{
		Fingerprint: fp,
		Status:      constants.EntryStatusReady,
		Result:      slices.Clone(result),
		UpdatedAt:   time.Now().UTC(),
	}
	return true, nil
}

func (s *MemoryStore) PutStatus(_ context.Context, fp string, status constants.EntryStatus) error {
	if err := validateStatus(status); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[fp]; ok && cur.Status == constants.EntryStatusReady {
		return nil
	}
	s.entries[fp] = Entry{Fingerprint: fp, Status: status, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status constants.EntryStatus) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Status == status {
			out = append(out, cloneEntry(e))
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Fingerprint, b.Fingerprint) })
	return out, nil
}

func cloneEntry(e Entry) Entry {
	e.Result = slices.Clone(e.Result)
	return e
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	refs     map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]int64), refs: make(map[string]struct{})}
}

func (l *MemoryLedger) Deduct(_ context.Context, accountID string, amount int64, ref string) error {
	if amount <= 0 {
		return common.NewAppError("INVALID_AMOUNT", "amount must be positive", common.ErrInvalidInput)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ref != "" {
		if _, done := l.refs[ref]; done {
			return ErrAlreadyCharged
		}
	}
	if l.balances[accountID] < amount {
		return ErrInsufficientBalance
	}
	l.balances[accountID] -= amount
	if ref != "" {
		l.refs[ref] = struct{}{}
	}
	return nil
}

func (l *MemoryLedger) Credit(_ context.Context, accountID string, amount int64) error {
	if amount <= 0 {
		return common.NewAppError("INVALID_AMOUNT", "amount must be positive", common.ErrInvalidInput)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[accountID] += amount
	return nil
}

func (l *MemoryLedger) Balance(_ context.Context, accountID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[accountID], nil
}
