package repository

import (
	"context"
	"errors"
	"time"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/common"
)

// Entry is the durable record kept per fingerprint.
type Entry struct {
	Fingerprint string
	Status      constants.EntryStatus
	Result      []byte
	UpdatedAt   time.Time
}

// Ready reports whether the entry is frozen: status ready with a result attached.
func (e Entry) Ready() bool {
	return e.Status == constants.EntryStatusReady && e.Result != nil
}

// FingerprintStore persists job status and frozen results keyed by fingerprint.
// Implementations must never overwrite a ready entry.
type FingerprintStore interface {
	// Get returns the entry for fp; ok is false when none exists.
	Get(ctx context.Context, fp string) (entry Entry, ok bool, err error)
	// PutIfAbsentReady stores result as ready unless a ready entry already exists.
	// It returns false when another writer got there first.
	PutIfAbsentReady(ctx context.Context, fp string, result []byte) (bool, error)
	// PutStatus records a non-ready status. It is a no-op on a ready entry.
	PutStatus(ctx context.Context, fp string, status constants.EntryStatus) error
	ListByStatus(ctx context.Context, status constants.EntryStatus) ([]Entry, error)
}

// Ledger debits consumable units from accounts.
type Ledger interface {
	// Deduct debits amount from accountID. ref is an idempotency key; a second Deduct with the same ref
	// returns ErrAlreadyCharged and debits nothing.
	Deduct(ctx context.Context, accountID string, amount int64, ref string) error
	Credit(ctx context.Context, accountID string, amount int64) error
	Balance(ctx context.Context, accountID string) (int64, error)
}

var (
	ErrAlreadyCharged      = errors.New("reference already charged")
	ErrInsufficientBalance = common.NewAppError("INSUFFICIENT_BALANCE", "insufficient balance", common.ErrConflict)
)

func validateStatus(status constants.EntryStatus) error {
	if !status.Valid() {
		return common.NewAppError("INVALID_STATUS", "unknown entry status "+string(status), common.ErrInvalidInput)
	}
	if status == constants.EntryStatusReady {
		return common.NewAppError("INVALID_STATUS", "ready entries are written with PutIfAbsentReady", common.ErrInvalidInput)
	}
	return nil
}
