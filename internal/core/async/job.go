package async

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/core/retry"
)

// Job is the unit of work flowing through a queue. Identity is Fingerprint only.
type Job struct {
	Fingerprint string
	DisplayName string
	BatchID     uuid.UUID
	AccountID   string
	RubricID    string
	// Payload is the document reference in the extraction stage and the extracted text in the analysis stage.
	Payload string

	Status         constants.JobStatus
	RetryCount     int
	LastError      string
	LastHTTPStatus int
	LastErrorKind  retry.Kind

	// Result is set once Status is completed.
	Result []byte
	// Skipped is true when the job completed from a stored result without an external call.
	Skipped bool
	// Fresh is true when Result was produced and persisted by this job's own execution.
	Fresh bool

	EnqueuedAt time.Time
	UpdatedAt  time.Time

	// settling is set while completion/error hooks run; the job is not observably terminal until they return.
	settling bool
}

// Terminal reports whether the job reached completed or errorFinal and its hooks have finished.
func (j Job) Terminal() bool {
	return j.Status.Terminal() && !j.settling
}

// Hooks is the strategy a queue runs jobs with.
type Hooks interface {
	// ShouldSkip is consulted immediately before the external call. Returning true completes the job with the
	// returned result and no external call.
	ShouldSkip(ctx context.Context, job Job) ([]byte, bool)
	// Execute performs the external call. fresh reports that this call's result is the one persisted.
	Execute(ctx context.Context, job Job) (result []byte, fresh bool, err error)
	// OnComplete runs after the job reached completed and before the transition is announced.
	OnComplete(ctx context.Context, job Job)
	// OnError runs after every failed attempt. final is true when the job reached errorFinal.
	OnError(ctx context.Context, job Job, class retry.Classification, final bool)
}

// Event announces a job transition to listeners.
type Event struct {
	Stage string
	From  constants.JobStatus
	Job   Job
	// Class is set on failures.
	Class *retry.Classification
}

type Listener func(Event)
