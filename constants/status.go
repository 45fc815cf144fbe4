package constants

// JobStatus is the in-memory state of a job in either pipeline queue.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusError      JobStatus = "error"      // retryable failure, waiting for re-admission
	JobStatusErrorFinal JobStatus = "errorFinal" // non-retryable or retries exhausted
)

// Terminal reports whether no further automatic transition can happen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusErrorFinal
}

// EntryStatus is the durable status stored per fingerprint.
// Store these exact strings.
type EntryStatus string

const (
	EntryStatusQueued EntryStatus = "queued"
	EntryStatusReady  EntryStatus = "ready" // frozen once a result is attached
	EntryStatusFailed EntryStatus = "failed"
)

func (s EntryStatus) Valid() bool {
	switch s {
	case EntryStatusQueued, EntryStatusReady, EntryStatusFailed:
		return true
	}
	return false
}

// Stage names, used in logs, metrics and batch views.
const (
	StageExtraction = "extraction"
	StageAnalysis   = "analysis"
)
