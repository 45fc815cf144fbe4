package retry

import (
	"errors"
	"fmt"
)

// Signals a collaborator can wrap to force a classification regardless of status.
var (
	ErrOverloaded  = errors.New("service overloaded")
	ErrRateLimited = errors.New("rate limited")
)

// StatusError carries the HTTP-like status of a failed collaborator call.
type StatusError struct {
	Status int
	Code   string
	Err    error
}

func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("status %d: %v", e.Status, e.Err)
	}
	if e.Code != "" {
		return fmt.Sprintf("status %d: %s", e.Status, e.Code)
	}
	return fmt.Sprintf("status %d", e.Status)
}

func (e *StatusError) Unwrap() error { return e.Err }

func NewStatusError(status int, code string, err error) *StatusError {
	return &StatusError{Status: status, Code: code, Err: err}
}

// HTTPStatus returns the status carried anywhere in err's chain, or 0.
func HTTPStatus(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}
