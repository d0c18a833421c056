package dispatchapi

import (
	"errors"

	"github.com/medispatch/medispatch/internal/tracking"
)

// Error is a typed error from the dispatch backend.
type Error struct {
	Code    string // Error code derived from the response
	Message string // Human-readable error message
	Err     error  // Underlying tracking sentinel
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is transient and the next poll
// tick may succeed.
func (e *Error) IsRetryable() bool {
	return errors.Is(e.Err, tracking.ErrBackendUnavailable)
}
