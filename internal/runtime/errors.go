package runtime

import (
	"errors"
	"fmt"
)

// ErrContextNotAvailable indicates ambient context was queried outside the
// dynamic extent of a request. This is a programming-contract violation and
// is never silently substituted with a default context.
var ErrContextNotAvailable = errors.New("execution context not available")

// BackgroundTaskError aggregates failures from one request's background
// tasks. Every underlying failure is preserved; no task cancels a sibling.
type BackgroundTaskError struct {
	Failures []error
}

func (e *BackgroundTaskError) Error() string {
	if len(e.Failures) == 1 {
		return fmt.Sprintf("background task failed: %v", e.Failures[0])
	}
	return fmt.Sprintf("%d background tasks failed: %v", len(e.Failures), errors.Join(e.Failures...))
}

// Unwrap exposes the individual failures to errors.Is/errors.As.
func (e *BackgroundTaskError) Unwrap() []error {
	return e.Failures
}
