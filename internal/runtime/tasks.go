package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// TaskFunc is a background task body. The context carries the request's
// ambient cells and stays live past response completion.
type TaskFunc func(ctx context.Context) error

type task struct {
	done chan struct{}
	err  error
}

// TaskCoordinator collects background work registered during one request and
// tracks it to completion. It is exclusively owned by its request; a fresh
// coordinator is created per request by the Lifecycle.
type TaskCoordinator struct {
	mu      sync.Mutex
	tasks   []*task
	pending int
}

// NewTaskCoordinator creates an empty coordinator.
func NewTaskCoordinator() *TaskCoordinator {
	return &TaskCoordinator{}
}

// Register starts fn immediately and tracks it until it settles. Tasks start
// in registration order; no ordering is guaranteed for how their execution
// interleaves or completes. A panic inside fn settles the task as failed
// rather than crashing the worker.
func (tc *TaskCoordinator) Register(ctx context.Context, fn TaskFunc) {
	t := &task{done: make(chan struct{})}
	tc.mu.Lock()
	tc.tasks = append(tc.tasks, t)
	tc.pending++
	tc.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("background task panic: %v", r)
			}
			tc.mu.Lock()
			tc.pending--
			tc.mu.Unlock()
			close(t.done)
		}()
		t.err = fn(ctx)
	}()
}

// Track registers already-running work represented by its result channel.
// The task settles when the channel yields or closes.
func (tc *TaskCoordinator) Track(result <-chan error) {
	tc.Register(context.Background(), func(context.Context) error {
		return <-result
	})
}

// HasPending reports whether at least one registered task has not settled.
// The host's idle probe uses this as a drain-for-shutdown signal.
func (tc *TaskCoordinator) HasPending() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.pending > 0
}

// Drain waits for every registered task to settle, including tasks registered
// by tasks that are themselves draining: draining is a fixed-point operation,
// not a single pass. Every failure is logged with the correlation id before
// the aggregate BackgroundTaskError is returned. A task failure never cancels
// a sibling.
func (tc *TaskCoordinator) Drain(ctx context.Context, logger *slog.Logger, correlationID string) error {
	var failures []error
	awaited := 0
	for {
		tc.mu.Lock()
		batch := tc.tasks[awaited:]
		awaited = len(tc.tasks)
		tc.mu.Unlock()
		if len(batch) == 0 {
			break
		}
		for _, t := range batch {
			select {
			case <-t.done:
				if t.err != nil {
					failures = append(failures, t.err)
				}
			case <-ctx.Done():
				return fmt.Errorf("drain interrupted: %w", ctx.Err())
			}
		}
	}

	if len(failures) == 0 {
		return nil
	}
	if logger != nil {
		for _, err := range failures {
			logger.Error("background task failed",
				"correlation_id", correlationID,
				"error", err,
			)
		}
	}
	return &BackgroundTaskError{Failures: failures}
}
