package runtime

import (
	"context"
	"fmt"
	"sync"
)

// Signal is a single-resolution completion promise. One is created per
// streaming request; the transport-layer response writer settles it when the
// underlying transfer finishes or aborts, and the persistence lifecycle waits
// on it before saving state. Resolve and Reject are idempotent: only the
// first settlement wins.
type Signal struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

// NewSignal creates an unsettled signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Resolve settles the signal successfully.
func (s *Signal) Resolve() {
	s.once.Do(func() { close(s.done) })
}

// Reject settles the signal with a transfer error.
func (s *Signal) Reject(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// Done returns a channel closed once the signal settles.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Err returns the rejection error, or nil. Only meaningful after Done.
func (s *Signal) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Settled reports whether the signal has resolved or rejected.
func (s *Signal) Settled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the signal settles or ctx expires, returning the
// rejection error if any.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return fmt.Errorf("waiting for stream completion: %w", ctx.Err())
	}
}
