package threads

import (
	"github.com/haasonsaas/strand/internal/state"
)

// Session is one request's logical unit of interaction, scoped to a thread.
// Sessions are created fresh per request and never reused; their state
// container is distinct from the thread's and holds request-local user data
// that may still need to be persisted.
type Session struct {
	ID       string
	ThreadID string
	Trigger  Trigger

	State *state.Container
}

// NewSession constructs a session over its state loader.
func NewSession(id, threadID string, trigger Trigger, loader state.Loader) *Session {
	return &Session{
		ID:       id,
		ThreadID: threadID,
		Trigger:  trigger,
		State:    state.New(loader),
	}
}

// IsDirty reports whether the session's state was mutated.
func (s *Session) IsDirty() bool {
	return s.State.Dirty()
}

// SaveMode derives the persistence strategy for the session's state.
func (s *Session) SaveMode() state.SaveMode {
	return s.State.SaveMode()
}

// PendingOperations exposes the state container's queued operation log.
func (s *Session) PendingOperations() []state.Operation {
	return s.State.PendingOperations()
}

// SerializedState materializes the session into its persisted envelope.
func (s *Session) SerializedState() *state.Envelope {
	return &state.Envelope{State: s.State.Snapshot()}
}
