// Package storage persists thread and session state envelopes. Stores expose
// two write paths matching the runtime's save strategies: a full envelope
// overwrite, and an incremental apply of a pending-operation delta for
// containers that were written without ever reading prior state.
package storage

import (
	"context"
	"time"

	"github.com/haasonsaas/strand/internal/state"
)

// StateStore persists serialized state envelopes keyed by scope id (thread or
// session id).
type StateStore interface {
	// Load returns the envelope for scopeID, or (nil, nil) when absent.
	Load(ctx context.Context, scopeID string) (*state.Envelope, error)

	// Write replaces the stored envelope (full save mode).
	Write(ctx context.Context, scopeID string, env *state.Envelope) error

	// Apply merges an operation delta into the stored state, read-modify-write
	// restricted to the touched keys (merge save mode). A non-nil metadata map
	// is overlaid key-by-key onto the stored metadata.
	Apply(ctx context.Context, scopeID string, ops []state.Operation, metadata map[string]any) error

	// Delete removes the record for scopeID. Missing records are not an error.
	Delete(ctx context.Context, scopeID string) error

	// Sweep removes records not written for longer than olderThan, returning
	// the number removed.
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)

	// Close releases underlying resources.
	Close() error
}
