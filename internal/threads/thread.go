// Package threads models the durable conversation units of the host: threads
// (addressable, persisted across requests) and sessions (one request's
// logical interaction scoped to a thread). Both carry a lazy state container;
// providers resolve them at request start and persist them at request end
// using the cheapest correct strategy.
package threads

import (
	"context"
	"sync"

	"github.com/haasonsaas/strand/internal/state"
)

// Thread is a durable conversation/unit-of-work. It is exclusively owned by
// the one request that resolved it, for that request's duration; concurrent
// requests against the same thread id each get a fresh snapshot and rely on
// the storage layer's last-writer-wins semantics.
type Thread struct {
	ID string

	// State is the thread's lazily loaded keyed state.
	State *state.Container

	mu         sync.Mutex
	meta       map[string]any
	metaLoaded bool
	metaDirty  bool
	loadMeta   func(ctx context.Context) (map[string]any, error)
}

// NewThread constructs a thread over its state loader and metadata loader.
func NewThread(id string, stateLoader state.Loader, metaLoader func(ctx context.Context) (map[string]any, error)) *Thread {
	return &Thread{
		ID:       id,
		State:    state.New(stateLoader),
		meta:     map[string]any{},
		loadMeta: metaLoader,
	}
}

// SetMetadata stages a metadata write. Like state writes, staging never
// blocks on storage.
func (t *Thread) SetMetadata(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta[key] = value
	t.metaDirty = true
}

// Metadata returns the full metadata record, loading the persisted record and
// overlaying staged writes.
func (t *Thread) Metadata(ctx context.Context) (map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureMetaLocked(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(t.meta))
	for k, v := range t.meta {
		out[k] = v
	}
	return out, nil
}

func (t *Thread) ensureMetaLocked(ctx context.Context) error {
	if t.metaLoaded || t.loadMeta == nil {
		t.metaLoaded = true
		return nil
	}
	loaded, err := t.loadMeta(ctx)
	if err != nil {
		return err
	}
	merged := make(map[string]any, len(loaded)+len(t.meta))
	for k, v := range loaded {
		merged[k] = v
	}
	for k, v := range t.meta { // staged writes win
		merged[k] = v
	}
	t.meta = merged
	t.metaLoaded = true
	return nil
}

// MetadataDirty reports whether any metadata write was staged.
func (t *Thread) MetadataDirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metaDirty
}

// StagedMetadata returns only the staged metadata writes when the persisted
// record was never loaded, or the full merged record when it was. Used by
// providers to pick between a metadata overlay and a full replace.
func (t *Thread) StagedMetadata() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]any, len(t.meta))
	for k, v := range t.meta {
		out[k] = v
	}
	return out
}

// IsDirty reports whether the thread needs persisting at all.
func (t *Thread) IsDirty() bool {
	return t.State.Dirty() || t.MetadataDirty()
}

// SaveMode derives the persistence strategy for the thread's state container.
func (t *Thread) SaveMode() state.SaveMode {
	return t.State.SaveMode()
}

// PendingOperations exposes the state container's queued operation log.
func (t *Thread) PendingOperations() []state.Operation {
	return t.State.PendingOperations()
}

// SerializedState materializes the thread into its persisted envelope.
func (t *Thread) SerializedState() *state.Envelope {
	env := &state.Envelope{State: t.State.Snapshot()}
	t.mu.Lock()
	if len(t.meta) > 0 {
		env.Metadata = make(map[string]any, len(t.meta))
		for k, v := range t.meta {
			env.Metadata[k] = v
		}
	}
	t.mu.Unlock()
	return env
}
