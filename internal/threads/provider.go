package threads

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/strand/internal/state"
	"github.com/haasonsaas/strand/internal/storage"
)

// RequestDescriptor identifies the thread and session a request addresses.
type RequestDescriptor struct {
	// ThreadID addresses an existing thread; empty means create a new one.
	ThreadID string

	// SessionID for the request; empty means generate one.
	SessionID string

	Trigger Trigger
}

// Provider resolves and persists threads.
type Provider interface {
	// Restore returns the thread addressed by desc, creating one when no id
	// is given. The returned thread's id always satisfies ValidateThreadID.
	Restore(ctx context.Context, desc RequestDescriptor) (*Thread, error)

	// Save persists the thread using its derived save mode. A clean thread is
	// a no-op.
	Save(ctx context.Context, t *Thread) error

	// Destroy removes the thread's durable record. Never called by the core
	// runtime; deletion is an external operation.
	Destroy(ctx context.Context, t *Thread) error
}

// SessionProvider resolves and persists sessions.
type SessionProvider interface {
	Restore(ctx context.Context, thread *Thread, sessionID string, trigger Trigger) (*Session, error)
	Save(ctx context.Context, s *Session) error
}

// StoreProvider implements Provider and SessionProvider over a StateStore.
type StoreProvider struct {
	store storage.StateStore
}

// NewStoreProvider creates a provider backed by store.
func NewStoreProvider(store storage.StateStore) *StoreProvider {
	return &StoreProvider{store: store}
}

// envelopeFetch shares one storage read between a scope's state loader and
// metadata loader, so a request that touches both still costs a single load.
type envelopeFetch struct {
	once  sync.Once
	store storage.StateStore
	scope string
	env   *state.Envelope
	err   error
}

func (f *envelopeFetch) fetch(ctx context.Context) (*state.Envelope, error) {
	f.once.Do(func() {
		f.env, f.err = f.store.Load(ctx, f.scope)
		if f.env == nil {
			f.env = &state.Envelope{}
		}
	})
	return f.env, f.err
}

func (f *envelopeFetch) stateLoader() state.Loader {
	return func(ctx context.Context) (map[string]any, error) {
		env, err := f.fetch(ctx)
		if err != nil {
			return nil, err
		}
		return env.State, nil
	}
}

func (f *envelopeFetch) metadataLoader() func(ctx context.Context) (map[string]any, error) {
	return func(ctx context.Context) (map[string]any, error) {
		env, err := f.fetch(ctx)
		if err != nil {
			return nil, err
		}
		return env.Metadata, nil
	}
}

func (p *StoreProvider) Restore(ctx context.Context, desc RequestDescriptor) (*Thread, error) {
	id := desc.ThreadID
	if id == "" {
		id = NewThreadID()
	}
	if err := ValidateThreadID(id); err != nil {
		return nil, err
	}
	fetch := &envelopeFetch{store: p.store, scope: id}
	return NewThread(id, fetch.stateLoader(), fetch.metadataLoader()), nil
}

func (p *StoreProvider) Save(ctx context.Context, t *Thread) error {
	mode := t.SaveMode()
	metaDirty := t.MetadataDirty()
	if mode == state.SaveNone && !metaDirty {
		return nil
	}

	if mode == state.SaveFull {
		// The record is being replaced; the envelope must carry the full
		// metadata record, not just staged writes.
		meta, err := t.Metadata(ctx)
		if err != nil {
			return fmt.Errorf("load thread metadata for full save: %w", err)
		}
		env := &state.Envelope{State: t.State.Snapshot()}
		if len(meta) > 0 {
			env.Metadata = meta
		}
		return p.store.Write(ctx, t.ID, env)
	}

	var metaOverlay map[string]any
	if metaDirty {
		metaOverlay = t.StagedMetadata()
	}
	return p.store.Apply(ctx, t.ID, t.PendingOperations(), metaOverlay)
}

func (p *StoreProvider) Destroy(ctx context.Context, t *Thread) error {
	return p.store.Delete(ctx, t.ID)
}

// RestoreSession creates the request's session. Sessions are never shared
// across requests; an empty sessionID generates a fresh one.
func (p *StoreProvider) RestoreSession(ctx context.Context, thread *Thread, sessionID string, trigger Trigger) (*Session, error) {
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	fetch := &envelopeFetch{store: p.store, scope: sessionID}
	return NewSession(sessionID, thread.ID, trigger, fetch.stateLoader()), nil
}

// SaveSession persists the session using its derived save mode.
func (p *StoreProvider) SaveSession(ctx context.Context, s *Session) error {
	switch s.SaveMode() {
	case state.SaveNone:
		return nil
	case state.SaveMerge:
		return p.store.Apply(ctx, s.ID, s.PendingOperations(), nil)
	default:
		return p.store.Write(ctx, s.ID, s.SerializedState())
	}
}

// sessionProviderAdapter lets StoreProvider satisfy SessionProvider.
type sessionProviderAdapter struct {
	p *StoreProvider
}

// Sessions returns the provider's SessionProvider view.
func (p *StoreProvider) Sessions() SessionProvider {
	return sessionProviderAdapter{p: p}
}

func (a sessionProviderAdapter) Restore(ctx context.Context, thread *Thread, sessionID string, trigger Trigger) (*Session, error) {
	return a.p.RestoreSession(ctx, thread, sessionID, trigger)
}

func (a sessionProviderAdapter) Save(ctx context.Context, s *Session) error {
	return a.p.SaveSession(ctx, s)
}
