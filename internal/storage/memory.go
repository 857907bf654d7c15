package storage

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/strand/internal/state"
)

type memoryRecord struct {
	env       *state.Envelope
	updatedAt time.Time
}

// MemoryStore provides an in-memory StateStore implementation for testing and
// local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]*memoryRecord{},
		now:     time.Now,
	}
}

func (m *MemoryStore) Load(ctx context.Context, scopeID string) (*state.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[scopeID]
	if !ok {
		return nil, nil
	}
	return cloneEnvelope(rec.env), nil
}

func (m *MemoryStore) Write(ctx context.Context, scopeID string, env *state.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[scopeID] = &memoryRecord{env: cloneEnvelope(env), updatedAt: m.now()}
	return nil
}

func (m *MemoryStore) Apply(ctx context.Context, scopeID string, ops []state.Operation, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var env *state.Envelope
	if rec, ok := m.records[scopeID]; ok {
		env = cloneEnvelope(rec.env)
	} else {
		env = &state.Envelope{}
	}
	if env.State == nil {
		env.State = map[string]any{}
	}
	for _, op := range ops {
		// Operations that cannot apply to the stored value are dropped, the
		// same policy as container replay.
		_ = state.Apply(env.State, op)
	}
	if metadata != nil {
		if env.Metadata == nil {
			env.Metadata = map[string]any{}
		}
		for k, v := range metadata {
			env.Metadata[k] = v
		}
	}
	m.records[scopeID] = &memoryRecord{env: env, updatedAt: m.now()}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, scopeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, scopeID)
	return nil
}

func (m *MemoryStore) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	removed := 0
	for id, rec := range m.records {
		if rec.updatedAt.Before(cutoff) {
			delete(m.records, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneEnvelope(env *state.Envelope) *state.Envelope {
	if env == nil {
		return &state.Envelope{}
	}
	out := &state.Envelope{}
	if env.State != nil {
		out.State = make(map[string]any, len(env.State))
		for k, v := range env.State {
			out.State[k] = v
		}
	}
	if env.Metadata != nil {
		out.Metadata = make(map[string]any, len(env.Metadata))
		for k, v := range env.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
