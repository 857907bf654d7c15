// Package state implements the lazy, dirty-tracked key/value containers that
// back thread and session state. A container defers its storage read until
// the first operation that needs existing data; mutations issued before that
// point are captured in an ordered operation log and replayed once the load
// completes, so queuing is a timing optimization and never changes results.
package state

import (
	"context"
	"sort"
	"sync"
)

// Loader fetches the persisted state map for a container. It is invoked at
// most once per container; concurrent accesses share the in-flight load.
type Loader func(ctx context.Context) (map[string]any, error)

// SaveMode is the persistence strategy derived from a container's read/write
// history.
type SaveMode string

const (
	// SaveNone means the container was never mutated; skip the write.
	SaveNone SaveMode = "none"

	// SaveMerge means the container was written without ever loading prior
	// state; the pending-operation delta alone is sufficient.
	SaveMerge SaveMode = "merge"

	// SaveFull means prior state was loaded and then mutated; the whole
	// materialized map must be written back.
	SaveFull SaveMode = "full"
)

// Container wraps a map[string]any behind a deferred loader.
type Container struct {
	mu      sync.Mutex
	loader  Loader
	data    map[string]any
	pending []Operation

	loaded  bool
	loading bool
	loadCh  chan struct{}
	loadErr error

	// replayErr holds an error from replaying queued operations, surfaced
	// once to the access that triggered the load.
	replayErr error

	read  bool
	dirty bool
}

// New creates a container backed by loader. A nil loader behaves as an empty
// store.
func New(loader Loader) *Container {
	if loader == nil {
		loader = func(context.Context) (map[string]any, error) { return map[string]any{}, nil }
	}
	return &Container{loader: loader}
}

// Get returns the value at key, loading the backing state first if needed.
func (c *Container) Get(ctx context.Context, key string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	return c.data[key], nil
}

// Has reports whether key is present.
func (c *Container) Has(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(ctx); err != nil {
		return false, err
	}
	_, ok := c.data[key]
	return ok, nil
}

// Set stores value at key. Never blocks on the loader: before the load
// resolves the write is queued for replay.
func (c *Container) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = true
	if c.loaded {
		c.data[key] = value
		return
	}
	c.pending = append(c.pending, Operation{Kind: OpSet, Key: key, Value: value})
}

// Delete removes key. Queued when the container is not yet loaded.
func (c *Container) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = true
	if c.loaded {
		delete(c.data, key)
		return
	}
	c.pending = append(c.pending, Operation{Kind: OpDelete, Key: key})
}

// Clear removes all keys. Queued when the container is not yet loaded.
func (c *Container) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = true
	if c.loaded {
		c.data = map[string]any{}
		return
	}
	c.pending = append(c.pending, Operation{Kind: OpClear})
}

// Push appends value to the array at key, creating it if absent. maxRecords
// bounds the array as a sliding window when positive. Pushing onto a loaded
// non-array value returns ErrInvalidOperation; a queued push against a
// non-array is dropped at replay time and the error surfaces from the access
// that triggered the load.
func (c *Container) Push(ctx context.Context, key string, value any, maxRecords int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	op := Operation{Kind: OpPush, Key: key, Value: value, MaxRecords: maxRecords}
	if c.loaded {
		if err := Apply(c.data, op); err != nil {
			return err
		}
		c.dirty = true
		return nil
	}
	c.dirty = true
	c.pending = append(c.pending, op)
	return nil
}

// Keys returns all keys in sorted order, loading first if needed.
func (c *Container) Keys(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Values returns all values ordered by their sorted keys.
func (c *Container) Values(ctx context.Context) ([]any, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	values := make([]any, 0, len(keys))
	for _, k := range keys {
		values = append(values, c.data[k])
	}
	return values, nil
}

// Entries returns a copy of the materialized map.
func (c *Container) Entries(ctx context.Context) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out, nil
}

// Size returns the number of keys, loading first if needed.
func (c *Container) Size(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(ctx); err != nil {
		return 0, err
	}
	return len(c.data), nil
}

// Loaded reports whether the backing loader has resolved.
func (c *Container) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// Dirty reports whether any mutating operation was issued.
func (c *Container) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// SaveMode derives the persistence strategy from the container's history.
func (c *Container) SaveMode() SaveMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.dirty:
		return SaveNone
	case !c.read:
		return SaveMerge
	default:
		return SaveFull
	}
}

// PendingOperations returns a copy of the queued operation log. Under merge
// mode this log is the complete write delta.
func (c *Container) PendingOperations() []Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Operation, len(c.pending))
	copy(out, c.pending)
	return out
}

// Snapshot returns a copy of the materialized map without affecting
// read/write tracking. For an unloaded container the snapshot is the pending
// log replayed against an empty base.
func (c *Container) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]any{}
	if c.loaded {
		for k, v := range c.data {
			out[k] = v
		}
		return out
	}
	for _, op := range c.pending {
		// Invalid queued operations are dropped, matching replay.
		_ = Apply(out, op)
	}
	return out
}

// ensureLoadedLocked resolves the loader exactly once and replays the pending
// log against the loaded map. Callers must hold c.mu; the lock is released
// for the duration of the storage read so queued writes stay non-blocking.
func (c *Container) ensureLoadedLocked(ctx context.Context) error {
	c.read = true
	for {
		if c.loaded {
			err := c.replayErr
			c.replayErr = nil
			return err
		}
		if !c.loading {
			c.loading = true
			c.loadCh = make(chan struct{})
			loader := c.loader
			c.mu.Unlock()
			data, err := loader(ctx)
			c.mu.Lock()
			if data == nil {
				data = map[string]any{}
			}
			c.data = data
			c.loadErr = err
			if err == nil {
				for _, op := range c.pending {
					if applyErr := Apply(c.data, op); applyErr != nil && c.replayErr == nil {
						c.replayErr = applyErr
					}
				}
				c.pending = nil
				c.loaded = true
			} else {
				c.loading = false
			}
			close(c.loadCh)
			if err != nil {
				return err
			}
			continue
		}
		// Another access holds the in-flight load; share its outcome.
		ch := c.loadCh
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			c.mu.Lock()
			return ctx.Err()
		}
		c.mu.Lock()
		if c.loadErr != nil && !c.loaded {
			return c.loadErr
		}
	}
}
