package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/strand/internal/state"
	"github.com/haasonsaas/strand/internal/storage"
	"github.com/haasonsaas/strand/internal/threads"
)

// countingStore wraps a StateStore and counts persistence calls.
type countingStore struct {
	storage.StateStore
	writes  atomic.Int32
	applies atomic.Int32
}

func (c *countingStore) Write(ctx context.Context, scopeID string, env *state.Envelope) error {
	c.writes.Add(1)
	return c.StateStore.Write(ctx, scopeID, env)
}

func (c *countingStore) Apply(ctx context.Context, scopeID string, ops []state.Operation, metadata map[string]any) error {
	c.applies.Add(1)
	return c.StateStore.Apply(ctx, scopeID, ops, metadata)
}

func (c *countingStore) persists() int32 {
	return c.writes.Load() + c.applies.Load()
}

func newTestLifecycle(t *testing.T, store storage.StateStore) *Lifecycle {
	t.Helper()
	provider := threads.NewStoreProvider(store)
	return NewLifecycle(LifecycleConfig{
		Threads:  provider,
		Sessions: provider.Sessions(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestBeginRejectsInvalidThreadID(t *testing.T) {
	lc := newTestLifecycle(t, storage.NewMemoryStore())

	_, _, err := lc.Begin(context.Background(), threads.RequestDescriptor{
		ThreadID: "not a thread id",
		Trigger:  threads.TriggerAPI,
	})
	if !errors.Is(err, threads.ErrInvalidThreadID) {
		t.Fatalf("expected ErrInvalidThreadID, got %v", err)
	}
}

func TestBeginEntersAgentCell(t *testing.T) {
	lc := newTestLifecycle(t, storage.NewMemoryStore())

	req, ctx, err := lc.Begin(context.Background(), threads.RequestDescriptor{Trigger: threads.TriggerAPI})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer req.Finish(context.Background())

	ec, err := Agent(ctx)
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}
	if ec.Thread != req.Thread || ec.Session != req.Session {
		t.Fatal("execution context does not carry the request's thread and session")
	}
	if err := threads.ValidateThreadID(req.Thread.ID); err != nil {
		t.Fatalf("generated thread id invalid: %v", err)
	}
	if req.Session.Trigger != threads.TriggerAPI {
		t.Fatalf("session trigger = %q, want api", req.Session.Trigger)
	}
}

func TestFinishPersistsDirtyThreadOnce(t *testing.T) {
	store := &countingStore{StateStore: storage.NewMemoryStore()}
	lc := newTestLifecycle(t, store)

	req, ctx, err := lc.Begin(context.Background(), threads.RequestDescriptor{Trigger: threads.TriggerAPI})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	req.Thread.State.Set("topic", "billing")

	if err := req.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	// Finish is idempotent: the second call must not persist again.
	if err := req.Finish(ctx); err != nil {
		t.Fatalf("second Finish: %v", err)
	}
	if got := store.persists(); got != 1 {
		t.Fatalf("persist calls = %d, want 1", got)
	}

	env, err := store.Load(context.Background(), req.Thread.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if env == nil || env.State["topic"] != "billing" {
		t.Fatalf("persisted envelope = %+v", env)
	}
}

func TestFinishSkipsCleanScopes(t *testing.T) {
	store := &countingStore{StateStore: storage.NewMemoryStore()}
	lc := newTestLifecycle(t, store)

	req, ctx, err := lc.Begin(context.Background(), threads.RequestDescriptor{Trigger: threads.TriggerAPI})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := req.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if got := store.persists(); got != 0 {
		t.Fatalf("clean request caused %d persist calls", got)
	}
}

func TestFinishPersistsDespiteTaskFailure(t *testing.T) {
	store := &countingStore{StateStore: storage.NewMemoryStore()}
	lc := newTestLifecycle(t, store)

	req, ctx, err := lc.Begin(context.Background(), threads.RequestDescriptor{Trigger: threads.TriggerAPI})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	req.Session.State.Set("draft", "pending reply")

	cause := errors.New("notification send failed")
	req.Exec.WaitUntil(func(ctx context.Context) error { return cause })

	err = req.Finish(ctx)
	if !errors.Is(err, cause) {
		t.Fatalf("Finish error %v does not wrap the task failure", err)
	}
	if got := store.persists(); got != 1 {
		t.Fatalf("persist calls = %d, want 1: a task failure must not skip persistence", got)
	}
}

func TestFinishWaitsForStreamCompletion(t *testing.T) {
	store := &countingStore{StateStore: storage.NewMemoryStore()}
	lc := newTestLifecycle(t, store)

	req, ctx, err := lc.Begin(context.Background(), threads.RequestDescriptor{Trigger: threads.TriggerAPI})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	req.Thread.State.Set("k", "v")
	sig := req.MarkStreaming(ShapeSSE)

	finished := make(chan error, 1)
	go func() { finished <- req.Finish(ctx) }()

	select {
	case <-finished:
		t.Fatal("Finish completed before the stream signal settled")
	case <-time.After(50 * time.Millisecond):
	}
	if got := store.persists(); got != 0 {
		t.Fatalf("persisted %d times before the stream settled", got)
	}

	sig.Resolve()
	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("Finish: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Finish did not complete after stream resolution")
	}
	if got := store.persists(); got != 1 {
		t.Fatalf("persist calls = %d, want 1", got)
	}
}

func TestFinishPersistsOnStreamRejection(t *testing.T) {
	store := &countingStore{StateStore: storage.NewMemoryStore()}
	lc := newTestLifecycle(t, store)

	req, ctx, err := lc.Begin(context.Background(), threads.RequestDescriptor{Trigger: threads.TriggerAPI})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	req.Thread.State.Set("k", "v")
	sig := req.MarkStreaming(ShapeStream)
	sig.Reject(errors.New("client disconnected"))

	if err := req.Finish(ctx); err != nil {
		t.Fatalf("Finish after rejection: %v", err)
	}
	if got := store.persists(); got != 1 {
		t.Fatalf("persist calls = %d, want 1: an aborted stream still persists", got)
	}
}

func TestFinishForcesSaveOnStreamCeiling(t *testing.T) {
	store := &countingStore{StateStore: storage.NewMemoryStore()}
	provider := threads.NewStoreProvider(store)
	lc := NewLifecycle(LifecycleConfig{
		Threads:       provider,
		Sessions:      provider.Sessions(),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		StreamCeiling: 20 * time.Millisecond,
	})

	req, ctx, err := lc.Begin(context.Background(), threads.RequestDescriptor{Trigger: threads.TriggerAPI})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	req.Thread.State.Set("k", "v")
	req.MarkStreaming(ShapeSSE) // never settled

	if err := req.Finish(ctx); err != nil {
		t.Fatalf("Finish on ceiling: %v", err)
	}
	if got := store.persists(); got != 1 {
		t.Fatalf("persist calls = %d, want 1: the ceiling must force the save", got)
	}
}

func TestWaitUntilTaskKeepsAgentCell(t *testing.T) {
	lc := newTestLifecycle(t, storage.NewMemoryStore())

	req, reqCtx, err := lc.Begin(context.Background(), threads.RequestDescriptor{Trigger: threads.TriggerWebhook})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	var sawAgent atomic.Bool
	var sawCancel atomic.Bool
	started := make(chan struct{})
	req.Exec.WaitUntil(func(ctx context.Context) error {
		close(started)
		sawAgent.Store(HasAgent(ctx))
		select {
		case <-ctx.Done():
			sawCancel.Store(true)
		case <-time.After(20 * time.Millisecond):
		}
		return nil
	})
	<-started

	if err := req.Finish(reqCtx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !sawAgent.Load() {
		t.Fatal("background task lost the agent cell")
	}
	if sawCancel.Load() {
		t.Fatal("background task context was cancelled with the request")
	}
}
