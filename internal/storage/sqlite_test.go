package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/strand/internal/state"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(SQLiteConfig{}); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	env, err := store.Load(ctx, "thr_missing")
	if err != nil {
		t.Fatalf("Load absent: %v", err)
	}
	if env != nil {
		t.Fatalf("absent scope returned %+v, want nil", env)
	}

	in := &state.Envelope{
		State:    map[string]any{"topic": "billing"},
		Metadata: map[string]any{"channel": "email"},
	}
	if err := store.Write(ctx, "thr_a", in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := store.Load(ctx, "thr_a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.State["topic"] != "billing" || out.Metadata["channel"] != "email" {
		t.Fatalf("round trip = %+v", out)
	}

	// Overwrite replaces the record.
	if err := store.Write(ctx, "thr_a", &state.Envelope{State: map[string]any{"topic": "refund"}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, _ = store.Load(ctx, "thr_a")
	if out.State["topic"] != "refund" || len(out.Metadata) != 0 {
		t.Fatalf("overwrite = %+v", out)
	}
}

func TestSQLiteStoreApplyMerges(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := store.Write(ctx, "thr_a", &state.Envelope{State: map[string]any{"keep": "me"}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ops := []state.Operation{
		{Kind: state.OpSet, Key: "new", Value: "v"},
		{Kind: state.OpPush, Key: "log", Value: "entry", MaxRecords: 5},
	}
	if err := store.Apply(ctx, "thr_a", ops, map[string]any{"owner": "ops"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	env, err := store.Load(ctx, "thr_a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if env.State["keep"] != "me" || env.State["new"] != "v" {
		t.Fatalf("state = %v", env.State)
	}
	log, ok := env.State["log"].([]any)
	if !ok || len(log) != 1 || log[0] != "entry" {
		t.Fatalf("log = %v", env.State["log"])
	}
	if env.Metadata["owner"] != "ops" {
		t.Fatalf("metadata = %v", env.Metadata)
	}
}

func TestSQLiteStoreApplyCreatesMissingScope(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	ops := []state.Operation{{Kind: state.OpSet, Key: "a", Value: "b"}}
	if err := store.Apply(ctx, "thr_new", ops, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	env, err := store.Load(ctx, "thr_new")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if env == nil || env.State["a"] != "b" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestSQLiteStoreDeleteAndSweep(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	_ = store.Write(ctx, "thr_a", &state.Envelope{State: map[string]any{"k": "v"}})
	_ = store.Write(ctx, "thr_b", &state.Envelope{State: map[string]any{"k": "v"}})

	if err := store.Delete(ctx, "thr_a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if env, _ := store.Load(ctx, "thr_a"); env != nil {
		t.Fatal("deleted scope still present")
	}

	removed, err := store.Sweep(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
	removed, err = store.Sweep(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
}
