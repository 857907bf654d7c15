package threads

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/strand/internal/state"
)

func TestThreadMetadataStagingIsNonBlocking(t *testing.T) {
	var loads atomic.Int32
	metaLoader := func(ctx context.Context) (map[string]any, error) {
		loads.Add(1)
		return map[string]any{"channel": "email", "owner": "ops"}, nil
	}
	th := NewThread(NewThreadID(), nil, metaLoader)

	// Staging must not trigger the loader.
	th.SetMetadata("owner", "support")
	if loads.Load() != 0 {
		t.Fatal("SetMetadata hit storage")
	}
	if !th.MetadataDirty() {
		t.Fatal("staged write not marked dirty")
	}

	meta, err := th.Metadata(context.Background())
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if loads.Load() != 1 {
		t.Fatalf("loads = %d, want 1", loads.Load())
	}
	// Staged writes win over the persisted record.
	if meta["owner"] != "support" {
		t.Fatalf("owner = %v, want support", meta["owner"])
	}
	if meta["channel"] != "email" {
		t.Fatalf("channel = %v, want email", meta["channel"])
	}
}

func TestThreadStagedMetadataBeforeLoad(t *testing.T) {
	th := NewThread(NewThreadID(), nil, func(ctx context.Context) (map[string]any, error) {
		t.Fatal("loader must not run")
		return nil, nil
	})
	th.SetMetadata("label", "vip")

	staged := th.StagedMetadata()
	if len(staged) != 1 || staged["label"] != "vip" {
		t.Fatalf("staged = %v", staged)
	}
}

func TestThreadDirtyTracking(t *testing.T) {
	th := NewThread(NewThreadID(), nil, nil)
	if th.IsDirty() {
		t.Fatal("fresh thread dirty")
	}
	if got := th.SaveMode(); got != state.SaveNone {
		t.Fatalf("SaveMode = %v, want none", got)
	}

	th.State.Set("k", "v")
	if !th.IsDirty() {
		t.Fatal("state write did not mark thread dirty")
	}
	if got := th.SaveMode(); got != state.SaveMerge {
		t.Fatalf("SaveMode = %v, want merge", got)
	}
}

func TestThreadMetadataOnlyDirty(t *testing.T) {
	th := NewThread(NewThreadID(), nil, nil)
	th.SetMetadata("label", "vip")

	if !th.IsDirty() {
		t.Fatal("metadata write did not mark thread dirty")
	}
	// State itself was untouched.
	if got := th.SaveMode(); got != state.SaveNone {
		t.Fatalf("state SaveMode = %v, want none", got)
	}
}

func TestThreadSerializedState(t *testing.T) {
	th := NewThread(NewThreadID(), nil, nil)
	th.State.Set("count", 2)
	th.SetMetadata("label", "vip")

	env := th.SerializedState()
	if env.State["count"] != 2 {
		t.Fatalf("state = %v", env.State)
	}
	if env.Metadata["label"] != "vip" {
		t.Fatalf("metadata = %v", env.Metadata)
	}
}
