package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestAgentCellNotAvailable(t *testing.T) {
	ctx := context.Background()

	if HasAgent(ctx) {
		t.Fatal("expected no agent context on a bare context")
	}
	_, err := Agent(ctx)
	if !errors.Is(err, ErrContextNotAvailable) {
		t.Fatalf("expected ErrContextNotAvailable, got %v", err)
	}
}

func TestAgentCellAvailability(t *testing.T) {
	ec := &ExecutionContext{SessionID: "sess_a", Tasks: NewTaskCoordinator()}
	ctx := WithAgent(context.Background(), ec)

	if !HasAgent(ctx) {
		t.Fatal("expected agent context to be active")
	}
	got, err := Agent(ctx)
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}
	if got != ec {
		t.Fatal("expected the entered execution context back")
	}

	// Derived contexts see the same cell.
	derived, cancel := context.WithCancel(ctx)
	defer cancel()
	got, err = Agent(derived)
	if err != nil {
		t.Fatalf("Agent on derived context: %v", err)
	}
	if got != ec {
		t.Fatal("derived context lost the agent cell")
	}
}

func TestAgentCellNesting(t *testing.T) {
	outer := &ExecutionContext{SessionID: "sess_outer", Tasks: NewTaskCoordinator()}
	inner := &ExecutionContext{SessionID: "sess_inner", Tasks: NewTaskCoordinator()}

	ctx := WithAgent(context.Background(), outer)

	err := RunWithAgent(ctx, inner, func(ctx context.Context) error {
		got, err := Agent(ctx)
		if err != nil {
			return err
		}
		if got.SessionID != "sess_inner" {
			t.Errorf("inner extent sees %q, want sess_inner", got.SessionID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunWithAgent: %v", err)
	}

	// The outer binding is restored after the nested extent.
	got, err := Agent(ctx)
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}
	if got.SessionID != "sess_outer" {
		t.Errorf("outer extent sees %q, want sess_outer", got.SessionID)
	}
}

func TestAgentCellIsolationAcrossGoroutines(t *testing.T) {
	var wg sync.WaitGroup
	for _, id := range []string{"sess_1", "sess_2", "sess_3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ec := &ExecutionContext{SessionID: id, Tasks: NewTaskCoordinator()}
			ctx := WithAgent(context.Background(), ec)
			got, err := Agent(ctx)
			if err != nil {
				t.Errorf("Agent: %v", err)
				return
			}
			if got.SessionID != id {
				t.Errorf("goroutine for %s sees %s", id, got.SessionID)
			}
		}(id)
	}
	wg.Wait()
}

func TestTransportCell(t *testing.T) {
	ctx := context.Background()
	if HasTransport(ctx) {
		t.Fatal("expected no transport context on a bare context")
	}
	if _, err := Transport(ctx); !errors.Is(err, ErrContextNotAvailable) {
		t.Fatalf("expected ErrContextNotAvailable, got %v", err)
	}

	tc := &TransportContext{RequestID: "req-1", Method: "POST", Path: "/v1/run/echo"}
	ctx = WithTransport(ctx, tc)
	if !HasTransport(ctx) {
		t.Fatal("expected transport context to be active")
	}
	got, err := Transport(ctx)
	if err != nil {
		t.Fatalf("Transport: %v", err)
	}
	if got.RequestID != "req-1" || got.Method != "POST" {
		t.Fatalf("unexpected transport context %+v", got)
	}

	// The two cells are independent.
	if HasAgent(ctx) {
		t.Fatal("transport cell must not imply an agent cell")
	}
}

func TestExecutionContextValues(t *testing.T) {
	ec := &ExecutionContext{Tasks: NewTaskCoordinator()}

	if _, ok := ec.Value("missing"); ok {
		t.Fatal("expected miss for unset key")
	}
	ec.SetValue("user", "u_123")
	v, ok := ec.Value("user")
	if !ok || v != "u_123" {
		t.Fatalf("Value = %v, %v; want u_123, true", v, ok)
	}
	ec.SetValue("user", "u_456")
	v, _ = ec.Value("user")
	if v != "u_456" {
		t.Fatalf("overwrite lost: got %v", v)
	}
}
