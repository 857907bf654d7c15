// Package runtime implements the request-scoped execution runtime: ambient
// context propagation, the background task coordinator, stream completion
// signaling, and the per-request persistence lifecycle.
//
// Two independent ambient cells exist. The agent cell carries the
// ExecutionContext (identity, thread, session, task coordinator) and is
// available to all handler code for the dynamic extent of a request. The
// transport cell carries HTTP-layer request details so transport code can ask
// "is an agent context active here" without coupling to its contents. Both
// ride context.Context, Go's task-local storage: derived contexts shadow on
// nesting and never leak between concurrent requests.
package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/strand/internal/threads"
)

type agentCtxKey struct{}
type transportCtxKey struct{}

// ExecutionContext is the per-request agent execution context. It is created
// once per request by the Lifecycle, owned by it for the request's duration,
// and discarded at request end.
type ExecutionContext struct {
	SessionID string
	ThreadID  string
	Trigger   threads.Trigger

	Thread  *threads.Thread
	Session *threads.Session
	Tasks   *TaskCoordinator

	Logger *slog.Logger
	Tracer trace.Tracer

	// background is a detached context carrying this cell, used to run
	// registered tasks past response completion.
	background context.Context

	mu     sync.RWMutex
	values map[string]any
}

// SetValue stores an ad hoc keyed value for handler-to-handler communication
// within one request.
func (ec *ExecutionContext) SetValue(key string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.values == nil {
		ec.values = map[string]any{}
	}
	ec.values[key] = value
}

// Value returns an ad hoc keyed value set earlier in the same request.
func (ec *ExecutionContext) Value(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.values[key]
	return v, ok
}

// WaitUntil schedules fn to run in the background. The response may be
// flushed before fn completes; the request's persistence waits for it.
func (ec *ExecutionContext) WaitUntil(fn TaskFunc) {
	ctx := ec.background
	if ctx == nil {
		ctx = context.Background()
	}
	ec.Tasks.Register(ctx, fn)
}

// WithAgent enters the agent cell: the returned context makes ec reachable
// via Agent for its entire derived tree.
func WithAgent(ctx context.Context, ec *ExecutionContext) context.Context {
	return context.WithValue(ctx, agentCtxKey{}, ec)
}

// Agent returns the active ExecutionContext, or ErrContextNotAvailable when
// called outside a request's dynamic extent.
func Agent(ctx context.Context) (*ExecutionContext, error) {
	ec, ok := ctx.Value(agentCtxKey{}).(*ExecutionContext)
	if !ok || ec == nil {
		return nil, ErrContextNotAvailable
	}
	return ec, nil
}

// HasAgent reports whether an agent execution context is active.
func HasAgent(ctx context.Context) bool {
	_, err := Agent(ctx)
	return err == nil
}

// RunWithAgent executes fn inside the agent cell. Nested calls with a
// different ExecutionContext shadow the outer one for fn's extent only.
func RunWithAgent(ctx context.Context, ec *ExecutionContext, fn func(ctx context.Context) error) error {
	return fn(WithAgent(ctx, ec))
}

// TransportContext carries HTTP-layer request details through the transport
// cell.
type TransportContext struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
	StartedAt  time.Time
}

// WithTransport enters the transport cell.
func WithTransport(ctx context.Context, tc *TransportContext) context.Context {
	return context.WithValue(ctx, transportCtxKey{}, tc)
}

// Transport returns the active TransportContext, or ErrContextNotAvailable
// outside a request.
func Transport(ctx context.Context) (*TransportContext, error) {
	tc, ok := ctx.Value(transportCtxKey{}).(*TransportContext)
	if !ok || tc == nil {
		return nil, ErrContextNotAvailable
	}
	return tc, nil
}

// HasTransport reports whether a transport context is active.
func HasTransport(ctx context.Context) bool {
	_, err := Transport(ctx)
	return err == nil
}
