// Package gateway exposes the host over HTTP: agent run endpoints in three
// response shapes (buffered JSON, raw stream, SSE), health and readiness
// probes, and Prometheus metrics.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// RunRequest is the decoded body of a run call, handed to the agent handler.
type RunRequest struct {
	// Agent is the handler name from the URL.
	Agent string

	// ThreadID and SessionID are the resolved scope ids.
	ThreadID  string
	SessionID string

	// Input is the caller's payload, passed through untouched.
	Input json.RawMessage
}

// Event is one server-sent event.
type Event struct {
	// Name is the SSE event type; empty means a plain data event.
	Name string

	// Data is JSON-encoded into the event payload.
	Data any
}

// RunResponse describes the handler's output. Exactly one of Body, Reader, or
// Events should be set; Body wins if several are.
type RunResponse struct {
	// Body is a JSON-encodable value for a buffered response.
	Body any

	// Reader streams raw bytes to the client. ContentType applies when set.
	Reader      io.Reader
	ContentType string

	// Events streams server-sent events until the channel closes.
	Events <-chan Event
}

// Handler runs one agent. Handlers receive a context carrying the agent cell
// and may register background work through it.
type Handler interface {
	Run(ctx context.Context, req *RunRequest) (*RunResponse, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *RunRequest) (*RunResponse, error)

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	return f(ctx, req)
}

// Registry maps agent names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds name to h, replacing any previous binding.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}
