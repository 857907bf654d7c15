package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/state"
	"github.com/haasonsaas/strand/internal/threads"
)

// ResponseShape classifies how a request's response is delivered.
type ResponseShape string

const (
	ShapeBuffered ResponseShape = "buffered"
	ShapeStream   ResponseShape = "stream"
	ShapeSSE      ResponseShape = "sse"
)

// DefaultStreamCeiling bounds how long persistence stays deferred behind a
// stream whose client never closes the connection. On the ceiling the signal
// is treated as rejected and persistence proceeds.
const DefaultStreamCeiling = 10 * time.Minute

// LifecycleConfig configures the per-request persistence coordinator.
type LifecycleConfig struct {
	Threads  threads.Provider
	Sessions threads.SessionProvider
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Tracer   trace.Tracer

	// StreamCeiling overrides DefaultStreamCeiling when positive.
	StreamCeiling time.Duration
}

// Lifecycle orchestrates one request end to end: resolve thread and session,
// enter the ambient cell, and once the response transfer and all background
// tasks have settled, persist state with the cheapest correct strategy.
type Lifecycle struct {
	threads  threads.Provider
	sessions threads.SessionProvider
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	ceiling  time.Duration
}

// NewLifecycle creates a lifecycle coordinator.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "lifecycle")
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observability.NewTracer("strand/runtime")
	}
	ceiling := cfg.StreamCeiling
	if ceiling <= 0 {
		ceiling = DefaultStreamCeiling
	}
	return &Lifecycle{
		threads:  cfg.Threads,
		sessions: cfg.Sessions,
		logger:   logger,
		metrics:  cfg.Metrics,
		tracer:   tracer,
		ceiling:  ceiling,
	}
}

// Request is the coordinator's handle on one in-flight request. It owns the
// thread, session, and task coordinator for the request's duration.
type Request struct {
	lc *Lifecycle

	Exec    *ExecutionContext
	Thread  *threads.Thread
	Session *threads.Session

	shape ResponseShape
	start time.Time
	span  trace.Span

	mu     sync.Mutex
	signal *Signal

	persistOnce sync.Once
	finishErr   error
}

// Begin starts a request: the thread is restored (its id validated), a fresh
// session, state containers, and task coordinator are constructed, and the
// agent cell is entered. The returned context carries the execution context
// for the handler's entire dynamic extent.
func (l *Lifecycle) Begin(ctx context.Context, desc threads.RequestDescriptor) (*Request, context.Context, error) {
	thread, err := l.threads.Restore(ctx, desc)
	if err != nil {
		return nil, nil, fmt.Errorf("restore thread: %w", err)
	}
	session, err := l.sessions.Restore(ctx, thread, desc.SessionID, desc.Trigger)
	if err != nil {
		return nil, nil, fmt.Errorf("restore session: %w", err)
	}

	ec := &ExecutionContext{
		SessionID: session.ID,
		ThreadID:  thread.ID,
		Trigger:   desc.Trigger,
		Thread:    thread,
		Session:   session,
		Tasks:     NewTaskCoordinator(),
		Logger:    l.logger.With("thread_id", thread.ID, "session_id", session.ID),
		Tracer:    l.tracer,
	}

	ctx, span := observability.StartRequestSpan(ctx, l.tracer, string(desc.Trigger), thread.ID, session.ID)

	// Background tasks outlive the request's cancellation but keep its
	// ambient cells and trace context.
	ec.background = WithAgent(context.WithoutCancel(ctx), ec)

	req := &Request{
		lc:      l,
		Exec:    ec,
		Thread:  thread,
		Session: session,
		shape:   ShapeBuffered,
		start:   time.Now(),
		span:    span,
	}
	if l.metrics != nil {
		l.metrics.ActiveRequests.Inc()
	}
	return req, WithAgent(ctx, ec), nil
}

// MarkStreaming records that the response is a stream and returns the
// completion signal the transport writer must settle. Subsequent calls return
// the same signal.
func (r *Request) MarkStreaming(shape ResponseShape) *Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.signal == nil {
		r.signal = NewSignal()
		r.shape = shape
	}
	return r.signal
}

// Shape returns the response shape recorded for this request.
func (r *Request) Shape() ResponseShape {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shape
}

// HasPending reports whether background tasks are still outstanding. The
// host's idle probe consults this across all live requests.
func (r *Request) HasPending() bool {
	return r.Exec.Tasks.HasPending()
}

// Finish completes the request: wait for the stream (if any), drain
// background tasks, then persist thread and session. It is idempotent —
// calling it twice performs exactly one persistence pass — and safe to run
// after the response has been flushed. The returned error aggregates task and
// persistence failures for the caller to log; by then the client response is
// long gone, so nothing here propagates back into the handler path.
func (r *Request) Finish(ctx context.Context) error {
	r.persistOnce.Do(func() {
		r.finishErr = r.finish(ctx)
		if r.span != nil {
			observability.RecordSpanError(r.span, r.finishErr)
			r.span.End()
		}
		if r.lc.metrics != nil {
			r.lc.metrics.ActiveRequests.Dec()
			r.lc.metrics.RequestDuration.WithLabelValues(string(r.Shape())).Observe(time.Since(r.start).Seconds())
		}
	})
	return r.finishErr
}

func (r *Request) finish(ctx context.Context) error {
	l := r.lc
	var failures []error

	r.mu.Lock()
	signal := r.signal
	r.mu.Unlock()

	if signal != nil {
		waitCtx, cancel := context.WithTimeout(ctx, l.ceiling)
		err := signal.Wait(waitCtx)
		cancel()
		switch {
		case err == nil:
			l.countStream("resolved")
		case errors.Is(err, context.DeadlineExceeded) && !signal.Settled():
			// Client never closed the connection; force the save path.
			l.countStream("ceiling")
			l.logger.Warn("stream completion ceiling reached, persisting anyway",
				"session_id", r.Session.ID,
				"ceiling", l.ceiling,
			)
		default:
			l.countStream("rejected")
			l.logger.Warn("stream aborted before completion",
				"session_id", r.Session.ID,
				"error", err,
			)
		}
	}

	// Drain runs unconditionally: tasks registered while the stream was in
	// flight must be included, and a drain with nothing registered is cheap.
	drainStart := time.Now()
	if err := r.Exec.Tasks.Drain(ctx, l.logger, r.Session.ID); err != nil {
		failures = append(failures, err)
		if l.metrics != nil {
			l.metrics.BackgroundTaskCounter.WithLabelValues("error").Inc()
		}
	} else if l.metrics != nil {
		l.metrics.BackgroundTaskCounter.WithLabelValues("success").Inc()
	}
	if l.metrics != nil {
		l.metrics.DrainDuration.Observe(time.Since(drainStart).Seconds())
	}

	// Thread and session persist independently: a failure on one never
	// blocks the attempt on the other, but both failures are reported.
	if err := r.persistThread(ctx); err != nil {
		failures = append(failures, fmt.Errorf("persist thread %s: %w", r.Thread.ID, err))
	}
	if err := r.persistSession(ctx); err != nil {
		failures = append(failures, fmt.Errorf("persist session %s: %w", r.Session.ID, err))
	}

	return errors.Join(failures...)
}

func (r *Request) persistThread(ctx context.Context) error {
	l := r.lc
	mode := r.Thread.SaveMode()
	if mode == state.SaveNone && !r.Thread.MetadataDirty() {
		l.countPersist("thread", mode, "success")
		return nil
	}
	if err := l.threads.Save(ctx, r.Thread); err != nil {
		l.countPersist("thread", mode, "error")
		l.logger.Error("thread persistence failed",
			"thread_id", r.Thread.ID,
			"save_mode", string(mode),
			"error", err,
		)
		return err
	}
	l.countPersist("thread", mode, "success")
	return nil
}

func (r *Request) persistSession(ctx context.Context) error {
	l := r.lc
	mode := r.Session.SaveMode()
	if mode == state.SaveNone {
		l.countPersist("session", mode, "success")
		return nil
	}
	if err := l.sessions.Save(ctx, r.Session); err != nil {
		l.countPersist("session", mode, "error")
		l.logger.Error("session persistence failed",
			"session_id", r.Session.ID,
			"save_mode", string(mode),
			"error", err,
		)
		return err
	}
	l.countPersist("session", mode, "success")
	return nil
}

func (l *Lifecycle) countPersist(scope string, mode state.SaveMode, status string) {
	if l.metrics != nil {
		l.metrics.PersistCounter.WithLabelValues(scope, string(mode), status).Inc()
	}
}

func (l *Lifecycle) countStream(outcome string) {
	if l.metrics != nil {
		l.metrics.StreamCompletions.WithLabelValues(outcome).Inc()
	}
}
