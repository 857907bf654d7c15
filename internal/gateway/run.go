package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/strand/internal/runtime"
	"github.com/haasonsaas/strand/internal/threads"
)

// runPayload is the wire format of a run call body. All fields are optional:
// a missing thread id creates a new thread.
type runPayload struct {
	ThreadID  string          `json:"thread_id"`
	SessionID string          `json:"session_id"`
	Input     json.RawMessage `json:"input"`
}

// withTransport enters the transport cell before the handler runs.
func (s *Server) withTransport(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tc := &runtime.TransportContext{
			RequestID:  uuid.NewString(),
			Method:     r.Method,
			Path:       r.URL.Path,
			RemoteAddr: r.RemoteAddr,
			StartedAt:  time.Now(),
		}
		w.Header().Set("X-Request-Id", tc.RequestID)
		next(w, r.WithContext(runtime.WithTransport(r.Context(), tc)))
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("agent")
	handler, ok := s.registry.Lookup(agent)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown agent %q", agent))
		return
	}

	var payload runPayload
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	trigger := threads.TriggerAPI
	if t := r.Header.Get("X-Trigger"); t != "" {
		trigger = threads.Trigger(t)
	}

	req, ctx, err := s.lifecycle.Begin(r.Context(), threads.RequestDescriptor{
		ThreadID:  payload.ThreadID,
		SessionID: payload.SessionID,
		Trigger:   trigger,
	})
	if err != nil {
		if errors.Is(err, threads.ErrInvalidThreadID) {
			writeError(w, http.StatusBadRequest, "invalid thread id")
		} else {
			s.logger.Error("request setup failed", "agent", agent, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			s.countError("restore")
		}
		s.countRequest(trigger, runtime.ShapeBuffered, "error")
		return
	}
	s.trackRequest(req)
	// Persistence runs off the request goroutine once the response is done.
	defer s.finishRequest(req)

	resp, err := handler.Run(ctx, &RunRequest{
		Agent:     agent,
		ThreadID:  req.Thread.ID,
		SessionID: req.Session.ID,
		Input:     payload.Input,
	})
	if err != nil {
		s.logger.Error("agent handler failed",
			"agent", agent,
			"thread_id", req.Thread.ID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "agent execution failed")
		s.countRequest(trigger, runtime.ShapeBuffered, "error")
		s.countError("handler")
		return
	}
	if resp == nil {
		resp = &RunResponse{}
	}

	switch {
	case resp.Body != nil:
		s.writeBuffered(w, req, resp)
		s.countRequest(trigger, runtime.ShapeBuffered, "success")
	case resp.Events != nil:
		s.writeSSE(w, r, req, resp)
		s.countRequest(trigger, runtime.ShapeSSE, "success")
	case resp.Reader != nil:
		s.writeStream(w, req, resp)
		s.countRequest(trigger, runtime.ShapeStream, "success")
	default:
		s.writeBuffered(w, req, &RunResponse{Body: map[string]any{}})
		s.countRequest(trigger, runtime.ShapeBuffered, "success")
	}
}

func (s *Server) writeBuffered(w http.ResponseWriter, req *runtime.Request, resp *RunResponse) {
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":  req.Thread.ID,
		"session_id": req.Session.ID,
		"output":     resp.Body,
	})
}

// writeStream copies the handler's reader to the client and settles the
// stream completion signal with the transfer outcome.
func (s *Server) writeStream(w http.ResponseWriter, req *runtime.Request, resp *RunResponse) {
	sig := req.MarkStreaming(runtime.ShapeStream)
	ct := resp.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("X-Thread-Id", req.Thread.ID)
	w.Header().Set("X-Session-Id", req.Session.ID)
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, resp.Reader); err != nil {
		sig.Reject(fmt.Errorf("stream transfer: %w", err))
		return
	}
	sig.Resolve()
}

// writeSSE relays handler events as server-sent events until the channel
// closes or the client disconnects.
func (s *Server) writeSSE(w http.ResponseWriter, r *http.Request, req *runtime.Request, resp *RunResponse) {
	sig := req.MarkStreaming(runtime.ShapeSSE)

	flusher, ok := w.(http.Flusher)
	if !ok {
		sig.Reject(errors.New("response writer does not support flushing"))
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Thread-Id", req.Thread.ID)
	w.Header().Set("X-Session-Id", req.Session.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			sig.Reject(fmt.Errorf("client disconnected: %w", r.Context().Err()))
			return
		case ev, ok := <-resp.Events:
			if !ok {
				sig.Resolve()
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				sig.Reject(fmt.Errorf("encode event: %w", err))
				return
			}
			if ev.Name != "" {
				fmt.Fprintf(w, "event: %s\n", ev.Name)
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) countRequest(trigger threads.Trigger, shape runtime.ResponseShape, status string) {
	if s.metrics != nil {
		s.metrics.RequestCounter.WithLabelValues(string(trigger), string(shape), status).Inc()
	}
}

func (s *Server) countError(errorType string) {
	if s.metrics != nil {
		s.metrics.ErrorCounter.WithLabelValues("gateway", errorType).Inc()
	}
}
