package runtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSignalResolve(t *testing.T) {
	s := NewSignal()
	if s.Settled() {
		t.Fatal("fresh signal already settled")
	}

	s.Resolve()
	if !s.Settled() {
		t.Fatal("resolved signal not settled")
	}
	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait after resolve: %v", err)
	}
}

func TestSignalReject(t *testing.T) {
	s := NewSignal()
	cause := errors.New("client hung up")
	s.Reject(cause)

	if err := s.Wait(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("Wait = %v, want %v", err, cause)
	}
}

func TestSignalFirstSettlementWins(t *testing.T) {
	s := NewSignal()
	s.Resolve()
	s.Reject(errors.New("too late"))
	if err := s.Err(); err != nil {
		t.Fatalf("rejection after resolve took effect: %v", err)
	}

	s2 := NewSignal()
	cause := errors.New("aborted")
	s2.Reject(cause)
	s2.Resolve()
	if !errors.Is(s2.Err(), cause) {
		t.Fatal("resolve after reject cleared the error")
	}
}

func TestSignalWaitHonorsContext(t *testing.T) {
	s := NewSignal()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := s.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if s.Settled() {
		t.Fatal("context expiry must not settle the signal")
	}
}
