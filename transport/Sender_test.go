package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kadrelay/core/protocol"
)

func TestSenderReservationAcquireTimesOut(t *testing.T) {
	s := NewSender(1)
	if err := s.reservation.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer s.reservation.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Send(ctx, "127.0.0.1:1", protocol.Message{})
	if err == nil {
		t.Fatalf("expected Send to fail once the reservation pool is exhausted")
	}
}

func TestCancelAllReleasesPendingReservations(t *testing.T) {
	s := NewSender(2)
	s.pending[1] = &pendingRequest{id: 1, respCh: make(chan *protocol.Message, 1), errCh: make(chan error, 1)}
	if err := s.reservation.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	s.CancelAll()

	if len(s.pending) != 0 {
		t.Fatalf("expected pending table to be cleared")
	}
}

// TestCancelAllDoesNotDoubleReleaseInFlightSend reproduces the shutdown race:
// a Send is parked in its select waiting on a reply that never arrives,
// while CancelAll concurrently cancels it. Both paths end up calling
// release() for the same request; it must only touch the semaphore once.
func TestCancelAllDoesNotDoubleReleaseInFlightSend(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		select {} // accept and never reply, forcing Send to block
	}()

	s := NewSender(1)
	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), ln.Addr().String(), protocol.Message{ID: 1})
		done <- err
	}()

	// Give Send time to register its pending future before cancelling.
	deadline := time.After(time.Second)
	for {
		s.mu.Lock()
		n := len(s.pending)
		s.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Send never registered its pending request")
		case <-time.After(time.Millisecond):
		}
	}

	s.CancelAll()

	select {
	case err := <-done:
		if err != ErrCancelled {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Send did not return after CancelAll")
	}

	if err := s.reservation.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("expected reservation slot to be released exactly once, acquire failed: %v", err)
	}
}
