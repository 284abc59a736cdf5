/*
File Name:  Sender.go

Sender issues outbound requests and reads each response back from the
connection the request was written on. Outstanding requests are tracked in a
pending table keyed by message ID (so CancelAll can fail them), bounded by a
reservation pool so a single peer cannot exhaust all outbound connections.
Grounded on the teacher's future-based send path (Message Send.go uses a
sequence number + response channel per outstanding request); generalized
here to the message ID already carried by the wire header instead of a
side-channel sequence number.
*/

package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kadrelay/core/protocol"
)

// ErrCancelled is returned by a pending request's future when it is
// cancelled explicitly or as part of shutdown.
var ErrCancelled = errors.New("transport: request cancelled")

// ErrTimeout is returned when the request context's deadline passes before a
// response arrives.
var ErrTimeout = errors.New("transport: request timed out")

type pendingRequest struct {
	id     uint32
	respCh chan *protocol.Message
	errCh  chan error
	done   sync.Once

	// released guards the reservation release, independent of done (which
	// only guards which channel gets written). Send's select branches and
	// CancelAll can both race to finish the same request; released ensures
	// exactly one of them calls through to the semaphore.
	released sync.Once
}

// Sender sends Messages and tracks outstanding requests awaiting a reply.
type Sender struct {
	reservation *semaphore.Weighted

	mu      sync.Mutex
	pending map[uint32]*pendingRequest
}

// NewSender creates a Sender bounded by maxConcurrentRequests outstanding
// reservations.
func NewSender(maxConcurrentRequests int64) *Sender {
	if maxConcurrentRequests <= 0 {
		maxConcurrentRequests = 64
	}
	return &Sender{
		reservation: semaphore.NewWeighted(maxConcurrentRequests),
		pending:     make(map[uint32]*pendingRequest),
	}
}

// Send registers a pending future keyed by msg.ID, encodes msg, writes it to
// addr over TCP, and blocks until a response is read back on that same
// connection, reading or decoding it fails, the request is cancelled
// (CancelAll), or the context ends (ErrTimeout on a passed deadline,
// ErrCancelled otherwise). It fails at once if the reservation cannot be
// acquired. Every path releases the reservation slot exactly once.
func (s *Sender) Send(ctx context.Context, addr string, msg protocol.Message) (*protocol.Message, error) {
	if err := s.reservation.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	req := &pendingRequest{
		id:     msg.ID,
		respCh: make(chan *protocol.Message, 1),
		errCh:  make(chan error, 1),
	}
	s.mu.Lock()
	s.pending[msg.ID] = req
	s.mu.Unlock()

	release := func() { s.release(req) }

	encoded, err := protocol.Encode(msg, nil)
	if err != nil {
		release()
		return nil, err
	}

	conn, err := dialTCP(ctx, addr)
	if err != nil {
		release()
		return nil, err
	}
	if _, err := conn.Write(encoded); err != nil {
		conn.Close()
		release()
		return nil, err
	}

	go s.readResponse(conn, req)

	select {
	case resp := <-req.respCh:
		release()
		return resp, nil
	case err := <-req.errCh:
		release()
		return nil, err
	case <-ctx.Done():
		reason := ErrCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = ErrTimeout
		}
		req.done.Do(func() { req.errCh <- reason })
		release()
		conn.Close()
		return nil, reason
	}
}

func (s *Sender) readResponse(conn net.Conn, req *pendingRequest) {
	defer conn.Close()
	header := make([]byte, protocol.HeaderSize)
	if _, err := readFull(conn, header); err != nil {
		req.done.Do(func() { req.errCh <- err })
		return
	}
	contentLength := int(header[53])<<24 | int(header[54])<<16 | int(header[55])<<8 | int(header[56])
	buf := make([]byte, protocol.HeaderSize+contentLength)
	copy(buf, header)
	if contentLength > 0 {
		if _, err := readFull(conn, buf[protocol.HeaderSize:]); err != nil {
			req.done.Do(func() { req.errCh <- err })
			return
		}
	}
	msg, err := protocol.Decode(buf, nil)
	if err != nil {
		req.done.Do(func() { req.errCh <- err })
		return
	}
	req.done.Do(func() { req.respCh <- &msg })
}

// release drops req from the pending table and returns its reservation
// slot. Guarded by req.released so it is safe to call once from the Send
// goroutine that owns req (on response, timeout, or cancellation) and once
// more from CancelAll racing against it during shutdown -- only the first
// caller touches the semaphore.
func (s *Sender) release(req *pendingRequest) {
	req.released.Do(func() {
		s.mu.Lock()
		delete(s.pending, req.id)
		s.mu.Unlock()
		s.reservation.Release(1)
	})
}

// CancelAll fails every outstanding request with ErrCancelled and releases
// its reservation slot. Called during master shutdown ("drain the
// reservation pool") so no request blocks shutdown indefinitely.
func (s *Sender) CancelAll() {
	s.mu.Lock()
	pending := make([]*pendingRequest, 0, len(s.pending))
	for _, req := range s.pending {
		pending = append(pending, req)
	}
	s.pending = make(map[uint32]*pendingRequest)
	s.mu.Unlock()

	for _, req := range pending {
		req.done.Do(func() { req.errCh <- ErrCancelled })
		s.release(req)
	}
}
