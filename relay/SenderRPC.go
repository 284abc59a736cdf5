/*
File Name:  SenderRPC.go

SenderRPC is the reference RPC implementation: it sends a CommandRCon
"relay setup" Message over a freshly dialed TCP connection and, on a
successful OK reply, keeps that connection open as the relay tunnel.
*/

package relay

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/kadrelay/core/protocol"
)

// SenderRPC performs relay setup handshakes over plain TCP dials, using the
// codec directly (no transport.Sender involved, since a relay tunnel is a
// long-lived connection rather than a single request/response round trip).
type SenderRPC struct {
	Self func() protocol.PeerAddress
}

// SendSetupMessage dials candidate's TCP address, sends a CommandRCon
// REQUEST_1 message carrying the local peer's address, and expects a
// TypeOK reply before treating the connection as an established relay.
func (s *SenderRPC) SendSetupMessage(ctx context.Context, candidate protocol.PeerAddress, cfg Config) (Connection, error) {
	addr := net.JoinHostPort(candidate.IP.String(), strconv.Itoa(int(candidate.TCPPort)))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	self := protocol.PeerAddress{}
	if s.Self != nil {
		self = s.Self()
	}
	req := protocol.Message{
		Command:   protocol.CommandRCon,
		Type:      protocol.TypeRequest1,
		Sender:    self,
		Recipient: candidate,
	}
	encoded, err := protocol.Encode(req, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Write(encoded); err != nil {
		conn.Close()
		return nil, err
	}

	header := make([]byte, protocol.HeaderSize)
	if _, err := readFullConn(conn, header); err != nil {
		conn.Close()
		return nil, err
	}
	contentLength := int(header[53])<<24 | int(header[54])<<16 | int(header[55])<<8 | int(header[56])
	buf := make([]byte, protocol.HeaderSize+contentLength)
	copy(buf, header)
	if contentLength > 0 {
		if _, err := readFullConn(conn, buf[protocol.HeaderSize:]); err != nil {
			conn.Close()
			return nil, err
		}
	}
	resp, err := protocol.Decode(buf, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.Type != protocol.TypeOK {
		conn.Close()
		return nil, errors.New("relay: setup rejected by candidate")
	}

	return newTunnel(conn), nil
}

func readFullConn(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// tunnel is the Connection implementation wrapping an established relay's
// underlying TCP socket; its close future fires when the socket is closed
// locally or the peer hangs up.
type tunnel struct {
	conn net.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

func newTunnel(conn net.Conn) *tunnel {
	t := &tunnel{conn: conn, closed: make(chan struct{})}
	go t.watch()
	return t
}

func (t *tunnel) watch() {
	buf := make([]byte, 1)
	for {
		if _, err := t.conn.Read(buf); err != nil {
			t.signalClosed()
			return
		}
	}
}

func (t *tunnel) signalClosed() {
	t.closeOnce.Do(func() { close(t.closed) })
}

func (t *tunnel) Close() error {
	err := t.conn.Close()
	t.signalClosed()
	return err
}

func (t *tunnel) CloseNotify() <-chan struct{} {
	return t.closed
}
