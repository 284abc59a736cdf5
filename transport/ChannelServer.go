/*
File Name:  ChannelServer.go

ChannelServer binds one TCP listener and one UDP socket per configured
address and fans inbound traffic out to a worker pool, mirroring the
teacher's Network/Networks split (a small boss pool of accept/receive
loops feeding a channel that N packetWorker goroutines drain).
*/

package transport

import (
	"context"
	"errors"
	"net"
	"runtime"
	"sync"

	"github.com/kadrelay/core/dispatch"
	"github.com/kadrelay/core/protocol"
)

// rawMessage is one inbound unit of work handed from a boss-pool goroutine
// to the I/O pool, mirroring the teacher's networkWire struct.
type rawMessage struct {
	data       []byte
	observedIP net.IP
	reply      func([]byte) error // writes back on the same TCP connection or UDP socket
}

// ChannelServer owns the bound sockets and worker goroutines of a master
// peer. It is never constructed directly by a slave; slaves share the
// master's instance.
type ChannelServer struct {
	verifier protocol.Verifier
	disp     *dispatch.Dispatcher

	incoming chan rawMessage

	listeners []*net.TCPListener
	udpConns  []*net.UDPConn

	bossWG   sync.WaitGroup
	connWG   sync.WaitGroup
	workerWG sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// Config configures a ChannelServer.
type Config struct {
	TCPAddrs      []string
	UDPAddrs      []string
	ListenWorkers int
	Verifier      protocol.Verifier
	Dispatcher    *dispatch.Dispatcher
}

// NewChannelServer binds every configured address. A failure to bind any
// address, or a configuration with zero bound addresses, is a bind error
// per §4.3 ("startup must succeed or the whole construction fails").
func NewChannelServer(cfg Config) (*ChannelServer, error) {
	if len(cfg.TCPAddrs) == 0 && len(cfg.UDPAddrs) == 0 {
		return nil, errors.New("transport: no listen addresses configured")
	}
	workers := cfg.ListenWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	cs := &ChannelServer{
		verifier: cfg.Verifier,
		disp:     cfg.Dispatcher,
		incoming: make(chan rawMessage, 1000),
		closed:   make(chan struct{}),
	}

	for _, addr := range cfg.TCPAddrs {
		ln, err := listenTCPReusable(addr)
		if err != nil {
			cs.closeBound()
			return nil, err
		}
		cs.listeners = append(cs.listeners, ln)
	}
	for _, addr := range cfg.UDPAddrs {
		conn, err := listenUDPReusable(addr)
		if err != nil {
			cs.closeBound()
			return nil, err
		}
		cs.udpConns = append(cs.udpConns, conn)
	}

	for _, ln := range cs.listeners {
		cs.bossWG.Add(1)
		go cs.acceptLoop(ln)
	}
	for _, conn := range cs.udpConns {
		cs.bossWG.Add(1)
		go cs.udpReadLoop(conn)
	}
	for i := 0; i < workers; i++ {
		cs.workerWG.Add(1)
		go cs.worker()
	}

	return cs, nil
}

func (cs *ChannelServer) closeBound() {
	for _, ln := range cs.listeners {
		ln.Close()
	}
	for _, conn := range cs.udpConns {
		conn.Close()
	}
}

// maxMessageSize bounds a single inbound UDP datagram or TCP frame; the
// codec's own content_length field still governs the logical payload size.
const maxMessageSize = 65536

func (cs *ChannelServer) acceptLoop(ln *net.TCPListener) {
	defer cs.bossWG.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-cs.closed:
				return
			default:
				continue
			}
		}
		cs.connWG.Add(1)
		go cs.handleTCPConn(conn)
	}
}

func (cs *ChannelServer) handleTCPConn(conn net.Conn) {
	defer cs.connWG.Done()
	defer conn.Close()
	header := make([]byte, protocol.HeaderSize)
	if _, err := readFull(conn, header); err != nil {
		return
	}
	contentLength := int(header[53])<<24 | int(header[54])<<16 | int(header[55])<<8 | int(header[56])
	if contentLength < 0 || contentLength > maxMessageSize {
		return
	}
	buf := make([]byte, protocol.HeaderSize+contentLength)
	copy(buf, header)
	if contentLength > 0 {
		if _, err := readFull(conn, buf[protocol.HeaderSize:]); err != nil {
			return
		}
	}

	remote, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	cs.incoming <- rawMessage{
		data:       buf,
		observedIP: net.ParseIP(remote),
		reply: func(resp []byte) error {
			_, err := conn.Write(resp)
			return err
		},
	}
}

func (cs *ChannelServer) udpReadLoop(conn *net.UDPConn) {
	defer cs.bossWG.Done()
	for {
		buf := make([]byte, maxMessageSize)
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-cs.closed:
				return
			default:
				continue
			}
		}
		if n < protocol.HeaderSize {
			continue
		}
		udpAddr := addr
		cs.incoming <- rawMessage{
			data:       buf[:n],
			observedIP: udpAddr.IP,
			reply: func(resp []byte) error {
				_, err := conn.WriteToUDP(resp, udpAddr)
				return err
			},
		}
	}
}

func (cs *ChannelServer) worker() {
	defer cs.workerWG.Done()
	for raw := range cs.incoming {
		msg, err := protocol.Decode(raw.data, cs.verifier)
		if err != nil {
			continue // decode error: discard, per §7
		}
		msg.ResolveSenderIP(raw.observedIP)

		if cs.disp == nil {
			continue
		}
		resp, err := cs.disp.Dispatch(msg)
		if err != nil || resp == nil || raw.reply == nil {
			continue
		}
		out, err := protocol.Encode(*resp, nil)
		if err != nil {
			continue
		}
		raw.reply(out)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
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

// Close stops accepting new connections/datagrams and closes every bound
// socket. It does not wait for the boss or worker pools to drain; Shutdown
// (package peer) sequences that separately via WaitBoss/StopWorkers/
// WaitWorkers, in that order.
func (cs *ChannelServer) Close() error {
	var firstErr error
	cs.closeOnce.Do(func() {
		close(cs.closed)
		for _, ln := range cs.listeners {
			if err := ln.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		for _, conn := range cs.udpConns {
			if err := conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// WaitBoss blocks until every accept/receive loop goroutine, and every
// per-connection handler those loops spawned, has exited. Callers must call
// this before StopWorkers -- otherwise a handleTCPConn or udpReadLoop still
// in flight can send on incoming after it's closed.
func (cs *ChannelServer) WaitBoss() {
	cs.bossWG.Wait()
	cs.connWG.Wait()
}

// WaitWorkers blocks until every I/O worker goroutine has exited. Callers
// must close the incoming channel (via StopWorkers) first.
func (cs *ChannelServer) WaitWorkers() { cs.workerWG.Wait() }

// StopWorkers closes the incoming work channel, letting every worker
// goroutine drain and exit. Must only be called once, after WaitBoss has
// confirmed no boss or connection goroutine can still send on incoming.
func (cs *ChannelServer) StopWorkers() {
	close(cs.incoming)
}

// LocalTCPAddrs returns the bound TCP addresses, used by peer construction
// to determine externally-visible ports.
func (cs *ChannelServer) LocalTCPAddrs() []*net.TCPAddr {
	out := make([]*net.TCPAddr, 0, len(cs.listeners))
	for _, ln := range cs.listeners {
		if a, ok := ln.Addr().(*net.TCPAddr); ok {
			out = append(out, a)
		}
	}
	return out
}

// LocalUDPAddrs returns the bound UDP addresses.
func (cs *ChannelServer) LocalUDPAddrs() []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(cs.udpConns))
	for _, conn := range cs.udpConns {
		if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			out = append(out, a)
		}
	}
	return out
}

// dialTCP is used by Sender when establishing outbound TCP connections.
func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}
