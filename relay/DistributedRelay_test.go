package relay

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kadrelay/core/protocol"
)

type fakeConnection struct {
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{closed: make(chan struct{})}
}

func (c *fakeConnection) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
func (c *fakeConnection) CloseNotify() <-chan struct{} { return c.closed }

type fakeRPC struct {
	mu    sync.Mutex
	conns map[[protocol.IDSize]byte]*fakeConnection
	fail  map[[protocol.IDSize]byte]bool
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{conns: map[[protocol.IDSize]byte]*fakeConnection{}, fail: map[[protocol.IDSize]byte]bool{}}
}

func (r *fakeRPC) SendSetupMessage(ctx context.Context, candidate protocol.PeerAddress, cfg Config) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[candidate.ID] {
		return nil, context.DeadlineExceeded
	}
	c := newFakeConnection()
	r.conns[candidate.ID] = c
	return c, nil
}

func candidateList(n int) []protocol.PeerAddress {
	out := make([]protocol.PeerAddress, n)
	for i := range out {
		var id protocol.Id160
		id[0] = byte(i + 1)
		out[i] = protocol.NewPeerAddress(id, net.ParseIP("10.0.0.1"), 1000, 1000, 0, nil)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestDistributedRelayFillsUpToMax(t *testing.T) {
	rpc := newFakeRPC()
	cfg := Config{MaxRelays: 2, ManualRelays: candidateList(4), FailedExpiry: time.Millisecond}

	var current protocol.PeerAddress
	var mu sync.Mutex
	dr := New(cfg, rpc, nil, func() protocol.PeerAddress {
		mu.Lock()
		defer mu.Unlock()
		return current
	}, Callbacks{OnAddressChange: func(addr protocol.PeerAddress) {
		mu.Lock()
		current = addr
		mu.Unlock()
	}})
	dr.Start()

	waitFor(t, func() bool { return len(dr.Active()) == 2 })

	mu.Lock()
	addr := current
	mu.Unlock()
	if !addr.IsRelayed() || addr.IsFirewalledTCP() {
		t.Fatalf("expected relayed=true, firewalled=false once relays are active, got flags=%#x", addr.Flags)
	}
	if len(addr.RelaySockets) != 2 {
		t.Fatalf("expected 2 relay sockets in republished address, got %d", len(addr.RelaySockets))
	}
}

func TestDistributedRelayReplacementOnLoss(t *testing.T) {
	rpc := newFakeRPC()
	candidates := candidateList(4)
	cfg := Config{MaxRelays: 2, ManualRelays: candidates, FailedExpiry: time.Millisecond}

	dr := New(cfg, rpc, nil, func() protocol.PeerAddress { return protocol.PeerAddress{} }, Callbacks{})
	dr.Start()

	waitFor(t, func() bool { return len(dr.Active()) == 2 })

	active := dr.Active()
	first := active[0]

	rpc.mu.Lock()
	conn := rpc.conns[first.ID]
	rpc.mu.Unlock()
	conn.Close()

	waitFor(t, func() bool { return len(dr.Active()) == 2 })
}

func TestDistributedRelayShutdownCompletesOnce(t *testing.T) {
	rpc := newFakeRPC()
	cfg := Config{MaxRelays: 1, ManualRelays: candidateList(1), FailedExpiry: time.Millisecond}

	dr := New(cfg, rpc, nil, func() protocol.PeerAddress { return protocol.PeerAddress{} }, Callbacks{})
	dr.Start()

	waitFor(t, func() bool { return len(dr.Active()) == 1 })

	dr.Shutdown()

	select {
	case <-dr.ShutdownFuture():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected shutdown future to fire")
	}
	if len(dr.Active()) != 0 {
		t.Fatalf("expected active to be empty after shutdown")
	}
	dr.Close()
}
