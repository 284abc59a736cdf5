package peer

import (
	"testing"
	"time"

	"github.com/kadrelay/core/protocol"
)

func testID(b byte) protocol.Id160 {
	var id protocol.Id160
	id[0] = b
	return id
}

func newTestMaster(t *testing.T) *Peer {
	t.Helper()
	master, exit, err := NewMaster(testID(1), Config{
		TCPAddrs: []string{"127.0.0.1:0"},
		UDPAddrs: []string{"127.0.0.1:0"},
	})
	if err != nil {
		t.Fatalf("NewMaster failed (exit %d): %v", exit, err)
	}
	return master
}

// Master shutdown: a registered handler answers before Shutdown, the shutdown
// future fires, the master's ID is deregistered afterwards (UNKNOWN reply),
// and a second Shutdown call is a harmless no-op.
func TestMasterShutdownOrdering(t *testing.T) {
	master := newTestMaster(t)

	handlerCalls := 0
	master.Dispatcher().Register(master.ID(), []protocol.Command{protocol.CommandPing},
		func(msg protocol.Message) (*protocol.Message, error) {
			handlerCalls++
			resp := protocol.Message{Type: protocol.TypeOK}
			return &resp, nil
		}, nil)

	ping := protocol.Message{Command: protocol.CommandPing, Recipient: protocol.PeerAddress{ID: master.ID()}}
	if resp, err := master.Dispatcher().Dispatch(ping); err != nil || resp.Type != protocol.TypeOK {
		t.Fatalf("expected OK before shutdown, got %+v, err=%v", resp, err)
	}

	master.Shutdown()

	select {
	case <-master.ShutdownDone():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected shutdown future to fire")
	}

	if resp, err := master.Dispatcher().Dispatch(ping); err != nil || resp.Type != protocol.TypeUnknown {
		t.Fatalf("expected UNKNOWN after shutdown deregisters the peer, got %+v, err=%v", resp, err)
	}

	// Idempotent: a second Shutdown call must not panic or re-close channels.
	master.Shutdown()
}

// Slave independence: shutting down one slave deregisters only that slave's
// ID from the shared dispatcher; the master and the sibling slave continue
// to dispatch normally.
func TestSlaveIndependence(t *testing.T) {
	master := newTestMaster(t)
	defer master.Shutdown()

	slaveA := NewSlave(master, testID(2))
	slaveB := NewSlave(master, testID(3))

	for _, p := range []*Peer{master, slaveA, slaveB} {
		id := p.ID()
		p.Dispatcher().Register(id, []protocol.Command{protocol.CommandPing},
			func(msg protocol.Message) (*protocol.Message, error) {
				resp := protocol.Message{Type: protocol.TypeOK}
				return &resp, nil
			}, nil)
	}

	slaveA.Shutdown()

	select {
	case <-slaveA.ShutdownDone():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected slave A shutdown future to fire")
	}

	pingFor := func(id protocol.Id160) protocol.Message {
		return protocol.Message{Command: protocol.CommandPing, Recipient: protocol.PeerAddress{ID: id}}
	}

	if resp, err := master.Dispatcher().Dispatch(pingFor(slaveA.ID())); err != nil || resp.Type != protocol.TypeUnknown {
		t.Fatalf("expected slave A deregistered, got %+v, err=%v", resp, err)
	}
	if resp, err := master.Dispatcher().Dispatch(pingFor(slaveB.ID())); err != nil || resp.Type != protocol.TypeOK {
		t.Fatalf("expected slave B still registered, got %+v, err=%v", resp, err)
	}
	if resp, err := master.Dispatcher().Dispatch(pingFor(master.ID())); err != nil || resp.Type != protocol.TypeOK {
		t.Fatalf("expected master still registered, got %+v, err=%v", resp, err)
	}
}

// Shutting down a master recursively shuts down its slaves.
func TestMasterShutdownRecursesSlaves(t *testing.T) {
	master := newTestMaster(t)
	slave := NewSlave(master, testID(4))

	master.Shutdown()

	select {
	case <-slave.ShutdownDone():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected child slave to be shut down when its master is")
	}
}
