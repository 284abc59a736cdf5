/*
File Name:  Peer.go

PeerCreator: construction of a master peer (owns the shared I/O bundle) and
slave peers (share it). Grounded on the teacher's Backend/Init construction
sequence (Peernet.go Init: load config -> init log -> init filters -> init
peer ID -> init network) generalized to the master/slave split described in
§4.3, and on the Design Note that models shared resources as a ref-counted
bundle owned by the master, with slaves holding a non-owning handle.
*/

package peer

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/kadrelay/core/dispatch"
	"github.com/kadrelay/core/nat"
	"github.com/kadrelay/core/protocol"
	"github.com/kadrelay/core/relay"
	"github.com/kadrelay/core/transport"
)

// bundle is the shared I/O resource set a master owns and every slave
// borrows a non-owning reference to. Slaves must never shut it down.
type bundle struct {
	dispatcher    *dispatch.Dispatcher
	channelServer *transport.ChannelServer
	sender        *transport.Sender
	natHelper     nat.Helper
	relayManager  *relay.DistributedRelay
}

// Config configures master construction.
type Config struct {
	TCPAddrs              []string
	UDPAddrs              []string
	ListenWorkers         int
	MaxConcurrentRequests int64
	Verifier              protocol.Verifier
	HeartbeatSeconds      int
	NATHelper             nat.Helper // optional; NoopHelper if nil
	FirewalledTCP         bool
	FirewalledUDP         bool
}

// Peer is a master or slave peer per §4.3.
type Peer struct {
	id       protocol.Id160
	isMaster bool
	bundle   *bundle
	parent   *Peer

	childrenMu sync.Mutex
	children   []*Peer

	addressMu sync.RWMutex
	address   protocol.PeerAddress

	shutdownOnce sync.Once
	shutdownDone chan struct{}
}

// NewMaster constructs a master peer: I/O pools, dispatcher, reservation
// pool, ChannelServer, Sender, and NAT helper, then determines the peer's
// own externally visible address. Startup failure (bind error, or no
// discoverable external interface) returns a non-zero Exit* status and the
// whole construction is aborted -- no partial master is returned.
func NewMaster(id protocol.Id160, cfg Config) (*Peer, int, error) {
	heartbeat := cfg.HeartbeatSeconds
	if heartbeat <= 0 {
		heartbeat = 30
	}
	disp := dispatch.New(time.Duration(heartbeat) * time.Second)

	sender := transport.NewSender(cfg.MaxConcurrentRequests)

	cs, err := transport.NewChannelServer(transport.Config{
		TCPAddrs:      cfg.TCPAddrs,
		UDPAddrs:      cfg.UDPAddrs,
		ListenWorkers: cfg.ListenWorkers,
		Verifier:      cfg.Verifier,
		Dispatcher:    disp,
	})
	if err != nil {
		return nil, ExitErrorBind, err
	}

	natHelper := cfg.NATHelper
	if natHelper == nil {
		natHelper = nat.NoopHelper{}
	}

	externalIP, externalTCP, externalUDP, err := resolveExternalAddress(cs, natHelper)
	if err != nil {
		cs.Close()
		cs.WaitBoss()
		cs.StopWorkers()
		cs.WaitWorkers()
		return nil, ExitErrorNoExternalAddr, err
	}

	var flags uint8
	if cfg.FirewalledTCP {
		flags |= protocol.FlagBehindFirewallTCP
	}
	if cfg.FirewalledUDP {
		flags |= protocol.FlagBehindFirewallUDP
	}

	addr := protocol.NewPeerAddress(id, externalIP, externalTCP, externalUDP, flags, nil)

	b := &bundle{
		dispatcher:    disp,
		channelServer: cs,
		sender:        sender,
		natHelper:     natHelper,
	}

	p := &Peer{
		id:           id,
		isMaster:     true,
		bundle:       b,
		address:      addr,
		shutdownDone: make(chan struct{}),
	}
	return p, ExitSuccess, nil
}

// resolveExternalAddress probes bound interfaces for an externally visible
// address, attempting a NAT port mapping when available. Construction fails
// with "not listening to anything" if no address can be discovered.
func resolveExternalAddress(cs *transport.ChannelServer, helper nat.Helper) (ip net.IP, tcpPort, udpPort uint16, err error) {
	tcpAddrs := cs.LocalTCPAddrs()
	udpAddrs := cs.LocalUDPAddrs()
	if len(tcpAddrs) == 0 && len(udpAddrs) == 0 {
		return nil, 0, 0, errors.New("peer: not listening to anything")
	}

	var localTCP, localUDP uint16
	if len(tcpAddrs) > 0 {
		localTCP = uint16(tcpAddrs[0].Port)
		ip = tcpAddrs[0].IP
	}
	if len(udpAddrs) > 0 {
		localUDP = uint16(udpAddrs[0].Port)
		if ip == nil || ip.IsUnspecified() {
			ip = udpAddrs[0].IP
		}
	}
	if ip == nil || ip.IsUnspecified() {
		ip = discoverLocalIP()
	}
	if ip == nil {
		return nil, 0, 0, errors.New("peer: not listening to anything")
	}

	extTCP, extUDP, mapErr := helper.MapPorts(localTCP, localUDP)
	if mapErr != nil {
		// NAT mapping is best-effort; fall back to local ports.
		return ip, localTCP, localUDP, nil
	}
	return ip, extTCP, extUDP, nil
}

func discoverLocalIP() net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4
		}
	}
	return nil
}

// NewSlave creates a peer that reuses a parent's shared bundle, differing
// from it only in id, and registers itself in the parent's child list.
func NewSlave(parentPeer *Peer, id protocol.Id160) *Peer {
	addr := parentPeer.Address()
	addr.ID = id

	slave := &Peer{
		id:           id,
		isMaster:     false,
		bundle:       parentPeer.bundle,
		parent:       parentPeer,
		address:      addr,
		shutdownDone: make(chan struct{}),
	}

	parentPeer.childrenMu.Lock()
	parentPeer.children = append(parentPeer.children, slave)
	parentPeer.childrenMu.Unlock()

	return slave
}

// ID returns the peer's identifier.
func (p *Peer) ID() protocol.Id160 { return p.id }

// Address returns the peer's currently published address.
func (p *Peer) Address() protocol.PeerAddress {
	p.addressMu.RLock()
	defer p.addressMu.RUnlock()
	return p.address
}

// SetAddress installs a new published address, e.g. following a relay
// republish (§4.4).
func (p *Peer) SetAddress(addr protocol.PeerAddress) {
	p.addressMu.Lock()
	p.address = addr
	p.addressMu.Unlock()
}

// Dispatcher returns the shared dispatcher.
func (p *Peer) Dispatcher() *dispatch.Dispatcher { return p.bundle.dispatcher }

// Sender returns the shared sender.
func (p *Peer) Sender() *transport.Sender { return p.bundle.sender }

// AttachRelayManager installs the DistributedRelay a master peer owns. Only
// meaningful on a master; slaves never own relay state directly.
func (p *Peer) AttachRelayManager(dr *relay.DistributedRelay) {
	p.bundle.relayManager = dr
}

// ShutdownDone returns a channel closed exactly once Shutdown completes.
func (p *Peer) ShutdownDone() <-chan struct{} { return p.shutdownDone }

// Shutdown performs the idempotent, ordered shutdown of §4.3:
// deregister -> recurse into child slaves -> (master only: shut down the
// attached relay manager, drain reservation pool, close server, boss pool,
// worker pool) -> complete the future -> (master only) shut down NAT helper
// synchronously. A peer has no per-peer timers of its own to stop.
func (p *Peer) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.bundle.dispatcher.Remove(p.id)
		p.shutdownChildren()

		if p.isMaster {
			p.shutdownMaster()
		}

		close(p.shutdownDone)

		if p.isMaster {
			p.bundle.natHelper.Shutdown()
		}
	})
}

// shutdownChildren recurses into every slave registered under this peer.
// A master's children are shut down before its own bundle teardown so no
// slave is left holding a handle to a bundle that is already torn down.
func (p *Peer) shutdownChildren() {
	p.childrenMu.Lock()
	children := append([]*Peer(nil), p.children...)
	p.childrenMu.Unlock()

	for _, child := range children {
		child.Shutdown()
	}
}

func (p *Peer) shutdownMaster() {
	if p.bundle.relayManager != nil {
		p.bundle.relayManager.Shutdown()
		<-p.bundle.relayManager.ShutdownFuture()
		p.bundle.relayManager.Close()
	}

	p.bundle.sender.CancelAll()
	p.bundle.channelServer.Close()
	p.bundle.channelServer.WaitBoss()
	p.bundle.channelServer.StopWorkers()
	p.bundle.channelServer.WaitWorkers()
}

