/*
File Name:  DistributedRelay.go

DistributedRelay maintains up to max_relays live outbound relay connections
from a peer that may be unreachable, reacting to losses and republishing
the local address. The source's tail-recursive "setup loop" (Design Notes)
is reimplemented here as a single goroutine reading a bounded channel of
{tryFill}/{lost(peer)} events, per the instructed re-entrancy fix.
*/

package relay

import (
	"context"
	"sync"
	"time"

	"github.com/kadrelay/core/protocol"
	"github.com/kadrelay/core/routing"
)

type eventKind int

const (
	eventTryFill eventKind = iota
	eventLost
)

type event struct {
	kind eventKind
	lost protocol.PeerAddress
}

type activeEntry struct {
	addr protocol.PeerAddress
	conn Connection
}

// DistributedRelay is the control loop described in §4.4.
type DistributedRelay struct {
	cfg     Config
	rpc     RPC
	routing routing.Layer

	localAddr       func() protocol.PeerAddress
	onAddressChange func(protocol.PeerAddress)
	onRelayAdded    func(protocol.PeerAddress)
	onRelayRemoved  func(protocol.PeerAddress)

	mu       sync.Mutex
	active   map[protocol.Id160]activeEntry
	failed   map[protocol.Id160]time.Time
	activity int

	shutdownFlag bool
	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	events chan event
	runWG  sync.WaitGroup
}

// Callbacks groups the observer hooks DistributedRelay invokes.
type Callbacks struct {
	OnAddressChange func(protocol.PeerAddress)
	OnRelayAdded    func(protocol.PeerAddress)
	OnRelayRemoved  func(protocol.PeerAddress)
}

// New constructs a DistributedRelay. localAddr returns the peer's current
// published address (read fresh on every republish so concurrent changes
// from elsewhere are respected).
func New(cfg Config, rpc RPC, layer routing.Layer, localAddr func() protocol.PeerAddress, cb Callbacks) *DistributedRelay {
	if cfg.MaxRelays <= 0 {
		cfg.MaxRelays = 3
	}
	if cfg.FailedExpiry <= 0 {
		cfg.FailedExpiry = time.Minute
	}
	d := &DistributedRelay{
		cfg:             cfg,
		rpc:             rpc,
		routing:         layer,
		localAddr:       localAddr,
		onAddressChange: cb.OnAddressChange,
		onRelayAdded:    cb.OnRelayAdded,
		onRelayRemoved:  cb.OnRelayRemoved,
		active:          make(map[protocol.Id160]activeEntry),
		failed:          make(map[protocol.Id160]time.Time),
		shutdownCh:      make(chan struct{}),
		events:          make(chan event, 256),
	}
	d.runWG.Add(1)
	go d.run()
	return d
}

// Start kicks off up to MaxRelays concurrent setup attempts.
func (d *DistributedRelay) Start() {
	for i := 0; i < d.cfg.MaxRelays; i++ {
		d.enqueue(event{kind: eventTryFill})
	}
}

func (d *DistributedRelay) enqueue(e event) {
	select {
	case d.events <- e:
	case <-d.shutdownCh:
	}
}

func (d *DistributedRelay) run() {
	defer d.runWG.Done()
	for e := range d.events {
		switch e.kind {
		case eventTryFill:
			d.handleTryFill()
		case eventLost:
			d.handleLost(e.lost)
		}
	}
}

func (d *DistributedRelay) handleTryFill() {
	d.mu.Lock()
	d.activity++
	if d.shutdownFlag && len(d.active) == 0 {
		d.mu.Unlock()
		d.completeShutdown()
		return
	}
	if len(d.active) >= d.cfg.MaxRelays {
		d.mu.Unlock()
		d.finishActivity()
		return
	}
	candidates := d.candidatesLocked()
	d.mu.Unlock()

	if len(candidates) == 0 {
		d.finishActivity()
		return
	}

	go d.attemptSetup(candidates[0])
}

func (d *DistributedRelay) attemptSetup(candidate protocol.PeerAddress) {
	conn, err := d.rpc.SendSetupMessage(context.Background(), candidate, d.cfg)
	if err != nil {
		d.mu.Lock()
		d.failed[candidate.ID] = time.Now().Add(d.cfg.FailedExpiry)
		d.mu.Unlock()
		if d.onRelayRemoved != nil {
			d.onRelayRemoved(candidate)
		}
		d.enqueue(event{kind: eventTryFill})
		d.finishActivity()
		return
	}

	d.mu.Lock()
	d.active[candidate.ID] = activeEntry{addr: candidate, conn: conn}
	d.mu.Unlock()

	d.republish()
	if d.onRelayAdded != nil {
		d.onRelayAdded(candidate)
	}
	go d.watchClose(candidate, conn)
	d.enqueue(event{kind: eventTryFill})
	d.finishActivity()
}

func (d *DistributedRelay) watchClose(candidate protocol.PeerAddress, conn Connection) {
	<-conn.CloseNotify()
	d.enqueue(event{kind: eventLost, lost: candidate})
}

func (d *DistributedRelay) handleLost(addr protocol.PeerAddress) {
	d.mu.Lock()
	if _, ok := d.active[addr.ID]; ok {
		delete(d.active, addr.ID)
		d.failed[addr.ID] = time.Now().Add(d.cfg.FailedExpiry)
	}
	empty := len(d.active) == 0
	sd := d.shutdownFlag
	d.mu.Unlock()

	d.republish()
	if d.onRelayRemoved != nil {
		d.onRelayRemoved(addr)
	}
	if empty && sd {
		d.completeShutdown()
		return
	}
	d.enqueue(event{kind: eventTryFill})
}

// finishActivity decrements the activity counter and, in the terminal
// branch where no setup is in flight and shutdown was requested, completes
// the shutdown future -- matching §4.4 step 7.
func (d *DistributedRelay) finishActivity() {
	d.mu.Lock()
	d.activity--
	empty := len(d.active) == 0
	sd := d.shutdownFlag
	remaining := d.activity
	d.mu.Unlock()

	if empty && sd && remaining == 0 {
		d.completeShutdown()
	}
}

func (d *DistributedRelay) completeShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// candidatesLocked must be called with d.mu held. Manual relays bypass the
// relayed and failed-set filters per §4.4 (only those already active are
// skipped); otherwise neighbors already relayed, already active, or in the
// unexpired failed set are dropped.
func (d *DistributedRelay) candidatesLocked() []protocol.PeerAddress {
	if len(d.cfg.ManualRelays) > 0 {
		var out []protocol.PeerAddress
		for _, m := range d.cfg.ManualRelays {
			if _, ok := d.active[m.ID]; ok {
				continue
			}
			out = append(out, m)
		}
		return out
	}

	if d.routing == nil {
		return nil
	}
	now := time.Now()
	var out []protocol.PeerAddress
	for _, n := range d.routing.Neighbors() {
		if n.IsRelayed() {
			continue
		}
		if _, ok := d.active[n.ID]; ok {
			continue
		}
		if exp, ok := d.failed[n.ID]; ok {
			if now.Before(exp) {
				continue
			}
			delete(d.failed, n.ID)
		}
		out = append(out, n)
	}
	return out
}

// republish rebuilds the local PeerAddress from the current active set and
// installs it via onAddressChange, per §4.4's "local address republish".
func (d *DistributedRelay) republish() {
	d.mu.Lock()
	relays := make([]protocol.PeerSocketAddress, 0, d.cfg.MaxRelays)
	count := 0
	for _, r := range d.active {
		if count >= d.cfg.MaxRelays {
			break
		}
		relays = append(relays, protocol.PeerSocketAddress{IP: r.addr.IP, TCPPort: r.addr.TCPPort, UDPPort: r.addr.UDPPort})
		count++
	}
	hasRelays := len(d.active) > 0
	d.mu.Unlock()

	if d.localAddr == nil {
		return
	}
	updated := d.localAddr().WithRelays(relays)
	flags := updated.Flags
	if hasRelays {
		flags &^= protocol.FlagBehindFirewallTCP
		flags &^= protocol.FlagBehindFirewallUDP
		flags |= protocol.FlagRelayed
		if d.cfg.Slow {
			flags |= protocol.FlagSlow
		} else {
			flags &^= protocol.FlagSlow
		}
	} else {
		flags |= protocol.FlagBehindFirewallTCP
		flags |= protocol.FlagBehindFirewallUDP
		flags &^= protocol.FlagRelayed
		flags &^= protocol.FlagSlow
	}
	updated.Flags = flags

	if d.onAddressChange != nil {
		d.onAddressChange(updated)
	}
}

// Active returns a snapshot of currently active relay addresses.
func (d *DistributedRelay) Active() []protocol.PeerAddress {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]protocol.PeerAddress, 0, len(d.active))
	for _, r := range d.active {
		out = append(out, r.addr)
	}
	return out
}

// ShutdownFuture returns a channel closed exactly once, when every active
// relay connection has closed following Shutdown.
func (d *DistributedRelay) ShutdownFuture() <-chan struct{} {
	return d.shutdownCh
}

// Shutdown marks the relay manager as shutting down and closes every active
// connection; each close's completion drives the loop toward firing
// ShutdownFuture exactly once.
func (d *DistributedRelay) Shutdown() {
	d.mu.Lock()
	d.shutdownFlag = true
	conns := make([]Connection, 0, len(d.active))
	for _, r := range d.active {
		conns = append(conns, r.conn)
	}
	empty := len(d.active) == 0
	d.mu.Unlock()

	if empty {
		d.completeShutdown()
		return
	}
	for _, c := range conns {
		c.Close()
	}
}

// Close stops the internal event loop goroutine. Call only after
// ShutdownFuture has fired.
func (d *DistributedRelay) Close() {
	close(d.events)
	d.runWG.Wait()
}
