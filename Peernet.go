/*
File Name:  Peernet.go

Init wires a master Peer together with a routing table, an on-disk
tracker, and a DistributedRelay into one running node. Grounded on the
teacher's own Peernet.go Init(): load config, init log, init filters, init
peer ID, then init network -- generalized to this module's component split
(peer.NewMaster / routing.Table / store.PogrebTracker / relay.
DistributedRelay) in place of the teacher's blockchain/warehouse/DHT stack.
*/

package core

import (
	"time"

	"github.com/kadrelay/core/nat"
	"github.com/kadrelay/core/peer"
	"github.com/kadrelay/core/protocol"
	"github.com/kadrelay/core/relay"
	"github.com/kadrelay/core/routing"
	"github.com/kadrelay/core/store"
)

// Backend is one running node: its master Peer plus the routing and
// storage collaborators wired in alongside it.
type Backend struct {
	Config  *Config
	Filters Filters

	Peer    *peer.Peer
	Routing *routing.Table
	Tracker *store.PogrebTracker

	Key *protocol.DSAKeyPair

	Stdout *multiWriter
}

// Init initializes a node. If the config file does not exist or is empty, a
// default one is created. The returned status is an Exit* code; anything
// other than ExitSuccess indicates a fatal failure and backend is nil.
func Init(configFilename string, trackerFilename string, filters *Filters) (backend *Backend, status int, err error) {
	backend = &Backend{
		Config: &Config{},
		Stdout: newMultiWriter(),
	}
	if filters != nil {
		backend.Filters = *filters
	}
	backend.Filters.setDefaults()

	if status, err = LoadConfig(configFilename, backend.Config); status != ExitSuccess {
		return nil, status, err
	}

	key, status, err := ensurePrivateKey(backend.Config)
	if status != ExitSuccess {
		return nil, status, err
	}
	backend.Key = key

	var id protocol.Id160
	if pub, marshalErr := protocol.MarshalDSAPublicKey(&key.Private.PublicKey); marshalErr == nil {
		id = protocol.DeriveID(pub)
	}

	tracker, err := store.NewPogrebTracker(trackerFilename, 0)
	if err != nil {
		return nil, ExitErrorConfigAccess, err
	}
	backend.Tracker = tracker

	backend.Routing = routing.NewTable(id)

	natHelper := resolveNATHelper(backend.Config)

	cfg := peer.Config{
		TCPAddrs:              backend.Config.Listen,
		UDPAddrs:              backend.Config.ListenUDP,
		ListenWorkers:         backend.Config.ListenWorkers,
		MaxConcurrentRequests: 64,
		Verifier:              protocol.DSAVerifier{},
		HeartbeatSeconds:      backend.Config.HeartbeatSeconds,
		NATHelper:             natHelper,
	}

	master, exitStatus, err := peer.NewMaster(id, cfg)
	if err != nil {
		return nil, exitStatus, err
	}
	backend.Peer = master

	// Resolving a "host:port" seed string into a full PeerAddress (DNS
	// lookup, handshake to learn the peer's ID) is part of the public
	// facade/builder surface that spec.md §1 scopes out of this module;
	// ManualRelays starts empty here and is populated by that layer.
	relayCfg := relay.Config{
		MaxRelays:    backend.Config.MaxRelays,
		FailedExpiry: time.Duration(backend.Config.RelayFailedExpiry) * time.Second,
	}
	rpc := &relay.SenderRPC{Self: master.Address}
	dr := relay.New(relayCfg, rpc, backend.Routing, master.Address, relay.Callbacks{
		OnAddressChange: master.SetAddress,
		OnRelayAdded: func(addr protocol.PeerAddress) {
			backend.Filters.RelayAdded(addr.IP.String())
		},
		OnRelayRemoved: func(addr protocol.PeerAddress) {
			backend.Filters.RelayRemoved(addr.IP.String())
		},
	})
	master.AttachRelayManager(dr)
	dr.Start()

	return backend, ExitSuccess, nil
}

// Shutdown tears the node down: the relay manager and master peer shut
// down first (peer.Peer.Shutdown already drains the relay manager when one
// is attached), then the on-disk tracker is closed last.
func (backend *Backend) Shutdown() {
	if backend.Peer != nil {
		backend.Peer.Shutdown()
	}
	if backend.Tracker != nil {
		backend.Tracker.Close()
	}
}

func resolveNATHelper(cfg *Config) nat.Helper {
	// Discovery failure is not fatal; the node simply runs firewalled.
	helper, err := nat.NewUPnPHelper(nil)
	if err != nil {
		return nat.NoopHelper{}
	}
	return helper
}
