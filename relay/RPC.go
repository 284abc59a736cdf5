/*
File Name:  RPC.go

RPC and Connection are the external relay-handshake collaborator interfaces
consumed by DistributedRelay (§6): send_setup_message(peer, cfg) and the
resulting connection's close()/close_future().
*/

package relay

import (
	"context"
	"time"

	"github.com/kadrelay/core/protocol"
)

// Config configures a DistributedRelay instance.
type Config struct {
	MaxRelays    int
	ManualRelays []protocol.PeerAddress
	FailedExpiry time.Duration
	Slow         bool // whether the relay type in use counts as "slow"
}

// Connection represents one established relay connection.
type Connection interface {
	Close() error
	CloseNotify() <-chan struct{}
}

// RPC performs the wire-level "setup relay" handshake with one candidate.
type RPC interface {
	SendSetupMessage(ctx context.Context, candidate protocol.PeerAddress, cfg Config) (Connection, error)
}
