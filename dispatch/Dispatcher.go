/*
File Name:  Dispatcher.go

Dispatcher routes a decoded inbound Message to the handler registered for
its recipient ID and command. Grounded on the teacher's per-command handler
functions (Commands.go: announcement/response/chat dispatched by Command
byte) generalized into an explicit two-level routing table, since this
module has no single global peer and must route per recipient ID as well.
*/

package dispatch

import (
	"sync"
	"time"

	"github.com/kadrelay/core/protocol"
)

// Handler processes one inbound Message addressed to a registered peer ID
// and command. It may return a response Message to be sent back on the same
// transport, or an error. Handlers may be invoked concurrently across peers;
// per-peer ordering is not guaranteed.
type Handler func(msg protocol.Message) (response *protocol.Message, err error)

// CheckMessage is an optional predicate a handler's registration can supply
// to reject a message before Handler runs. Rejections produce a typed
// "exception" response rather than being silently dropped, per the Open
// Question resolution recorded in DESIGN.md.
type CheckMessage func(msg protocol.Message) bool

type registration struct {
	handler Handler
	check   CheckMessage
}

// Dispatcher maintains peer_id -> command -> handler routing.
type Dispatcher struct {
	heartbeat time.Duration

	mu    sync.RWMutex
	table map[protocol.Id160]map[protocol.Command]registration
}

// New creates a Dispatcher with the given heartbeat interval, exposed for
// handlers that track liveness (e.g. relay keep-alives).
func New(heartbeat time.Duration) *Dispatcher {
	return &Dispatcher{
		heartbeat: heartbeat,
		table:     make(map[protocol.Id160]map[protocol.Command]registration),
	}
}

// Heartbeat returns the configured heartbeat interval.
func (d *Dispatcher) Heartbeat() time.Duration {
	return d.heartbeat
}

// Register installs a handler for the given peer ID and set of commands,
// optionally gated by a check predicate. A later call for the same
// (peer, command) pair replaces the previous registration.
func (d *Dispatcher) Register(peerID protocol.Id160, commands []protocol.Command, handler Handler, check CheckMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()

	peerTable, ok := d.table[peerID]
	if !ok {
		peerTable = make(map[protocol.Command]registration)
		d.table[peerID] = peerTable
	}
	for _, cmd := range commands {
		peerTable[cmd] = registration{handler: handler, check: check}
	}
}

// Remove deregisters every handler installed for peerID. Called on peer
// shutdown; safe to call multiple times (idempotent).
func (d *Dispatcher) Remove(peerID protocol.Id160) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.table, peerID)
}

// Dispatch looks up the handler registered for msg.Recipient.ID and
// msg.Command and invokes it. If no handler is registered, it returns a
// "unknown"-typed response. If a registered check predicate rejects the
// message, it returns an "exception"-typed response without invoking the
// handler.
func (d *Dispatcher) Dispatch(msg protocol.Message) (*protocol.Message, error) {
	d.mu.RLock()
	peerTable, ok := d.table[msg.Recipient.ID]
	var reg registration
	if ok {
		reg, ok = peerTable[msg.Command]
	}
	d.mu.RUnlock()

	if !ok {
		return unknownResponse(msg), nil
	}
	if reg.check != nil && !reg.check(msg) {
		return exceptionResponse(msg), nil
	}
	return reg.handler(msg)
}

func unknownResponse(msg protocol.Message) *protocol.Message {
	resp := baseResponse(msg)
	resp.Type = protocol.TypeUnknown
	return &resp
}

func exceptionResponse(msg protocol.Message) *protocol.Message {
	resp := baseResponse(msg)
	resp.Type = protocol.TypeException
	return &resp
}

func baseResponse(msg protocol.Message) protocol.Message {
	return protocol.Message{
		Version:   msg.Version,
		ID:        msg.ID,
		Command:   msg.Command,
		Sender:    msg.Recipient,
		Recipient: msg.Sender,
	}
}
