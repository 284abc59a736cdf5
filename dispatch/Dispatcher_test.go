package dispatch

import (
	"testing"
	"time"

	"github.com/kadrelay/core/protocol"
)

func TestDispatchUnknownHandler(t *testing.T) {
	d := New(time.Second)
	var recipient protocol.Id160
	recipient[0] = 1

	resp, err := d.Dispatch(protocol.Message{Recipient: protocol.PeerAddress{ID: recipient}, Command: protocol.CommandPing})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp == nil || resp.Type != protocol.TypeUnknown {
		t.Fatalf("expected TypeUnknown response, got %+v", resp)
	}
}

func TestDispatchRegisteredHandler(t *testing.T) {
	d := New(time.Second)
	var recipient protocol.Id160
	recipient[0] = 2

	called := false
	d.Register(recipient, []protocol.Command{protocol.CommandPing}, func(msg protocol.Message) (*protocol.Message, error) {
		called = true
		resp := msg
		resp.Type = protocol.TypeOK
		return &resp, nil
	}, nil)

	resp, err := d.Dispatch(protocol.Message{Recipient: protocol.PeerAddress{ID: recipient}, Command: protocol.CommandPing})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected handler to be invoked")
	}
	if resp == nil || resp.Type != protocol.TypeOK {
		t.Fatalf("expected TypeOK response, got %+v", resp)
	}
}

func TestDispatchCheckMessageRejection(t *testing.T) {
	d := New(time.Second)
	var recipient protocol.Id160
	recipient[0] = 3

	d.Register(recipient, []protocol.Command{protocol.CommandPing},
		func(msg protocol.Message) (*protocol.Message, error) {
			t.Fatalf("handler must not run when check_message rejects")
			return nil, nil
		},
		func(msg protocol.Message) bool { return false },
	)

	resp, err := d.Dispatch(protocol.Message{Recipient: protocol.PeerAddress{ID: recipient}, Command: protocol.CommandPing})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp == nil || resp.Type != protocol.TypeException {
		t.Fatalf("expected TypeException response, got %+v", resp)
	}
}

func TestRemoveDeregistersOnlyThatPeer(t *testing.T) {
	d := New(time.Second)
	var a, b protocol.Id160
	a[0], b[0] = 4, 5

	d.Register(a, []protocol.Command{protocol.CommandPing}, func(msg protocol.Message) (*protocol.Message, error) {
		resp := msg
		resp.Type = protocol.TypeOK
		return &resp, nil
	}, nil)
	d.Register(b, []protocol.Command{protocol.CommandPing}, func(msg protocol.Message) (*protocol.Message, error) {
		resp := msg
		resp.Type = protocol.TypeOK
		return &resp, nil
	}, nil)

	d.Remove(a)

	respA, _ := d.Dispatch(protocol.Message{Recipient: protocol.PeerAddress{ID: a}, Command: protocol.CommandPing})
	if respA.Type != protocol.TypeUnknown {
		t.Fatalf("expected peer a to be deregistered")
	}
	respB, _ := d.Dispatch(protocol.Message{Recipient: protocol.PeerAddress{ID: b}, Command: protocol.CommandPing})
	if respB.Type != protocol.TypeOK {
		t.Fatalf("expected peer b to still dispatch")
	}
}
