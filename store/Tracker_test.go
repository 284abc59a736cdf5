package store

import (
	"path/filepath"
	"testing"

	"github.com/kadrelay/core/protocol"
)

func TestPogrebTrackerPutGet(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewPogrebTracker(filepath.Join(dir, "tracker.db"), 2)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()

	var loc, dom, peerID protocol.Id160
	loc[0], dom[0], peerID[0] = 1, 2, 3
	peer := protocol.PeerAddress{ID: peerID}
	data := protocol.Data{Bytes: []byte("hello")}

	if !tr.Put(loc, dom, peer, nil, data) {
		t.Fatalf("expected Put to succeed")
	}

	entries, ok := tr.Get(loc, dom)
	if !ok {
		t.Fatalf("expected Get to find entries")
	}
	if string(entries[peerID].Bytes) != "hello" {
		t.Fatalf("unexpected round-tripped bytes: %q", entries[peerID].Bytes)
	}
	if tr.Size(loc, dom) != 1 {
		t.Fatalf("expected size 1, got %d", tr.Size(loc, dom))
	}
}

func TestPogrebTrackerRespectsMaxSize(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewPogrebTracker(filepath.Join(dir, "tracker.db"), 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()

	var loc, dom protocol.Id160
	var p1, p2 protocol.Id160
	p1[0], p2[0] = 1, 2

	if !tr.Put(loc, dom, protocol.PeerAddress{ID: p1}, nil, protocol.Data{}) {
		t.Fatalf("expected first Put to succeed")
	}
	if tr.Put(loc, dom, protocol.PeerAddress{ID: p2}, nil, protocol.Data{}) {
		t.Fatalf("expected second Put to be rejected once MaxSize is reached")
	}
}
