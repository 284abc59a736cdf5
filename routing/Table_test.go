package routing

import (
	"net"
	"testing"

	"github.com/kadrelay/core/protocol"
)

func TestNeighborsOrderedByDistance(t *testing.T) {
	var self protocol.Id160
	self[0] = 0x00
	table := NewTable(self)

	var near, far protocol.Id160
	near[0] = 0x01
	far[0] = 0xF0

	table.Insert(protocol.NewPeerAddress(far, net.ParseIP("10.0.0.2"), 1, 1, 0, nil))
	table.Insert(protocol.NewPeerAddress(near, net.ParseIP("10.0.0.1"), 1, 1, 0, nil))

	neighbors := table.Neighbors()
	if len(neighbors) != 2 {
		t.Fatalf("expected 2 neighbors, got %d", len(neighbors))
	}
	if neighbors[0].ID != near {
		t.Fatalf("expected nearest peer first, got %x", neighbors[0].ID)
	}
}

func TestRemove(t *testing.T) {
	var self, other protocol.Id160
	other[0] = 0x01
	table := NewTable(self)
	table.Insert(protocol.NewPeerAddress(other, net.ParseIP("10.0.0.1"), 1, 1, 0, nil))

	table.Remove(other)

	if len(table.Neighbors()) != 0 {
		t.Fatalf("expected table to be empty after Remove")
	}
}

func TestPeerMapKeyedByID(t *testing.T) {
	var self, other protocol.Id160
	other[0] = 0x02
	table := NewTable(self)
	table.Insert(protocol.NewPeerAddress(other, net.ParseIP("10.0.0.1"), 1, 1, 0, nil))

	m := table.PeerMap()
	if _, ok := m[other]; !ok {
		t.Fatalf("expected peer map to contain inserted peer")
	}
}
