/*
File Name:  Table.go

Table is a reference routing.Layer: bucket bookkeeping and XOR-distance
ordering only. The iterative DHT lookup algorithm (Store/Get/FindNode over
the wire) stays out of scope per §1/§6 -- this exists solely to give
DistributedRelay's candidate selection (§4.4) and tests a concrete,
exercised Neighbors()/PeerMap() implementation, adapted from the shape of
the teacher's bucket table (k-buckets keyed by XOR distance) without
carrying over its broken iterative-lookup layer.
*/

package routing

import (
	"sort"
	"sync"

	"github.com/kadrelay/core/protocol"
)

// Layer is the external routing collaborator interface consumed by the
// relay subsystem (§6): neighbors() and peer_map() for candidate selection.
type Layer interface {
	Neighbors() []protocol.PeerAddress
	PeerMap() map[protocol.Id160]protocol.PeerAddress
}

const bucketCount = protocol.IDSize * 8

// KBucketSize bounds how many peers a single bucket retains.
const KBucketSize = 20

// Table buckets peers by the length of the common prefix shared with the
// local ID, the standard Kademlia bucket-index rule.
type Table struct {
	self protocol.Id160

	mu      sync.RWMutex
	buckets [bucketCount][]protocol.PeerAddress
}

// NewTable creates an empty routing table for the given local identifier.
func NewTable(self protocol.Id160) *Table {
	return &Table{self: self}
}

// Insert adds or refreshes a peer in its bucket, evicting the oldest entry
// once a bucket reaches KBucketSize (simple eviction; no liveness ping of
// the evicted peer -- that RPC lives outside this module's scope).
func (t *Table) Insert(addr protocol.PeerAddress) {
	if addr.ID == t.self {
		return
	}
	idx := bucketIndex(t.self, addr.ID)

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.buckets[idx]
	for i, existing := range bucket {
		if existing.ID == addr.ID {
			bucket[i] = addr
			return
		}
	}
	if len(bucket) >= KBucketSize {
		bucket = bucket[1:]
	}
	t.buckets[idx] = append(bucket, addr)
}

// Remove drops a peer from its bucket, if present.
func (t *Table) Remove(id protocol.Id160) {
	idx := bucketIndex(t.self, id)

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.buckets[idx]
	for i, existing := range bucket {
		if existing.ID == id {
			t.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// Neighbors returns every known peer ordered by ascending XOR distance from
// the local ID, satisfying routing.Layer.
func (t *Table) Neighbors() []protocol.PeerAddress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var all []protocol.PeerAddress
	for _, bucket := range t.buckets {
		all = append(all, bucket...)
	}
	sort.Slice(all, func(i, j int) bool {
		return t.self.Distance(all[i].ID).Cmp(t.self.Distance(all[j].ID)) < 0
	})
	return all
}

// PeerMap returns every known peer keyed by ID, satisfying routing.Layer.
func (t *Table) PeerMap() map[protocol.Id160]protocol.PeerAddress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[protocol.Id160]protocol.PeerAddress)
	for _, bucket := range t.buckets {
		for _, addr := range bucket {
			out[addr.ID] = addr
		}
	}
	return out
}

// bucketIndex returns the index of the highest differing bit between self
// and other -- the standard Kademlia bucket assignment rule.
func bucketIndex(self, other protocol.Id160) int {
	xor := self.Xor(other)
	for byteIdx, b := range xor {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>uint(bit)) != 0 {
				return byteIdx*8 + bit
			}
		}
	}
	return bucketCount - 1
}
