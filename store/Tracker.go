/*
File Name:  Tracker.go

Tracker is the external tracker-storage collaborator interface (§6):
put/get/size/max_size. Insertion policy and TTL expiry are explicitly out
of scope (§1) -- this package exists only to give the interface a concrete,
exercised backing store, adapted directly from the teacher's
store/Pogreb.go key/value wrapper.
*/

package store

import (
	"crypto/dsa"
	"io"
	"log"
	"sync"

	"github.com/akrylysov/pogreb"

	"github.com/kadrelay/core/protocol"
)

// Tracker is the external storage collaborator consumed by tracker-related
// commands (CommandTrackerAdd/CommandTrackerGet). No insertion policy or
// TTL expiry is implemented here -- that remains an out-of-scope concern of
// the caller.
type Tracker interface {
	Put(loc, dom protocol.Id160, peer protocol.PeerAddress, pubKey *dsa.PublicKey, data protocol.Data) bool
	Get(loc, dom protocol.Id160) (map[protocol.Id160]protocol.Data, bool)
	Size(loc, dom protocol.Id160) int
	MaxSize() int
}

// PogrebTracker is the reference Tracker, backed by an embedded on-disk
// key/value store. Entries for a (loc, dom) pair are kept as a single
// encoded map value, mirroring the teacher's PogrebStore.Set/Get shape.
type PogrebTracker struct {
	mu      sync.Mutex
	db      *pogreb.DB
	maxSize int
}

// NewPogrebTracker opens (or creates) the database at filename. maxSize
// bounds the number of entries Put will accept for a single (loc, dom) key.
func NewPogrebTracker(filename string, maxSize int) (*PogrebTracker, error) {
	pogreb.SetLogger(log.New(io.Discard, "", 0))

	db, err := pogreb.Open(filename, nil)
	if err != nil {
		return nil, err
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &PogrebTracker{db: db, maxSize: maxSize}, nil
}

// Close releases the underlying database file.
func (t *PogrebTracker) Close() error {
	return t.db.Close()
}

func trackerKey(loc, dom protocol.Id160) []byte {
	key := make([]byte, 0, 2*protocol.IDSize)
	key = append(key, loc[:]...)
	key = append(key, dom[:]...)
	return key
}

// Put adds peer's entry under (loc, dom), keyed by peer.ID, refusing once
// Size(loc, dom) reaches MaxSize(). pubKey is accepted for interface parity
// with the external collaborator signature but is not itself persisted --
// authenticity checks on tracker entries remain out of scope.
func (t *PogrebTracker) Put(loc, dom protocol.Id160, peer protocol.PeerAddress, pubKey *dsa.PublicKey, data protocol.Data) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := trackerKey(loc, dom)
	entries, _ := t.load(key)
	if entries == nil {
		entries = make(map[protocol.Id160]protocol.Data)
	}
	if _, exists := entries[peer.ID]; !exists && len(entries) >= t.maxSize {
		return false
	}
	entries[peer.ID] = data

	if err := t.save(key, entries); err != nil {
		return false
	}
	return true
}

// Get returns every entry stored under (loc, dom).
func (t *PogrebTracker) Get(loc, dom protocol.Id160) (map[protocol.Id160]protocol.Data, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := trackerKey(loc, dom)
	entries, err := t.load(key)
	if err != nil || entries == nil {
		return nil, false
	}
	return entries, true
}

// Size returns the number of entries currently stored under (loc, dom).
func (t *PogrebTracker) Size(loc, dom protocol.Id160) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, _ := t.load(trackerKey(loc, dom))
	return len(entries)
}

// MaxSize returns the configured per-key entry limit.
func (t *PogrebTracker) MaxSize() int {
	return t.maxSize
}

func (t *PogrebTracker) load(key []byte) (map[protocol.Id160]protocol.Data, error) {
	raw, err := t.db.Get(key)
	if err != nil || raw == nil {
		return nil, err
	}
	return decodeEntries(raw)
}

func (t *PogrebTracker) save(key []byte, entries map[protocol.Id160]protocol.Data) error {
	return t.db.Put(key, encodeEntries(entries))
}

// encodeEntries/decodeEntries wrap the stored map as a one-slot Message
// carrying a MAP_KEY_DATA payload, reusing the codec's own framing (and its
// InheritMessageKey handling) instead of inventing a second on-disk format.
func encodeEntries(entries map[protocol.Id160]protocol.Data) []byte {
	msg := protocol.Message{
		ContentTypes: [4]protocol.Content{protocol.ContentMapKeyData},
		MapKeyData:   entries,
	}
	encoded, err := protocol.Encode(msg, nil)
	if err != nil {
		return nil
	}
	return encoded
}

func decodeEntries(buf []byte) (map[protocol.Id160]protocol.Data, error) {
	decoded, err := protocol.Decode(buf, nil)
	if err != nil {
		return nil, err
	}
	return decoded.MapKeyData, nil
}
