/*
File Name:  Id160.go

The 160-bit opaque identifier used for peer IDs, content keys, and domain
keys throughout the wire protocol.
*/

package protocol

import (
	"encoding/hex"
	"math/big"

	"lukechampine.com/blake3"
)

// IDSize is the fixed wire size of an Id160 in bytes.
const IDSize = 20

// Id160 is a 160-bit opaque identifier. It is immutable; all operations
// return a new value rather than mutating in place.
type Id160 [IDSize]byte

// ZeroID is the all-zero identifier.
var ZeroID Id160

// IDFromBytes copies exactly IDSize bytes into a new Id160. It returns false
// if b is not exactly 20 bytes long.
func IDFromBytes(b []byte) (id Id160, ok bool) {
	if len(b) != IDSize {
		return Id160{}, false
	}
	copy(id[:], b)
	return id, true
}

// Bytes returns a freshly allocated copy of the identifier's bytes.
func (id Id160) Bytes() []byte {
	b := make([]byte, IDSize)
	copy(b, id[:])
	return b
}

// String returns the hex encoding of the identifier.
func (id Id160) String() string {
	return hex.EncodeToString(id[:])
}

// Equal reports whether two identifiers are bytewise identical.
func (id Id160) Equal(other Id160) bool {
	return id == other
}

// IsZero reports whether the identifier is the all-zero value.
func (id Id160) IsZero() bool {
	return id == ZeroID
}

// Xor returns the bytewise XOR distance between two identifiers, the metric
// used by the (out-of-scope) Kademlia routing layer to order buckets.
func (id Id160) Xor(other Id160) Id160 {
	var out Id160
	for i := range id {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// Distance returns the XOR distance as a big.Int, convenient for sorting.
func (id Id160) Distance(other Id160) *big.Int {
	return new(big.Int).SetBytes(id.Xor(other).Bytes())
}

// Less orders two identifiers as unsigned 160-bit big-endian integers. It has
// no protocol meaning by itself; routing code uses Distance for proximity
// ordering, and Less is only useful for producing a stable sort of raw IDs.
func (id Id160) Less(other Id160) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// DeriveID hashes the DER-encoded public key with BLAKE3-256 and truncates
// the result to 160 bits. The wire format treats Id160 as opaque and never
// performs this derivation itself -- this is purely a convenience for
// callers that need to turn a freshly generated key pair into a peer ID.
func DeriveID(publicKeyDER []byte) (id Id160) {
	sum := blake3.Sum256(publicKeyDER)
	copy(id[:], sum[:IDSize])
	return id
}
