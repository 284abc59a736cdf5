/*
File Name:  Content.go

Content is the value-kind tag carried by each of a Message's four payload
slots, and Data is the payload atom used inside the KEY_DATA/PEER_DATA maps.
*/

package protocol

import (
	"encoding/binary"
	"errors"
)

// Content identifies the Go value stored in a single payload slot. Its 4-bit
// wire ordinal is its position in the declaration below, from EMPTY=0 to
// RESERVED3=15.
type Content uint8

const (
	ContentEmpty Content = iota
	ContentKey
	ContentKeyKey
	ContentMapKeyData
	ContentMapKeyKey
	ContentSetKeys
	ContentSetNeighbors
	ContentChannelBuffer
	ContentLong
	ContentInteger
	ContentMapPeerData
	ContentPublicKey
	ContentPublicKeySignature
	ContentReserved1
	ContentReserved2
	ContentReserved3
)

func (c Content) String() string {
	switch c {
	case ContentEmpty:
		return "EMPTY"
	case ContentKey:
		return "KEY"
	case ContentKeyKey:
		return "KEY_KEY"
	case ContentMapKeyData:
		return "MAP_KEY_DATA"
	case ContentMapKeyKey:
		return "MAP_KEY_KEY"
	case ContentSetKeys:
		return "SET_KEYS"
	case ContentSetNeighbors:
		return "SET_NEIGHBORS"
	case ContentChannelBuffer:
		return "CHANNEL_BUFFER"
	case ContentLong:
		return "LONG"
	case ContentInteger:
		return "INTEGER"
	case ContentMapPeerData:
		return "MAP_PEER_DATA"
	case ContentPublicKey:
		return "PUBLIC_KEY"
	case ContentPublicKeySignature:
		return "PUBLIC_KEY_SIGNATURE"
	default:
		return "RESERVED"
	}
}

// MaxSetSize bounds SET_NEIGHBORS/MAP_PEER_DATA entries (an 8-bit count).
const MaxSetSize = 255

// ttlProtectedBit is the high bit of Data's ttl_with_protected field.
const ttlProtectedBit = 1 << 31

// Data is the payload atom used inside MAP_KEY_DATA and MAP_PEER_DATA
// entries. InheritMessageKey replaces the wire's `pubkey_len=0xFFFF`
// sentinel with an explicit flag, per the Design Notes: the sentinel is
// translated to/from this flag only at the codec boundary.
type Data struct {
	TTLSeconds        uint32
	Protected         bool
	Bytes             []byte
	PublicKey         []byte // X.509 SubjectPublicKeyInfo, DSA; nil if absent
	InheritMessageKey bool   // true replaces PublicKey with the message-level key at decode time
	Signature         []byte // 40 raw bytes (two 160-bit halves), nil if absent
}

// EncodedSize returns the exact byte length encode_data will produce.
func (d Data) EncodedSize() int {
	pubKeyLen := len(d.PublicKey)
	if d.InheritMessageKey {
		pubKeyLen = 0 // sentinel position carries 0xFFFF, not a byte count
	}
	return 11 + len(d.Bytes) + pubKeyLen + len(d.Signature)
}

// encodeData appends the 11-byte prefix described in §4.1 followed by value,
// optional public key, and optional signature bytes.
func encodeData(buf []byte, d Data) []byte {
	ttl := d.TTLSeconds &^ ttlProtectedBit
	if d.Protected {
		ttl |= ttlProtectedBit
	}
	buf = appendUint32(buf, ttl)
	buf = appendUint32(buf, uint32(len(d.Bytes)))

	pubKeyLen := uint16(len(d.PublicKey))
	if d.InheritMessageKey {
		pubKeyLen = 0xFFFF
	}
	buf = appendUint16(buf, pubKeyLen)
	buf = append(buf, byte(len(d.Signature)))

	buf = append(buf, d.Bytes...)
	if !d.InheritMessageKey {
		buf = append(buf, d.PublicKey...)
	}
	buf = append(buf, d.Signature...)
	return buf
}

// decodeData reads one Data atom written by encodeData, returning the number
// of bytes consumed. The 0xFFFF pubkey-length sentinel is translated into
// InheritMessageKey here and nowhere else.
func decodeData(buf []byte) (d Data, n int, err error) {
	if len(buf) < 11 {
		return Data{}, 0, errors.New("protocol: data atom truncated before prefix")
	}
	ttlRaw := binary.BigEndian.Uint32(buf[0:4])
	valueLen := binary.BigEndian.Uint32(buf[4:8])
	pubKeyLenField := binary.BigEndian.Uint16(buf[8:10])
	sigLen := buf[10]
	pos := 11

	d.Protected = ttlRaw&ttlProtectedBit != 0
	d.TTLSeconds = ttlRaw &^ ttlProtectedBit

	if uint64(pos)+uint64(valueLen) > uint64(len(buf)) {
		return Data{}, 0, errors.New("protocol: data atom value length exceeds buffer")
	}
	d.Bytes = append([]byte(nil), buf[pos:pos+int(valueLen)]...)
	pos += int(valueLen)

	if pubKeyLenField == 0xFFFF {
		d.InheritMessageKey = true
	} else {
		pubKeyLen := int(pubKeyLenField)
		if pos+pubKeyLen > len(buf) {
			return Data{}, 0, errors.New("protocol: data atom public key length exceeds buffer")
		}
		if pubKeyLen > 0 {
			d.PublicKey = append([]byte(nil), buf[pos:pos+pubKeyLen]...)
		}
		pos += pubKeyLen
	}

	if pos+int(sigLen) > len(buf) {
		return Data{}, 0, errors.New("protocol: data atom signature length exceeds buffer")
	}
	if sigLen > 0 {
		d.Signature = append([]byte(nil), buf[pos:pos+int(sigLen)]...)
	}
	pos += int(sigLen)

	return d, pos, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}
