/*
File Name:  Codec.go

Serializes a Message to and from the 64-byte header plus up to four typed
payload slots, optionally signed with DSA-SHA1. Purely synchronous: no I/O,
no goroutines.
*/

package protocol

import (
	"encoding/binary"
)

// HeaderSize is the fixed byte length of every encoded message's header.
const HeaderSize = 64

// sigHalfSize is the byte length of one raw DSA signature half (R or S),
// padded/truncated to 160 bits to fit the wire format.
const sigHalfSize = 20

// sigTotalSize is the 40 trailing bytes PUBLIC_KEY_SIGNATURE reserves.
const sigTotalSize = 2 * sigHalfSize

// Encode serializes m into a fresh byte slice. If m.Sign is true, signer must
// be non-nil; the resulting signature is appended as the last 40 bytes and
// its length is already reflected in the header's content_length field,
// computed before any signing happens (Design Notes: signature position
// coupling).
func Encode(m Message, signer Signer) ([]byte, error) {
	slotBufs := make([][]byte, 4)
	declaredLen := make([]int, 4)
	signSlot := -1

	for i, ct := range m.ContentTypes {
		buf, err := encodeSlot(m, ct)
		if err != nil {
			return nil, err
		}
		slotBufs[i] = buf
		declaredLen[i] = len(buf)
		if ct == ContentPublicKeySignature {
			declaredLen[i] += sigTotalSize
			signSlot = i
		}
	}

	contentLength := 0
	for _, l := range declaredLen {
		contentLength += l
	}

	header := make([]byte, 0, HeaderSize)
	header = encodeHeader(header, m, uint32(contentLength))

	out := make([]byte, 0, HeaderSize+contentLength)
	out = append(out, header...)
	for _, buf := range slotBufs {
		out = append(out, buf...)
	}

	if signSlot >= 0 {
		if !m.Sign {
			return nil, &DecodeError{Field: "sign", Reason: "PUBLIC_KEY_SIGNATURE slot present without Sign set"}
		}
		if signer == nil {
			return nil, &DecodeError{Field: "sign", Reason: "signing requested but no Signer supplied"}
		}
		sig, err := signer.Sign(out)
		if err != nil {
			return nil, err
		}
		if len(sig) != sigTotalSize {
			return nil, &DecodeError{Field: "sign", Reason: "signer returned unexpected signature length"}
		}
		out = append(out, sig...)
	}

	return out, nil
}

func encodeHeader(buf []byte, m Message, contentLength uint32) []byte {
	buf = appendUint32(buf, m.Version)
	buf = appendUint32(buf, m.ID)
	buf = append(buf, byte(m.Type)<<4|byte(m.Command)&0x0F)
	buf = append(buf, m.Sender.ID[:]...)
	buf = appendUint16(buf, m.Sender.TCPPort)
	buf = appendUint16(buf, m.Sender.UDPPort)
	buf = append(buf, m.Recipient.ID[:]...)
	buf = appendUint32(buf, contentLength)

	var ctPacked uint16
	for i, ct := range m.ContentTypes {
		ctPacked |= uint16(ct&0x0F) << (4 * i)
	}
	buf = appendUint16(buf, ctPacked)

	buf = append(buf, m.Sender.Flags)

	var ipField [4]byte
	if m.Sender.IsForwarded() && !m.Sender.IsIPv6() {
		if v4 := m.Sender.IP.To4(); v4 != nil {
			copy(ipField[:], v4)
		}
	}
	buf = append(buf, ipField[:]...)

	return buf
}

func encodeSlot(m Message, ct Content) ([]byte, error) {
	var buf []byte
	switch ct {
	case ContentEmpty, ContentReserved1, ContentReserved2, ContentReserved3:
		return nil, nil
	case ContentKey:
		return append(buf, m.Key1[:]...), nil
	case ContentKeyKey:
		buf = append(buf, m.Key1[:]...)
		buf = append(buf, m.Key2[:]...)
		return buf, nil
	case ContentMapKeyData:
		buf = appendUint32(buf, uint32(len(m.MapKeyData)))
		for k, d := range m.MapKeyData {
			buf = append(buf, k[:]...)
			buf = encodeData(buf, d)
		}
		return buf, nil
	case ContentMapKeyKey:
		buf = appendUint32(buf, uint32(len(m.MapKeyKey)))
		for k, v := range m.MapKeyKey {
			buf = append(buf, k[:]...)
			buf = append(buf, v[:]...)
		}
		return buf, nil
	case ContentSetKeys:
		buf = appendUint32(buf, uint32(len(m.SetKeys)))
		for _, k := range m.SetKeys {
			buf = append(buf, k[:]...)
		}
		return buf, nil
	case ContentSetNeighbors:
		n := len(m.SetNeighbors)
		if n > MaxSetSize {
			n = MaxSetSize
		}
		buf = append(buf, byte(n))
		for i := 0; i < n; i++ {
			buf = m.SetNeighbors[i].Encode(buf)
		}
		return buf, nil
	case ContentChannelBuffer:
		buf = appendUint32(buf, uint32(len(m.ChannelBuffer)))
		buf = append(buf, m.ChannelBuffer...)
		return buf, nil
	case ContentLong:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(m.Long))
		return append(buf, tmp[:]...), nil
	case ContentInteger:
		return appendUint32(buf, uint32(m.Integer)), nil
	case ContentMapPeerData:
		n := len(m.MapPeerData)
		if n > MaxSetSize {
			n = MaxSetSize
		}
		buf = append(buf, byte(n))
		for i := 0; i < n; i++ {
			buf = m.MapPeerData[i].Peer.Encode(buf)
			buf = encodeData(buf, m.MapPeerData[i].Data)
		}
		return buf, nil
	case ContentPublicKey, ContentPublicKeySignature:
		buf = appendUint16(buf, uint16(len(m.PublicKey)))
		buf = append(buf, m.PublicKey...)
		return buf, nil
	default:
		return nil, nil
	}
}

// Decode parses a message previously produced by Encode. verifier is
// optional; when supplied and the message carries a PUBLIC_KEY_SIGNATURE
// slot, the signature is checked and, on success, the message's public key
// field is set and every Data atom marked InheritMessageKey has its key
// patched in. A verification failure leaves the public key unset but does
// not abort decoding, per §4.1.
func Decode(buf []byte, verifier Verifier) (Message, error) {
	if len(buf) < HeaderSize {
		return Message{}, &DecodeError{Field: "header", Reason: "buffer shorter than 64 bytes"}
	}

	var m Message
	m.Version = binary.BigEndian.Uint32(buf[0:4])
	m.ID = binary.BigEndian.Uint32(buf[4:8])
	m.Type = Type(buf[8] >> 4)
	m.Command = Command(buf[8] & 0x0F)

	copy(m.Sender.ID[:], buf[9:29])
	m.Sender.TCPPort = binary.BigEndian.Uint16(buf[29:31])
	m.Sender.UDPPort = binary.BigEndian.Uint16(buf[31:33])
	copy(m.Recipient.ID[:], buf[33:53])

	contentLength := binary.BigEndian.Uint32(buf[53:57])

	ctPacked := binary.BigEndian.Uint16(buf[57:59])
	for i := range m.ContentTypes {
		m.ContentTypes[i] = Content((ctPacked >> (4 * i)) & 0x0F)
	}

	m.Sender.Flags = buf[59]
	if m.Sender.IsForwarded() && !m.Sender.IsIPv6() {
		ip := make([]byte, 4)
		copy(ip, buf[60:64])
		m.Sender.IP = ip
	}

	payload := buf[HeaderSize:]
	pos := 0
	signSlot := -1

	for i, ct := range m.ContentTypes {
		n, err := decodeSlot(&m, ct, payload[pos:])
		if err != nil {
			return Message{}, err
		}
		pos += n
		if ct == ContentPublicKeySignature {
			signSlot = i
		}
	}

	if uint32(pos) > contentLength && signSlot < 0 {
		return Message{}, &DecodeError{Field: "content_length", Reason: "declared length shorter than decoded payload"}
	}

	if signSlot >= 0 {
		signedRegion := buf[:HeaderSize+pos]
		if pos+sigTotalSize > len(payload) {
			return Message{}, &DecodeError{Field: "signature", Reason: "buffer truncated before signature bytes"}
		}
		sig := payload[pos : pos+sigTotalSize]
		pos += sigTotalSize

		if verifier != nil && len(m.PublicKey) > 0 {
			if verifier.Verify(m.PublicKey, signedRegion, sig) {
				patchInheritedKeys(&m, m.PublicKey)
			} else {
				m.PublicKey = nil
			}
		}
	}

	return m, nil
}

func patchInheritedKeys(m *Message, key []byte) {
	for k, d := range m.MapKeyData {
		if d.InheritMessageKey {
			d.PublicKey = key
			m.MapKeyData[k] = d
		}
	}
	for i := range m.MapPeerData {
		if m.MapPeerData[i].Data.InheritMessageKey {
			m.MapPeerData[i].Data.PublicKey = key
		}
	}
}

func decodeSlot(m *Message, ct Content, buf []byte) (int, error) {
	switch ct {
	case ContentEmpty, ContentReserved1, ContentReserved2, ContentReserved3:
		return 0, nil
	case ContentKey:
		if len(buf) < IDSize {
			return 0, &DecodeError{Field: "KEY", Reason: "truncated"}
		}
		copy(m.Key1[:], buf[:IDSize])
		return IDSize, nil
	case ContentKeyKey:
		if len(buf) < 2*IDSize {
			return 0, &DecodeError{Field: "KEY_KEY", Reason: "truncated"}
		}
		copy(m.Key1[:], buf[:IDSize])
		copy(m.Key2[:], buf[IDSize:2*IDSize])
		return 2 * IDSize, nil
	case ContentMapKeyData:
		if len(buf) < 4 {
			return 0, &DecodeError{Field: "MAP_KEY_DATA", Reason: "truncated before size"}
		}
		size := binary.BigEndian.Uint32(buf[:4])
		pos := 4
		result := make(map[Id160]Data, size)
		for i := uint32(0); i < size; i++ {
			if len(buf) < pos+IDSize {
				return 0, &DecodeError{Field: "MAP_KEY_DATA", Reason: "truncated entry id"}
			}
			var key Id160
			copy(key[:], buf[pos:pos+IDSize])
			pos += IDSize
			d, n, err := decodeData(buf[pos:])
			if err != nil {
				return 0, err
			}
			pos += n
			result[key] = d
		}
		m.MapKeyData = result
		return pos, nil
	case ContentMapKeyKey:
		if len(buf) < 4 {
			return 0, &DecodeError{Field: "MAP_KEY_KEY", Reason: "truncated before size"}
		}
		size := binary.BigEndian.Uint32(buf[:4])
		pos := 4
		result := make(map[Id160]Id160, size)
		for i := uint32(0); i < size; i++ {
			if len(buf) < pos+2*IDSize {
				return 0, &DecodeError{Field: "MAP_KEY_KEY", Reason: "truncated entry"}
			}
			var k, v Id160
			copy(k[:], buf[pos:pos+IDSize])
			copy(v[:], buf[pos+IDSize:pos+2*IDSize])
			pos += 2 * IDSize
			result[k] = v
		}
		m.MapKeyKey = result
		return pos, nil
	case ContentSetKeys:
		if len(buf) < 4 {
			return 0, &DecodeError{Field: "SET_KEYS", Reason: "truncated before size"}
		}
		size := binary.BigEndian.Uint32(buf[:4])
		pos := 4
		result := make([]Id160, 0, size)
		for i := uint32(0); i < size; i++ {
			if len(buf) < pos+IDSize {
				return 0, &DecodeError{Field: "SET_KEYS", Reason: "truncated entry"}
			}
			var k Id160
			copy(k[:], buf[pos:pos+IDSize])
			pos += IDSize
			result = append(result, k)
		}
		m.SetKeys = result
		return pos, nil
	case ContentSetNeighbors:
		if len(buf) < 1 {
			return 0, &DecodeError{Field: "SET_NEIGHBORS", Reason: "truncated before size"}
		}
		size := int(buf[0])
		pos := 1
		result := make([]PeerAddress, 0, size)
		for i := 0; i < size; i++ {
			addr, n, err := DecodePeerAddress(buf[pos:])
			if err != nil {
				return 0, err
			}
			pos += n
			result = append(result, addr)
		}
		m.SetNeighbors = result
		return pos, nil
	case ContentChannelBuffer:
		if len(buf) < 4 {
			return 0, &DecodeError{Field: "CHANNEL_BUFFER", Reason: "truncated before length"}
		}
		length := binary.BigEndian.Uint32(buf[:4])
		pos := 4
		if len(buf) < pos+int(length) {
			return 0, &DecodeError{Field: "CHANNEL_BUFFER", Reason: "truncated buffer"}
		}
		m.ChannelBuffer = append([]byte(nil), buf[pos:pos+int(length)]...)
		pos += int(length)
		return pos, nil
	case ContentLong:
		if len(buf) < 8 {
			return 0, &DecodeError{Field: "LONG", Reason: "truncated"}
		}
		m.Long = int64(binary.BigEndian.Uint64(buf[:8]))
		return 8, nil
	case ContentInteger:
		if len(buf) < 4 {
			return 0, &DecodeError{Field: "INTEGER", Reason: "truncated"}
		}
		m.Integer = int32(binary.BigEndian.Uint32(buf[:4]))
		return 4, nil
	case ContentMapPeerData:
		if len(buf) < 1 {
			return 0, &DecodeError{Field: "MAP_PEER_DATA", Reason: "truncated before size"}
		}
		size := int(buf[0])
		pos := 1
		result := make([]PeerDataEntry, 0, size)
		for i := 0; i < size; i++ {
			addr, n, err := DecodePeerAddress(buf[pos:])
			if err != nil {
				return 0, err
			}
			pos += n
			d, n2, err := decodeData(buf[pos:])
			if err != nil {
				return 0, err
			}
			pos += n2
			result = append(result, PeerDataEntry{Peer: addr, Data: d})
		}
		m.MapPeerData = result
		return pos, nil
	case ContentPublicKey, ContentPublicKeySignature:
		if len(buf) < 2 {
			return 0, &DecodeError{Field: "PUBLIC_KEY", Reason: "truncated before length"}
		}
		length := binary.BigEndian.Uint16(buf[:2])
		pos := 2
		if len(buf) < pos+int(length) {
			return 0, &DecodeError{Field: "PUBLIC_KEY", Reason: "truncated key bytes"}
		}
		m.PublicKey = append([]byte(nil), buf[pos:pos+int(length)]...)
		pos += int(length)
		return pos, nil
	default:
		return 0, &DecodeError{Field: "content_type", Reason: "unknown content variant"}
	}
}
