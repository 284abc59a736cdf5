package protocol

import (
	"bytes"
	"net"
	"testing"
)

func baseMessage() Message {
	var sender, recipient Id160
	for i := range recipient {
		recipient[i] = 0xff
	}
	return Message{
		Version:   0x01020304,
		ID:        0x05060708,
		Command:   CommandPing,
		Type:      TypeRequest1,
		Sender:    NewPeerAddress(sender, net.ParseIP("127.0.0.1"), 7070, 7070, 0, nil),
		Recipient: PeerAddress{ID: recipient},
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	m := baseMessage()
	buf, err := Encode(m, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(buf) != HeaderSize {
		t.Fatalf("expected 64 bytes for an all-EMPTY message, got %d", len(buf))
	}
	if !bytes.Equal(buf[0:4], []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Fatalf("version bytes wrong: % x", buf[0:4])
	}
	if buf[8] != 0x00 {
		t.Fatalf("expected byte 8 = 0x00 (command=PING, type=REQUEST_1), got %#x", buf[8])
	}
	if !bytes.Equal(buf[60:64], []byte{0, 0, 0, 0}) {
		t.Fatalf("expected zero sender IP bytes for non-forwarded sender, got % x", buf[60:64])
	}

	decoded, err := Decode(buf, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Version != m.Version || decoded.ID != m.ID {
		t.Fatalf("round-trip mismatch: %+v vs %+v", decoded, m)
	}
	if decoded.Command != CommandPing || decoded.Type != TypeRequest1 {
		t.Fatalf("command/type mismatch: %v/%v", decoded.Command, decoded.Type)
	}
}

func TestSetNeighborsOverflow(t *testing.T) {
	m := baseMessage()
	m.ContentTypes[0] = ContentSetNeighbors
	neighbors := make([]PeerAddress, 300)
	for i := range neighbors {
		var id Id160
		id[0] = byte(i)
		id[1] = byte(i >> 8)
		neighbors[i] = NewPeerAddress(id, net.ParseIP("10.0.0.1"), 1000, 1000, 0, nil)
	}
	m.SetNeighbors = neighbors

	buf, err := Encode(m, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if buf[HeaderSize] != 255 {
		t.Fatalf("expected first payload byte 255, got %d", buf[HeaderSize])
	}

	decoded, err := Decode(buf, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.SetNeighbors) != 255 {
		t.Fatalf("expected exactly 255 decoded neighbors, got %d", len(decoded.SetNeighbors))
	}
}

func TestPublicKeySignatureVerifyAndTamper(t *testing.T) {
	priv, err := GenerateKey(&fixedRandom{seed: 1})
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubDER, err := MarshalDSAPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}

	m := baseMessage()
	m.ContentTypes[0] = ContentInteger
	m.Integer = 42
	m.ContentTypes[1] = ContentPublicKeySignature
	m.PublicKey = pubDER
	m.Sign = true

	signer := &DSAKeyPair{Private: priv}
	buf, err := Encode(m, signer)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	verifier := DSAVerifier{}
	decoded, err := Decode(buf, verifier)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.PublicKey) == 0 {
		t.Fatalf("expected public key to be set after successful verification")
	}
	if decoded.Integer != 42 {
		t.Fatalf("expected decoded INTEGER 42, got %d", decoded.Integer)
	}

	// Flip a single payload byte and confirm verification now fails.
	tampered := make([]byte, len(buf))
	copy(tampered, buf)
	tampered[HeaderSize] ^= 0x01
	decodedTampered, err := Decode(tampered, verifier)
	if err != nil {
		t.Fatalf("decode tampered: %v", err)
	}
	if len(decodedTampered.PublicKey) != 0 {
		t.Fatalf("expected public key to remain unset after tampering")
	}
}

func TestContentLengthIncludesSignatureBytes(t *testing.T) {
	priv, err := GenerateKey(&fixedRandom{seed: 2})
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubDER, err := MarshalDSAPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}

	m := baseMessage()
	m.ContentTypes[0] = ContentPublicKeySignature
	m.PublicKey = pubDER
	m.Sign = true

	buf, err := Encode(m, &DSAKeyPair{Private: priv})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	declared := uint32(buf[53])<<24 | uint32(buf[54])<<16 | uint32(buf[55])<<8 | uint32(buf[56])
	actualPayload := len(buf) - HeaderSize
	if int(declared) != actualPayload {
		t.Fatalf("content_length %d does not match actual payload bytes %d", declared, actualPayload)
	}
}

// fixedRandom is a deterministic io.Reader so key generation in tests is
// reproducible without depending on system entropy.
type fixedRandom struct {
	seed byte
	pos  uint32
}

func (r *fixedRandom) Read(p []byte) (int, error) {
	for i := range p {
		r.pos = r.pos*1664525 + 1013904223 + uint32(r.seed)
		p[i] = byte(r.pos >> 24)
	}
	return len(p), nil
}
