/*
File Name:  Message.go

Message is the in-memory envelope: header fields plus up to four typed
payload slots and an optional DSA-SHA1 signature.
*/

package protocol

import "net"

// Command is the 4-bit operation code carried in the header's combined
// type/command byte. PING is ordinal 0, per the header round-trip scenario.
// The remaining ordinals are filled with operations plausible for this kind
// of overlay; the distilled spec names only a handful explicitly.
type Command uint8

const (
	CommandPing Command = iota
	CommandPut
	CommandGet
	CommandAdd
	CommandRemove
	CommandNeighbors
	CommandBroadcast
	CommandDirect
	CommandTrackerAdd
	CommandTrackerGet
	CommandSync
	CommandDigest
	CommandRCon
	CommandQuit
	CommandReserved1
	CommandReserved2
)

func (c Command) String() string {
	names := [16]string{
		"PING", "PUT", "GET", "ADD", "REMOVE", "NEIGHBORS", "BROADCAST", "DIRECT",
		"TRACKER_ADD", "TRACKER_GET", "SYNC", "DIGEST", "RCON", "QUIT", "RESERVED1", "RESERVED2",
	}
	if int(c) < len(names) {
		return names[c]
	}
	return "UNKNOWN_COMMAND"
}

// Type is the 4-bit message kind carried in the header's combined
// type/command byte. REQUEST_1 is ordinal 0, per the header round-trip
// scenario. TypeUnknown and TypeException are the dispatcher's synthetic
// replies for an unregistered handler and a check_message rejection.
type Type uint8

const (
	TypeRequest1 Type = iota
	TypeRequest2
	TypeRequest3
	TypeRequest4
	TypeOK
	TypeNotFound
	TypeDenied
	TypeUnknown
	TypeException
	TypeCancel
	TypeTimeout
	TypePartiallyOK
	TypeReserved1
	TypeReserved2
	TypeReserved3
	TypeReserved4
)

func (t Type) String() string {
	names := [16]string{
		"REQUEST_1", "REQUEST_2", "REQUEST_3", "REQUEST_4", "OK", "NOT_FOUND", "DENIED",
		"UNKNOWN", "EXCEPTION", "CANCEL", "TIMEOUT", "PARTIALLY_OK",
		"RESERVED1", "RESERVED2", "RESERVED3", "RESERVED4",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return "UNKNOWN_TYPE"
}

// PeerDataEntry pairs a PeerAddress with a Data atom, used for MAP_PEER_DATA.
// PeerAddress holds a net.IP and a relay-socket slice, both non-comparable,
// so MAP_PEER_DATA is represented as a slice of pairs rather than a Go map
// (MAP_KEY_DATA and MAP_KEY_KEY use real maps since Id160 is comparable).
type PeerDataEntry struct {
	Peer PeerAddress
	Data Data
}

// Message is the full in-memory envelope described in the data model.
// Each non-EMPTY slot in ContentTypes is carried by the payload field(s)
// below that belong to its Content kind (KEY_KEY uses both Key1 and Key2);
// fields of kinds not named in ContentTypes are never written.
type Message struct {
	Version   uint32
	ID        uint32
	Command   Command
	Type      Type
	Sender    PeerAddress
	Recipient PeerAddress // only Recipient.ID is carried on the wire

	ContentTypes [4]Content

	Key1, Key2       Id160
	MapKeyData       map[Id160]Data
	MapKeyKey        map[Id160]Id160
	SetKeys          []Id160
	SetNeighbors     []PeerAddress
	ChannelBuffer    []byte
	Long             int64
	Integer          int32
	MapPeerData      []PeerDataEntry
	PublicKey        []byte // X.509 SubjectPublicKeyInfo, DSA
	Sign             bool   // request signing on encode (PUBLIC_KEY_SIGNATURE slot)

	// SenderObservedIP is the address the transport socket actually saw the
	// datagram/connection arrive from. It is never part of the wire format;
	// the transport layer fills it in after Decode via ResolveSenderIP so
	// NAT can be detected by comparing it against Sender.IP.
	SenderObservedIP net.IP
}

// ResolveSenderIP records the socket-observed address. The header only ever
// carries Sender.IP when FlagForwarded is set (relayed traffic); in the
// ordinary case the wire carries no sender IP at all, so the transport layer
// must supply it out of band to keep Decode pure and synchronous.
func (m *Message) ResolveSenderIP(observed net.IP) {
	m.SenderObservedIP = observed
	if !m.Sender.IsForwarded() {
		m.Sender.IP = observed
	}
}
