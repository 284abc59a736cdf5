/*
File Name:  Peer Address.go

PeerAddress is a node identity plus all transport coordinates needed to
reach it: IP, TCP/UDP ports, NAT flags, and up to MAX_RELAYS relay socket
endpoints. It is immutable -- every "changing" method below returns a new
value.
*/

package protocol

import (
	"encoding/binary"
	"errors"
	"net"
)

// MaxRelays bounds the relay socket list carried in a PeerAddress.
const MaxRelays = 8

// Address flag bits, packed into the single flags byte of the wire format.
const (
	FlagBehindFirewallTCP = 1 << iota
	FlagBehindFirewallUDP
	FlagRelayed
	FlagSlow
	FlagIPv6
	FlagForwarded
)

// PeerSocketAddress is one relay endpoint advertised inside a PeerAddress.
type PeerSocketAddress struct {
	IP      net.IP
	TCPPort uint16
	UDPPort uint16
}

// PeerAddress is the (id, transport coordinates) tuple described in the data
// model. Construct via NewPeerAddress; treat all fields as read-only once
// built, mirroring the "changes return a new value" invariant.
type PeerAddress struct {
	ID           Id160
	IP           net.IP
	TCPPort      uint16
	UDPPort      uint16
	Flags        uint8
	RelaySockets []PeerSocketAddress
}

// NewPeerAddress builds a PeerAddress, truncating RelaySockets to MaxRelays
// and setting FlagIPv6 from the IP family. All other flags, including
// FlagRelayed and FlagSlow, are taken from flags as given (WithRelays is the
// method that sets FlagRelayed from the relay list).
func NewPeerAddress(id Id160, ip net.IP, tcpPort, udpPort uint16, flags uint8, relays []PeerSocketAddress) PeerAddress {
	if len(relays) > MaxRelays {
		relays = relays[:MaxRelays]
	}
	if isIPv6(ip) {
		flags |= FlagIPv6
	} else {
		flags &^= FlagIPv6
	}
	out := make([]PeerSocketAddress, len(relays))
	copy(out, relays)
	return PeerAddress{ID: id, IP: ip, TCPPort: tcpPort, UDPPort: udpPort, Flags: flags, RelaySockets: out}
}

// WithIP returns a copy of the address with a different IP (and FlagIPv6 set
// accordingly). The original is left untouched.
func (a PeerAddress) WithIP(ip net.IP) PeerAddress {
	a.IP = ip
	if isIPv6(ip) {
		a.Flags |= FlagIPv6
	} else {
		a.Flags &^= FlagIPv6
	}
	return a
}

// WithFlags returns a copy of the address with the flags byte replaced.
func (a PeerAddress) WithFlags(flags uint8) PeerAddress {
	a.Flags = flags
	return a
}

// WithRelays returns a copy of the address with a new relay socket list,
// capped at MaxRelays, and FlagRelayed set to reflect whether any remain.
func (a PeerAddress) WithRelays(relays []PeerSocketAddress) PeerAddress {
	if len(relays) > MaxRelays {
		relays = relays[:MaxRelays]
	}
	out := make([]PeerSocketAddress, len(relays))
	copy(out, relays)
	a.RelaySockets = out
	if len(out) > 0 {
		a.Flags |= FlagRelayed
	} else {
		a.Flags &^= FlagRelayed
	}
	return a
}

func (a PeerAddress) IsIPv6() bool             { return a.Flags&FlagIPv6 != 0 }
func (a PeerAddress) IsFirewalledTCP() bool    { return a.Flags&FlagBehindFirewallTCP != 0 }
func (a PeerAddress) IsFirewalledUDP() bool    { return a.Flags&FlagBehindFirewallUDP != 0 }
func (a PeerAddress) IsRelayed() bool          { return a.Flags&FlagRelayed != 0 }
func (a PeerAddress) IsSlow() bool             { return a.Flags&FlagSlow != 0 }
func (a PeerAddress) IsForwarded() bool        { return a.Flags&FlagForwarded != 0 }

func isIPv6(ip net.IP) bool {
	return ip != nil && ip.To4() == nil
}

func ipBytes(ip net.IP, ipv6 bool) []byte {
	if ipv6 {
		if v6 := ip.To16(); v6 != nil {
			return v6
		}
		return make([]byte, 16)
	}
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return make([]byte, 4)
}

// EncodedSize returns the exact number of bytes Encode will produce: the
// 20+2+2+1+(4 or 16) byte base, plus one length byte and (4|16)+2+2 bytes
// per relay socket.
func (a PeerAddress) EncodedSize() int {
	ipLen := 4
	if a.IsIPv6() {
		ipLen = 16
	}
	size := IDSize + 2 + 2 + 1 + ipLen
	size += 1 + len(a.RelaySockets)*(ipLen+2+2)
	return size
}

// Encode appends the full wire representation of the address (used inside
// SET_NEIGHBORS and MAP_PEER_DATA payload slots; the Message header instead
// writes only the reduced sender fields described in the codec).
func (a PeerAddress) Encode(buf []byte) []byte {
	ipv6 := a.IsIPv6()
	buf = append(buf, a.ID[:]...)
	buf = append(buf, a.Flags)
	buf = append(buf, ipBytes(a.IP, ipv6)...)
	buf = appendUint16(buf, a.TCPPort)
	buf = appendUint16(buf, a.UDPPort)

	relays := a.RelaySockets
	if len(relays) > MaxRelays {
		relays = relays[:MaxRelays]
	}
	buf = append(buf, byte(len(relays)))
	for _, r := range relays {
		buf = append(buf, ipBytes(r.IP, ipv6)...)
		buf = appendUint16(buf, r.TCPPort)
		buf = appendUint16(buf, r.UDPPort)
	}
	return buf
}

// DecodePeerAddress reads one address written by Encode, returning the
// number of bytes consumed.
func DecodePeerAddress(buf []byte) (addr PeerAddress, n int, err error) {
	if len(buf) < IDSize+1 {
		return PeerAddress{}, 0, errors.New("protocol: peer address truncated before flags")
	}
	var id Id160
	copy(id[:], buf[:IDSize])
	pos := IDSize

	flags := buf[pos]
	pos++

	ipLen := 4
	if flags&FlagIPv6 != 0 {
		ipLen = 16
	}
	if len(buf) < pos+ipLen+4 {
		return PeerAddress{}, 0, errors.New("protocol: peer address truncated before ip/ports")
	}
	ip := make(net.IP, ipLen)
	copy(ip, buf[pos:pos+ipLen])
	pos += ipLen

	tcpPort := binary.BigEndian.Uint16(buf[pos : pos+2])
	pos += 2
	udpPort := binary.BigEndian.Uint16(buf[pos : pos+2])
	pos += 2

	if len(buf) < pos+1 {
		return PeerAddress{}, 0, errors.New("protocol: peer address truncated before relay count")
	}
	relayCount := int(buf[pos])
	pos++
	if relayCount > MaxRelays {
		return PeerAddress{}, 0, errors.New("protocol: peer address relay count exceeds MaxRelays")
	}

	relaySize := ipLen + 4
	if len(buf) < pos+relayCount*relaySize {
		return PeerAddress{}, 0, errors.New("protocol: peer address truncated in relay list")
	}
	relays := make([]PeerSocketAddress, relayCount)
	for i := 0; i < relayCount; i++ {
		rip := make(net.IP, ipLen)
		copy(rip, buf[pos:pos+ipLen])
		pos += ipLen
		rtcp := binary.BigEndian.Uint16(buf[pos : pos+2])
		pos += 2
		rudp := binary.BigEndian.Uint16(buf[pos : pos+2])
		pos += 2
		relays[i] = PeerSocketAddress{IP: rip, TCPPort: rtcp, UDPPort: rudp}
	}

	return PeerAddress{ID: id, IP: ip, TCPPort: tcpPort, UDPPort: udpPort, Flags: flags, RelaySockets: relays}, pos, nil
}

func appendUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}
