// Package session implements the session table (spec.md §4.1, C4): a
// sharded chained hash of active Session objects keyed by a canonical
// 13/37-byte session-id, with one LRU queue per protocol for timeout-driven
// expiry. The intrusive list primitive (C1) lives in the session/list
// subpackage and the session-id hash is ID.Hash below; this package wires
// them around the Session type.
package session

import (
	"bytes"
	"encoding/binary"
	"net"
)

// Protocol enumerates the four aggregate session classes spec.md §3 names.
type Protocol uint8

const (
	ProtoICMP Protocol = iota
	ProtoUDP
	ProtoTCP
	ProtoOther
)

func (p Protocol) String() string {
	switch p {
	case ProtoICMP:
		return "icmp"
	case ProtoUDP:
		return "udp"
	case ProtoTCP:
		return "tcp"
	}
	return "other"
}

// ID is the canonical session-id from spec.md §3: one byte of IP protocol
// followed by the ordered endpoint pair (lower-address, port-lo,
// higher-address, port-hi), collapsing connection direction. IPv4-mapped
// IPv6 addresses are stored in 4-byte form so that a v4 and a v4-in-v6
// representation of the same flow collide, matching spec.md's "IPv4-mapped
// stored as 4-byte form" note.
//
// Two key lengths are produced depending on address family:
//   - 13 bytes for IPv4: proto(1) + addrLo(4) + portLo(2) + addrHi(4) + portHi(2)
//   - 37 bytes for IPv6: proto(1) + addrLo(16) + portLo(2) + addrHi(16) + portHi(2)
type ID struct {
	b []byte
}

// NewID builds the canonical session-id for an unordered endpoint pair.
// ipProto is the raw IP protocol number (not Protocol, which is the
// coarser ICMP/UDP/TCP/OTHER classification derived from it). For ICMP,
// port1 and port2 must be zero per spec.md §3.
func NewID(ipProto uint8, ip1 net.IP, port1 uint16, ip2 net.IP, port2 uint16) ID {
	a1 := canonicalAddr(ip1)
	a2 := canonicalAddr(ip2)

	lo, loPort, hi, hiPort := a1, port1, a2, port2
	if cmp := bytes.Compare(a1, a2); cmp > 0 || (cmp == 0 && port1 > port2) {
		lo, loPort, hi, hiPort = a2, port2, a1, port1
	}

	b := make([]byte, 1+len(lo)+2+len(hi)+2)
	b[0] = ipProto
	off := 1
	off += copy(b[off:], lo)
	binary.BigEndian.PutUint16(b[off:], loPort)
	off += 2
	off += copy(b[off:], hi)
	binary.BigEndian.PutUint16(b[off:], hiPort)
	return ID{b: b}
}

// canonicalAddr returns the 4-byte form for any address with an IPv4
// mapping, else the 16-byte form.
func canonicalAddr(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	if v6 := ip.To16(); v6 != nil {
		return v6
	}
	return make([]byte, 4)
}

// ISISAggregateID returns the constant session-id all ISIS frames share,
// per spec.md §4.4/§4.6: ethertype 0x83, byte {1, 0x83}.
func ISISAggregateID() ID {
	return ID{b: []byte{1, 0x83}}
}

func (id ID) Bytes() []byte { return id.b }

func (id ID) Equal(o ID) bool { return bytes.Equal(id.b, o.b) }

func (id ID) IPProto() uint8 {
	if len(id.b) == 0 {
		return 0
	}
	return id.b[0]
}

// IsIPv6 reports whether this id was built from 16-byte addresses.
func (id ID) IsIPv6() bool { return len(id.b) == 37 }

// Hash folds four well-chosen bytes of the session-id into a 32-bit
// bucket selector, per spec.md §4.1: "XOR-folding four well-chosen bytes
// of the session-id (positions 4, 6, 10, 12)" for the 13-byte IPv4 form,
// chosen to place one byte of each IP and one byte of each port into the
// hash. spec.md is silent on the IPv6 (37-byte) case; original_source's
// moloch_nids_session_hash only ever saw 13-byte IPv4 keys, so for IPv6
// we generalize the same intent (last byte of each address, each port)
// rather than guess at an undocumented layout — see DESIGN.md.
func (id ID) Hash() uint32 {
	b := id.b
	if len(b) == 13 {
		return uint32(b[4])<<24 | uint32(b[6])<<16 | uint32(b[10])<<8 | uint32(b[12])
	}
	if len(b) == 37 {
		// addrLo occupies b[1:17], portLo b[17:19], addrHi b[19:35], portHi b[35:37]
		return uint32(b[16])<<24 | uint32(b[18])<<16 | uint32(b[34])<<8 | uint32(b[36])
	}
	if len(b) == 2 {
		// ISIS aggregate id
		return uint32(b[0])<<8 | uint32(b[1])
	}
	return 0
}
