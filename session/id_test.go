package session

import (
	"net"
	"testing"
)

func TestNewIDDirectionInvariant(t *testing.T) {
	a := net.ParseIP("10.0.0.1")
	b := net.ParseIP("10.0.0.2")

	id1 := NewID(6, a, 1234, b, 80)
	id2 := NewID(6, b, 80, a, 1234)

	if !id1.Equal(id2) {
		t.Fatalf("session-id must collapse direction: %x vs %x", id1.Bytes(), id2.Bytes())
	}
	if len(id1.Bytes()) != 13 {
		t.Fatalf("IPv4 session-id must be 13 bytes, got %d", len(id1.Bytes()))
	}
}

func TestNewIDIPv4MappedCollapse(t *testing.T) {
	v4 := net.ParseIP("192.168.1.1")
	v4in6 := net.ParseIP("192.168.1.1").To16()

	id1 := NewID(17, v4, 53, net.ParseIP("8.8.8.8"), 5353)
	id2 := NewID(17, v4in6, 53, net.ParseIP("8.8.8.8"), 5353)

	if !id1.Equal(id2) {
		t.Fatalf("IPv4-mapped IPv6 address must collapse to the 4-byte form")
	}
}

func TestNewIDIPv6Length(t *testing.T) {
	a := net.ParseIP("2001:db8::1")
	b := net.ParseIP("2001:db8::2")
	id := NewID(6, a, 443, b, 51234)
	if !id.IsIPv6() {
		t.Fatalf("expected IPv6 id")
	}
	if len(id.Bytes()) != 37 {
		t.Fatalf("IPv6 session-id must be 37 bytes, got %d", len(id.Bytes()))
	}
}

func TestHashDeterministic(t *testing.T) {
	a := net.ParseIP("10.0.0.1")
	b := net.ParseIP("10.0.0.2")
	id := NewID(6, a, 1234, b, 80)
	if id.Hash() != id.Hash() {
		t.Fatalf("Hash must be deterministic")
	}

	id2 := NewID(6, b, 80, a, 1234)
	if id.Hash() != id2.Hash() {
		t.Fatalf("Hash must agree for both directions of the same flow")
	}
}

func TestISISAggregateIDConstant(t *testing.T) {
	id1 := ISISAggregateID()
	id2 := ISISAggregateID()
	if !id1.Equal(id2) {
		t.Fatalf("ISISAggregateID must be constant across calls")
	}
}
