package tagger

import (
	"net"
	"testing"
	"time"

	"github.com/netcapd/netcapd/field"
	"github.com/netcapd/netcapd/session"
)

func TestParseKindResolvesAllThreePrefixes(t *testing.T) {
	cases := map[byte]TokenKind{'i': KindIP, 'h': KindHostname, 'm': KindMD5}
	for prefix, want := range cases {
		got, ok := ParseKind(prefix)
		if !ok || got != want {
			t.Fatalf("prefix %q: expected %v, ok=true, got %v, ok=%v", prefix, want, got, ok)
		}
	}
	if _, ok := ParseKind('x'); ok {
		t.Fatalf("unknown prefix must fail closed")
	}
}

func TestMatchHostnameLongestSuffix(t *testing.T) {
	f := NewFile("t1")
	f.Load([]Entry{
		{Kind: KindHostname, Token: "example.com", Tag: "tag-example"},
		{Kind: KindHostname, Token: "api.example.com", Tag: "tag-api"},
	})

	if tag, ok := f.MatchHostname("www.api.example.com"); !ok || tag != "tag-api" {
		t.Fatalf("expected most-specific match tag-api, got %q, %v", tag, ok)
	}
	if tag, ok := f.MatchHostname("mail.example.com"); !ok || tag != "tag-example" {
		t.Fatalf("expected fallback match tag-example, got %q, %v", tag, ok)
	}
	if _, ok := f.MatchHostname("other.org"); ok {
		t.Fatalf("unrelated hostname must not match")
	}
}

func TestMatchMD5ExactOnly(t *testing.T) {
	f := NewFile("t2")
	f.Load([]Entry{{Kind: KindMD5, Token: "ABCDEF0123456789", Tag: "tag-md5"}})

	if tag, ok := f.MatchMD5("abcdef0123456789"); !ok || tag != "tag-md5" {
		t.Fatalf("expected case-insensitive exact match, got %q, %v", tag, ok)
	}
	if _, ok := f.MatchMD5("abcdef012345678"); ok {
		t.Fatalf("a partial hash must not match")
	}
}

func TestMatchIPCIDRContainment(t *testing.T) {
	f := NewFile("t3")
	f.Load([]Entry{
		{Kind: KindIP, Token: "10.0.0.0/24", Tag: "tag-subnet"},
		{Kind: KindIP, Token: "192.168.1.5", Tag: "tag-host"},
	})

	if tag, ok := f.MatchIP(net.ParseIP("10.0.0.42")); !ok || tag != "tag-subnet" {
		t.Fatalf("expected subnet match, got %q, %v", tag, ok)
	}
	if tag, ok := f.MatchIP(net.ParseIP("192.168.1.5")); !ok || tag != "tag-host" {
		t.Fatalf("expected bare-host CIDR /32 match, got %q, %v", tag, ok)
	}
	if _, ok := f.MatchIP(net.ParseIP("172.16.0.1")); ok {
		t.Fatalf("unrelated address must not match")
	}
}

func TestApplyToSessionTagsAndTracksOutstanding(t *testing.T) {
	hostField := field.Register("tagger.test.host", field.StrGHash, field.ForceUTF8)
	ipField := field.Register("tagger.test.ip", field.IPGHash, 0)
	md5Field := field.Register("tagger.test.md5", field.StrGHash, 0)

	f := NewFile("t4")
	f.Load([]Entry{
		{Kind: KindHostname, Token: "evil.example", Tag: "known-bad-host"},
		{Kind: KindIP, Token: "10.0.0.0/8", Tag: "known-bad-net"},
	})

	a := net.ParseIP("10.0.0.1")
	b := net.ParseIP("10.0.0.2")
	id := session.NewID(6, a, 1111, b, 80)
	s := session.New(id, session.ProtoTCP, 6, a, 1111, b, 80, time.Now())

	s.Fields.AddString(hostField, "www.evil.example")
	s.Fields.AddIP(ipField, net.ParseIP("10.1.2.3"))

	if s.OutstandingTags != 0 {
		t.Fatalf("expected outstandingTags to start at 0")
	}
	ApplyToSession(s, f, hostField, ipField, md5Field)

	if s.OutstandingTags != 0 {
		t.Fatalf("expected outstandingTags to return to 0 once resolution completes synchronously, got %d", s.OutstandingTags)
	}
	if !s.HasTag("known-bad-host") {
		t.Fatalf("expected hostname match to tag the session")
	}
	if !s.HasTag("known-bad-net") {
		t.Fatalf("expected ip match to tag the session")
	}
}
