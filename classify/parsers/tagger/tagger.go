// Package tagger resolves tag-file entries (hostname, IP/CIDR, or MD5
// tokens) against session field values, supplementing the indexer's
// /tagger/_search and /tagger/file/<id> responses (spec.md §6) with the
// matching logic those files drive. Grounded on
// original_source/capture/tagger.c, whose type-prefix dispatch spec.md
// §9 flags as ambiguous: "in one branch file->type[0] == 'i' is tested
// twice where the second should clearly test 'h'." This package follows
// spec.md's instruction to "treat the type prefix letter as a
// first-class enum" rather than reproduce the ambiguous branch.
package tagger

import (
	"net"
	"strings"

	"github.com/netcapd/netcapd/field"
	"github.com/netcapd/netcapd/session"
	"github.com/netcapd/netcapd/trie"
)

// TokenKind disambiguates a tag-file's entries, replacing the original's
// overloaded 'i'/'h'/'m' type-prefix byte.
type TokenKind int

const (
	KindIP TokenKind = iota
	KindHostname
	KindMD5
)

// ParseKind maps a tag-file's single-byte type prefix to a TokenKind,
// failing closed (ok=false) on anything but 'i', 'h', 'm'.
func ParseKind(prefix byte) (TokenKind, bool) {
	switch prefix {
	case 'i':
		return KindIP, true
	case 'h':
		return KindHostname, true
	case 'm':
		return KindMD5, true
	}
	return 0, false
}

// Entry is one tag-file row: a token of the given kind mapped to a tag
// name.
type Entry struct {
	Kind  TokenKind
	Token string
	Tag   string
}

var fTagsApplied = field.Register("tagger.tags", field.StrGHash, 0)

// File is a loaded, indexed tag-file: hostnames and MD5s go in a
// lookup trie (longest-suffix match for hostnames so subdomains match
// their registered parent), IPs/CIDRs in a parsed net.IPNet list since
// the trie is byte-indexed and CIDR containment isn't a prefix/suffix
// match.
type File struct {
	ID   string
	host *trie.Trie
	md5  *trie.Trie
	nets []taggedNet
}

type taggedNet struct {
	net *net.IPNet
	tag string
}

func NewFile(id string) *File {
	return &File{ID: id, host: trie.New(), md5: trie.New()}
}

// Load indexes a set of entries, skipping ones whose token can't be
// parsed for their declared kind (malformed input: spec.md §7 "log,
// discard the offending unit, continue").
func (f *File) Load(entries []Entry) {
	for _, e := range entries {
		switch e.Kind {
		case KindHostname:
			f.host.AddReverse([]byte(strings.ToLower(e.Token)), e.Tag)
		case KindMD5:
			f.md5.AddForward([]byte(strings.ToLower(e.Token)), e.Tag)
		case KindIP:
			cidr := e.Token
			if !strings.Contains(cidr, "/") {
				if strings.Contains(cidr, ".") {
					cidr += "/32"
				} else {
					cidr += "/128"
				}
			}
			if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
				f.nets = append(f.nets, taggedNet{net: ipnet, tag: e.Tag})
			}
		}
	}
}

// MatchHostname returns the tag for the longest-suffix-matching
// registered hostname, if any.
func (f *File) MatchHostname(host string) (string, bool) {
	v, ok := f.host.BestReverse([]byte(strings.ToLower(host)))
	if !ok {
		return "", false
	}
	return v.(string), true
}

// MatchMD5 returns the tag for an exact MD5 hex-string match.
func (f *File) MatchMD5(sum string) (string, bool) {
	v, ok := f.md5.GetForward([]byte(strings.ToLower(sum)))
	if !ok {
		return "", false
	}
	return v.(string), true
}

// MatchIP returns the tag for the first CIDR containing ip.
func (f *File) MatchIP(ip net.IP) (string, bool) {
	for _, n := range f.nets {
		if n.net.Contains(ip) {
			return n.tag, true
		}
	}
	return "", false
}

// ApplyToSession resolves every registered hostname/ip/md5 field value
// currently present in s.Fields against f, tagging the session and
// incrementing/decrementing its outstanding-tags counter the way
// spec.md §4.10's async tag-resolution callback does.
func ApplyToSession(s *session.Session, f *File, hostField, ipField, md5Field *field.Def) {
	s.IncOutstandingTags()
	defer func() {
		if s.DecOutstandingTags() {
			// a deferred final-save would run here once orchestrate wires
			// the outstanding-tags-reached-zero hook; resolution happens
			// synchronously in this implementation so there's nothing
			// further to do.
		}
	}()

	for _, h := range s.Fields.Strings(hostField) {
		if tag, ok := f.MatchHostname(h); ok {
			s.AddTag(tag)
			s.Fields.AddString(fTagsApplied, tag)
		}
	}
	for _, ip := range s.Fields.IPs(ipField) {
		if tag, ok := f.MatchIP(ip); ok {
			s.AddTag(tag)
			s.Fields.AddString(fTagsApplied, tag)
		}
	}
	for _, sum := range s.Fields.Strings(md5Field) {
		if tag, ok := f.MatchMD5(sum); ok {
			s.AddTag(tag)
			s.Fields.AddString(fTagsApplied, tag)
		}
	}
}
