// Package dns implements the DNS classifier from spec.md §4.6: UDP port
// 53 query parsing, qname escaping, hosts-set population. Grounded on
// original_source/capture/dns.c's qname-label walk and escaping rules.
// DNS is classify-only (no stateful parser is attached): a single UDP
// datagram carries the whole query, so spec.md §4.4 step 5 ("For UDP,
// invoke content classification directly") is sufficient.
package dns

import (
	"strings"

	"github.com/netcapd/netcapd/classify"
	"github.com/netcapd/netcapd/field"
	"github.com/netcapd/netcapd/session"
)

var fHost = field.Register("host", field.StrGHash, field.ForceUTF8)

const dnsPort = 53

// Classify is called by ingress for UDP traffic on port 53 (spec.md
// §4.4 step 5); it is not registered into classify.Default() since DNS
// classification is keyed on port rather than a byte pattern at offset
// 0, unlike the TCP classifiers.
func Classify(s *session.Session, dir classify.Direction, data []byte) bool {
	if len(data) < 12 {
		return false
	}
	flags := data[2]
	if flags&0x80 != 0 { // high bit set: this is a response, not a query
		return false
	}
	qdcount := int(data[4])<<8 | int(data[5])
	if qdcount == 0 || qdcount > 10 {
		return false
	}

	off := 12
	for i := 0; i < qdcount; i++ {
		name, next, ok := readQName(data, off)
		if !ok {
			return false
		}
		off = next
		if off+4 > len(data) {
			return false
		}
		off += 4 // qtype + qclass
		if name != "" {
			s.Fields.AddString(fHost, name)
		}
	}
	s.AddTag("protocol:dns")
	return true
}

// readQName decodes one length-prefixed label sequence starting at off,
// escaping non-printable bytes per spec.md §4.6: "\M- prefix for
// high-bit, ^+xor for control". It does not follow compression pointers
// since spec.md only specifies "standard length-prefix encoding" for
// this classifier's purposes.
func readQName(data []byte, off int) (string, int, bool) {
	var sb strings.Builder
	for {
		if off >= len(data) {
			return "", 0, false
		}
		l := int(data[off])
		off++
		if l == 0 {
			break
		}
		if l&0xc0 == 0xc0 { // compression pointer: not walked, treat as end
			off++
			break
		}
		if off+l > len(data) {
			return "", 0, false
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		for _, b := range data[off : off+l] {
			escapeByte(&sb, b)
		}
		off += l
	}
	return sb.String(), off, true
}

func escapeByte(sb *strings.Builder, b byte) {
	switch {
	case b >= 0x80:
		sb.WriteString("\\M-")
		sb.WriteByte(b &^ 0x80)
	case b < 0x20 || b == 0x7f:
		sb.WriteByte('^')
		sb.WriteByte(b ^ 0x40)
	default:
		sb.WriteByte(b)
	}
}
