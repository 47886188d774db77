// Package tls implements the TLS certificate sweep classifier from
// spec.md §4.6: walk SSL/TLS records, find Certificate handshake
// messages, and ASN.1-DER parse each certificate's issuer/subject/SAN.
// Grounded on original_source/capture/tls.c's record/handshake walk, and
// on marmos91-dittofs and nishisan-dev-n-backup for the Go idiom of
// parsing X.509 directly off crypto/x509 + encoding/asn1 rather than a
// third-party ASN.1 library (neither is present anywhere in the pack).
package tls

import (
	"crypto/x509"
	"strings"

	"github.com/netcapd/netcapd/classify"
	"github.com/netcapd/netcapd/field"
	"github.com/netcapd/netcapd/session"
)

var fCerts = field.Register("certs", field.CertsInfo, 0)

func init() {
	classify.Default().Register(&classify.Classifier{
		Name:      "tls-record",
		Transport: classify.TCP,
		Offset:    0,
		Match:     []byte{0x16, 0x03},
		Callback:  classifyTLS,
	})
}

// classifyTLS tags the session and attaches a sweep parser the first
// time either direction presents a plausible TLS record header. The
// classifier pattern matches the handshake content type (0x16) and major
// version 3; this callback additionally requires at least 6 bytes and a
// minor version of 0-3. The handshake message type at offset 5 is not
// checked, so any handshake record (not only a ServerHello) classifies
// the session as TLS, and the parser does no further header validation.
func classifyTLS(s *session.Session, dir classify.Direction, data []byte) bool {
	if len(data) < 6 {
		return false
	}
	if data[2] > 0x03 {
		return false
	}
	s.AddTag("protocol:tls")
	if _, ok := s.Parser("tls"); !ok {
		s.AttachParser("tls", newState())
	}
	return true
}

type state struct {
	buf [2][]byte // per-direction record accumulator
}

func newState() *state {
	return &state{}
}

func (st *state) Name() string { return "tls" }

func dirIdx(dir classify.Direction) int {
	if dir == classify.DirServerToClient {
		return 1
	}
	return 0
}

// Parse walks `{type:u8, version:u16, length:u16}` TLS records,
// collecting Handshake-type (22) record payloads, and within those hunts
// for a Certificate handshake message (type 0x0b).
func (st *state) Parse(s *session.Session, dir classify.Direction, data []byte) classify.Verdict {
	i := dirIdx(dir)
	st.buf[i] = append(st.buf[i], data...)
	buf := st.buf[i]

	off := 0
	for off+5 <= len(buf) {
		recType := buf[off]
		length := int(buf[off+3])<<8 | int(buf[off+4])
		if off+5+length > len(buf) {
			break
		}
		payload := buf[off+5 : off+5+length]
		if recType == 22 {
			st.scanHandshake(s, payload)
		}
		off += 5 + length
	}
	st.buf[i] = buf[off:]
	return classify.Continue
}

// scanHandshake walks one or more handshake messages
// `{msgType:u8, length:u24, body}` looking for Certificate (0x0b).
func (st *state) scanHandshake(s *session.Session, data []byte) {
	off := 0
	for off+4 <= len(data) {
		msgType := data[off]
		length := int(data[off+1])<<16 | int(data[off+2])<<8 | int(data[off+3])
		if off+4+length > len(data) {
			return
		}
		body := data[off+4 : off+4+length]
		if msgType == 0x0b {
			st.parseCertificateMessage(s, body)
		}
		off += 4 + length
	}
}

// parseCertificateMessage parses a Certificate handshake body:
// `certListLen:u24` then repeated `{certLen:u24, certDER}`.
func (st *state) parseCertificateMessage(s *session.Session, body []byte) {
	if len(body) < 3 {
		return
	}
	listLen := int(body[0])<<16 | int(body[1])<<8 | int(body[2])
	off := 3
	end := 3 + listLen
	if end > len(body) {
		end = len(body)
	}
	for off+3 <= end {
		certLen := int(body[off])<<16 | int(body[off+1])<<8 | int(body[off+2])
		off += 3
		if off+certLen > end {
			return
		}
		der := body[off : off+certLen]
		off += certLen
		st.addCert(s, der)
	}
}

func (st *state) addCert(s *session.Session, der []byte) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return // malformed input: log-and-discard per spec.md §7
	}
	rec := field.Cert{
		Serial: cert.SerialNumber.Bytes(),
	}
	if cert.Subject.CommonName != "" {
		rec.SubjectCN = []string{strings.ToLower(cert.Subject.CommonName)}
	}
	for _, o := range cert.Subject.Organization {
		rec.SubjectOrg = append(rec.SubjectOrg, strings.ToLower(o))
	}
	if cert.Issuer.CommonName != "" {
		rec.IssuerCN = []string{strings.ToLower(cert.Issuer.CommonName)}
	}
	for _, o := range cert.Issuer.Organization {
		rec.IssuerOrg = append(rec.IssuerOrg, strings.ToLower(o))
	}
	rec.SAN = append(rec.SAN, cert.DNSNames...)

	s.Fields.AddCert(fCerts, rec)
}

func (st *state) Save(s *session.Session, final bool) {}
func (st *state) Free(s *session.Session)             {}
