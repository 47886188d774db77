// Package smtp implements the SMTP parser from spec.md §4.6: a
// line-oriented command-channel state machine plus a rolling MD5 over
// base64-encoded MIME parts. Grounded on original_source/capture/smtp.c.
package smtp

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/netcapd/netcapd/classify"
	"github.com/netcapd/netcapd/field"
	"github.com/netcapd/netcapd/session"
)

var (
	fHelo    = field.Register("smtp.helo", field.StrHash, 0)
	fFrom    = field.Register("smtp.from", field.StrGHash, field.ForceUTF8)
	fTo      = field.Register("smtp.to", field.StrGHash, field.ForceUTF8)
	fSubject = field.Register("smtp.subject", field.StrHash, field.ForceUTF8)
	fMD5     = field.Register("smtp.md5", field.StrGHash, 0)
)

func init() {
	for _, m := range []string{"220 ", "HELO ", "EHLO "} {
		mCopy := []byte(m)
		classify.Default().Register(&classify.Classifier{
			Name: "smtp-" + m, Transport: classify.TCP,
			Offset: 0, Match: mCopy,
			Callback: attach,
		})
	}
}

func attach(s *session.Session, dir classify.Direction, data []byte) bool {
	// spec.md §4.6: "220 " must additionally contain "SMTP" (or lmtp/ftp,
	// not modeled here) to disambiguate from other greeting banners.
	if bytes.HasPrefix(data, []byte("220 ")) && !bytes.Contains(data, []byte("SMTP")) {
		return false
	}
	if _, ok := s.Parser("smtp"); ok {
		return true
	}
	s.AttachParser("smtp", newState())
	s.AddTag("protocol:smtp")
	return true
}

type mode int

const (
	modeCommand mode = iota
	modeHeaders
	modeBody
)

type state struct {
	mode mode

	lineBuf map[bool][]byte

	boundary     string
	inBase64Part bool
	hash         [2]hashState

	startTLSPending bool
}

type hashState struct {
	h interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
		Reset()
	}
}

func newState() *state {
	st := &state{lineBuf: make(map[bool][]byte)}
	st.hash[0].h = md5.New()
	st.hash[1].h = md5.New()
	return st
}

func (st *state) Name() string { return "smtp" }

func (st *state) Parse(s *session.Session, dir classify.Direction, data []byte) classify.Verdict {
	key := bool(dir)
	buf := append(st.lineBuf[key], data...)
	for {
		nl := bytes.IndexByte(buf, '\n')
		if nl < 0 {
			break
		}
		line := bytes.TrimRight(buf[:nl], "\r")
		buf = buf[nl+1:]
		st.handleLine(s, dir, line)
	}
	st.lineBuf[key] = append([]byte(nil), buf...)
	return classify.Continue
}

func (st *state) handleLine(s *session.Session, dir classify.Direction, line []byte) {
	text := string(line)
	upper := strings.ToUpper(text)

	if st.inBase64Part {
		if strings.HasPrefix(text, "--"+st.boundary) {
			st.flushRollingHash(s, dir)
			st.inBase64Part = false
			return
		}
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
		if n, err := base64.StdEncoding.Decode(decoded, []byte(strings.TrimSpace(text))); err == nil {
			i := idx(dir)
			st.hash[i].h.Write(decoded[:n])
		}
		return
	}

	switch {
	case strings.HasPrefix(upper, "HELO ") || strings.HasPrefix(upper, "EHLO "):
		s.Fields.AddString(fHelo, strings.TrimSpace(text[5:]))
	case strings.HasPrefix(upper, "MAIL FROM:"):
		s.Fields.AddString(fFrom, strings.TrimSpace(text[10:]))
	case strings.HasPrefix(upper, "RCPT TO:"):
		s.Fields.AddString(fTo, strings.TrimSpace(text[8:]))
	case strings.HasPrefix(upper, "STARTTLS"):
		st.startTLSPending = true
	case strings.HasPrefix(text, "220") && st.startTLSPending:
		// server accepted STARTTLS: deregister. reassembly.stream does
		// not classify a stream again after its first match, so the TLS
		// bytes that follow are not reclassified as TLS.
		s.DetachParser("smtp")
	case strings.HasPrefix(upper, "SUBJECT:"):
		s.Fields.AddString(fSubject, decodeSubject(strings.TrimSpace(text[8:])))
	case strings.HasPrefix(upper, "CONTENT-TYPE:") && strings.Contains(upper, "BOUNDARY="):
		st.boundary = extractParam(text, "boundary=")
	case strings.HasPrefix(upper, "CONTENT-TRANSFER-ENCODING:") && strings.Contains(upper, "BASE64"):
		st.inBase64Part = true
	}
}

func idx(dir classify.Direction) int {
	if dir == classify.DirServerToClient {
		return 1
	}
	return 0
}

func (st *state) flushRollingHash(s *session.Session, dir classify.Direction) {
	i := idx(dir)
	sum := st.hash[i].h.Sum(nil)
	s.Fields.AddString(fMD5, fmt.Sprintf("%x", sum))
	st.hash[i].h.Reset()
}

func extractParam(text, key string) string {
	lower := strings.ToLower(text)
	lkey := strings.ToLower(key)
	i := strings.Index(lower, lkey)
	if i < 0 {
		return ""
	}
	rest := text[i+len(key):]
	rest = strings.TrimPrefix(rest, `"`)
	if j := strings.IndexAny(rest, "\";"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

// decodeSubject handles RFC-2047 encoded-words of the form
// =?charset?B?base64?= or =?charset?Q?quoted-printable?=, per spec.md
// §4.6. Unrecognized or malformed encoded-words pass through verbatim.
func decodeSubject(s string) string {
	for strings.Contains(s, "=?") {
		start := strings.Index(s, "=?")
		end := strings.Index(s[start+2:], "?=")
		if end < 0 {
			break
		}
		word := s[start : start+2+end+2]
		parts := strings.Split(word, "?")
		if len(parts) != 5 {
			break
		}
		enc, payload := strings.ToUpper(parts[2]), parts[3]
		var decoded []byte
		switch enc {
		case "B":
			decoded, _ = base64.StdEncoding.DecodeString(payload)
		case "Q":
			decoded = decodeQuotedPrintable(payload)
		}
		if decoded == nil {
			break
		}
		s = s[:start] + string(decoded) + s[start+len(word):]
	}
	return s
}

func decodeQuotedPrintable(s string) []byte {
	var out []byte
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '_':
			out = append(out, ' ')
		case '=':
			if i+2 < len(s) {
				var b byte
				if _, err := fmt.Sscanf(s[i+1:i+3], "%02X", &b); err == nil {
					out = append(out, b)
					i += 2
					continue
				}
			}
			out = append(out, '=')
		default:
			out = append(out, s[i])
		}
	}
	return out
}

func (st *state) Save(s *session.Session, final bool) {}
func (st *state) Free(s *session.Session)             {}
