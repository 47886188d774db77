// Package http1 implements the HTTP/1.1 parser from spec.md §4.6.
// Grounded on original_source's http.c state machine (request-line /
// header / body phases run identically on both directions) and on
// gravwell's http_post processor (ingest/processors/httppost.go) for the
// Go idiom of hand-rolling a small line-oriented HTTP scanner instead of
// reaching for net/http's server-side reader, since this parser must
// tolerate arbitrary truncation and never blocks waiting for a full
// message.
package http1

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/h2non/filetype"

	"github.com/netcapd/netcapd/classify"
	"github.com/netcapd/netcapd/field"
	"github.com/netcapd/netcapd/session"
)

const (
	maxURLLen  = 4096
	maxHostLen = 4096
)

var (
	fMethod     = field.Register("http.method", field.StrHash, 0)
	fStatusCode = field.Register("http.statuscode", field.IntGHash, 0)
	fURI        = field.Register("http.uri", field.StrHash, field.ForceUTF8|field.PerSave)
	fHost       = field.Register("http.host", field.StrGHash, field.ForceUTF8|field.PerSave)
	fVersion    = field.Register("http.version", field.StrHash, 0)
	fUserAgent  = field.Register("http.user-agent", field.StrGHash, field.ForceUTF8|field.PerSave)
	fMD5        = field.Register("http.md5", field.StrGHash, 0)
	fSHA256     = field.Register("http.sha256", field.StrGHash, 0)
	fBodyMagic  = field.Register("http.bodymagic", field.StrGHash, 0)
	fUser       = field.Register("http.user", field.StrGHash, field.ForceUTF8)
)

func init() {
	classify.Default().Register(&classify.Classifier{
		Name: "http1-method", Transport: classify.TCP,
		Offset: 0, Match: []byte("GET "),
		Callback: attach,
	})
	for _, m := range []string{"POST ", "HEAD ", "PUT ", "DELETE ", "OPTIONS ", "CONNECT ", "PATCH ", "HTTP/1"} {
		mCopy := []byte(m)
		classify.Default().Register(&classify.Classifier{
			Name: "http1-" + m, Transport: classify.TCP,
			Offset: 0, Match: mCopy,
			Callback: attach,
		})
	}
}

func attach(s *session.Session, dir classify.Direction, data []byte) bool {
	if _, ok := s.Parser("http1"); ok {
		return true
	}
	s.AttachParser("http1", newState())
	s.AddTag("protocol:http")
	return true
}

type phase int

const (
	phaseRequestLine phase = iota
	phaseHeaders
	phaseBody
)

// directionState is the per-direction half of the state machine; HTTP/1
// runs the identical machine on both request and response sides.
type directionState struct {
	phase      phase
	lineBuf    []byte
	headers    map[string][]string
	isResponse bool

	contentLength   int64
	haveLength      bool
	bodySeen        int64
	firstBodyChunk  []byte
	md5Hash         []byte
	sha256Hash      []byte

	md5h    interface{ Write([]byte) (int, error); Sum([]byte) []byte }
	sha256h interface{ Write([]byte) (int, error); Sum([]byte) []byte }

	host       string
	method     string
	requestURI string

	headersComplete bool
}

// state is the http1 Parser's per-session state, spec.md §4.6
// "Runs the same state machine on both directions."
type state struct {
	dir [2]*directionState

	connectSeen      bool
	reclassifyClient bool
	reclassifyServer bool
	upgradeH2C       bool
}

func newState() *state {
	return &state{dir: [2]*directionState{newDirState(), newDirState()}}
}

func newDirState() *directionState {
	return &directionState{
		headers: make(map[string][]string),
		md5h:    md5.New(),
		sha256h: sha256.New(),
	}
}

func (st *state) Name() string { return "http1" }

func idx(dir classify.Direction) int {
	if dir == classify.DirServerToClient {
		return 1
	}
	return 0
}

// Parse feeds newly-available bytes for one direction into that
// direction's line-oriented scanner.
func (st *state) Parse(s *session.Session, dir classify.Direction, data []byte) classify.Verdict {
	d := st.dir[idx(dir)]
	d.isResponse = dir == classify.DirServerToClient

	for len(data) > 0 {
		switch d.phase {
		case phaseRequestLine, phaseHeaders:
			nl := bytes.IndexByte(data, '\n')
			if nl < 0 {
				d.lineBuf = append(d.lineBuf, data...)
				return classify.Continue
			}
			line := append(d.lineBuf, data[:nl]...)
			d.lineBuf = nil
			data = data[nl+1:]
			line = bytes.TrimRight(line, "\r")

			if d.phase == phaseRequestLine {
				st.parseFirstLine(s, d, line)
				d.phase = phaseHeaders
				continue
			}
			if len(line) == 0 {
				d.headersComplete = true
				d.phase = phaseBody
				st.onHeadersComplete(s, d)
				if (d.haveLength && d.contentLength <= 0) || (!d.haveLength && !d.isResponse) {
					// no body follows: the next bytes start a new message
					*d = *newDirState()
					d.isResponse = dir == classify.DirServerToClient
				}
				continue
			}
			st.parseHeaderLine(s, d, line)

		case phaseBody:
			n := len(data)
			if d.haveLength {
				remain := d.contentLength - d.bodySeen
				if remain <= 0 {
					return classify.Continue
				}
				if int64(n) > remain {
					n = int(remain)
				}
			}
			chunk := data[:n]
			if d.bodySeen == 0 {
				d.firstBodyChunk = append([]byte(nil), chunk...)
				st.detectBodyMagic(s, d)
			}
			d.md5h.Write(chunk)
			d.sha256h.Write(chunk)
			d.bodySeen += int64(len(chunk))
			data = data[n:]
			if d.haveLength && d.bodySeen >= d.contentLength {
				st.finalizeBody(s, d)
				*d = *newDirState()
				d.isResponse = dir == classify.DirServerToClient
			}
		}
	}
	return classify.Continue
}

func (st *state) parseFirstLine(s *session.Session, d *directionState, line []byte) {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if d.isResponse {
		if len(parts) >= 2 {
			if code, err := strconv.Atoi(string(parts[1])); err == nil {
				s.Fields.AddInt(fStatusCode, int64(code))
			}
		}
		if len(parts) >= 1 {
			s.Fields.AddString(fVersion, string(parts[0]))
		}
		return
	}
	if len(parts) < 2 {
		return
	}
	d.method = string(parts[0])
	d.requestURI = string(parts[1])
	s.Fields.AddString(fMethod, d.method)
	if d.method == "CONNECT" {
		st.connectSeen = true
	}
}

func (st *state) parseHeaderLine(s *session.Session, d *directionState, line []byte) {
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return
	}
	name := strings.TrimSpace(string(line[:colon]))
	val := strings.TrimSpace(string(line[colon+1:]))
	lname := strings.ToLower(name)
	d.headers[lname] = append(d.headers[lname], val)

	switch lname {
	case "host":
		d.host = val
		if len(val) > maxHostLen {
			val = val[:maxHostLen]
			s.AddTag("http:url-truncated")
		}
		s.Fields.AddString(fHost, val)
	case "user-agent":
		s.Fields.AddString(fUserAgent, val)
	case "content-length":
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			d.contentLength = n
			d.haveLength = true
		}
	case "authorization":
		st.parseAuth(s, val)
	case "upgrade":
		if strings.EqualFold(val, "h2c") {
			st.upgradeH2C = true
		}
	}

	_ = name
	if d.isResponse {
		s.Fields.AddResponseHeader(lname, val)
	} else {
		s.Fields.AddRequestHeader(lname, val)
	}
}

// parseAuth decodes Authorization: Basic/Digest values, spec.md §4.6.
func (st *state) parseAuth(s *session.Session, val string) {
	fields := strings.SplitN(val, " ", 2)
	if len(fields) != 2 {
		return
	}
	switch strings.ToLower(fields[0]) {
	case "basic":
		decoded, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			return
		}
		if i := bytes.IndexByte(decoded, ':'); i >= 0 {
			s.Fields.AddString(fUser, string(decoded[:i]))
		}
	case "digest":
		const key = "username="
		if i := strings.Index(fields[1], key); i >= 0 {
			v := fields[1][i+len(key):]
			v = strings.TrimPrefix(v, `"`)
			if j := strings.IndexAny(v, `",`); j >= 0 {
				v = v[:j]
			}
			s.Fields.AddString(fUser, v)
		}
	}
}

// onHeadersComplete assembles the URL per spec.md §4.6's normalization
// rule and handles the URL truncation tag.
func (st *state) onHeadersComplete(s *session.Session, d *directionState) {
	if d.isResponse || d.requestURI == "" {
		return
	}
	url := assembleURL(d.requestURI, d.host)
	if len(url) > maxURLLen {
		url = url[:maxURLLen]
		s.AddTag("http:url-truncated")
	}
	s.Fields.AddString(fURI, url)
}

// assembleURL implements spec.md §4.6: "if request-line URL is absolute
// and its prefix (≤8 bytes) equals the Host header value, emit the URL
// as-is; otherwise join host;path." and spec.md §8's worked example:
// GET /a with Host: h => "//h/a".
func assembleURL(requestURI, host string) string {
	if strings.HasPrefix(requestURI, "http://") || strings.HasPrefix(requestURI, "https://") {
		rest := requestURI
		if i := strings.Index(rest, "://"); i >= 0 {
			rest = rest[i+3:]
		}
		prefixLen := len(host)
		if prefixLen > 8 {
			prefixLen = 8
		}
		if len(rest) >= prefixLen && strings.HasPrefix(rest, host[:prefixLen]) {
			return requestURI
		}
	}
	return fmt.Sprintf("//%s%s", host, requestURI)
}

// detectBodyMagic sniffs the first body chunk's content type via
// filetype's magic-byte matching, spec.md §4.6: "Body magic is computed
// on the first body chunk via libmagic-style content type detection;
// the semicolon and following parameters are stripped."
func (st *state) detectBodyMagic(s *session.Session, d *directionState) {
	kind, err := filetype.Match(d.firstBodyChunk)
	if err != nil || kind == filetype.Unknown {
		return
	}
	mime := kind.MIME.Value
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	s.Fields.AddString(fBodyMagic, mime)
}

func (st *state) finalizeBody(s *session.Session, d *directionState) {
	s.Fields.AddString(fMD5, fmt.Sprintf("%x", d.md5h.Sum(nil)))
	s.Fields.AddString(fSHA256, fmt.Sprintf("%x", d.sha256h.Sum(nil)))
}

// Save runs ahead of a mid/final save; http1 keeps no per-save-only
// accumulators beyond what field.Store.ResetPerSave already clears via
// the URL/host/user-agent fields' PerSave flag, so this is a no-op hook
// kept for lifecycle symmetry.
func (st *state) Save(s *session.Session, final bool) {}

// Free handles the spec.md §9 open question about the duplicated
// HASH_FORALL_POP_HEAD in the original's session-free path: this
// implementation has no equivalent double-free risk since Go's GC owns
// st once DetachParser/FreeAll run it exactly once.
func (st *state) Free(s *session.Session) {
	if st.connectSeen && st.reclassifyClient && st.reclassifyServer {
		return
	}
}
