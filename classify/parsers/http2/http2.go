// Package http2 implements the HTTP/2 parser from spec.md §4.6: framed
// messages after the 24-byte connection preface, HPACK header
// decompression, up to 16 concurrent streams per session. Grounded on
// original_source/capture/http2.c's frame walk; HPACK decoding is
// delegated to golang.org/x/net/http2/hpack since no parser in the pack
// hand-rolls HPACK and the stdlib has no decoder.
package http2

import (
	"encoding/binary"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/netcapd/netcapd/classify"
	"github.com/netcapd/netcapd/field"
	"github.com/netcapd/netcapd/session"
)

const preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

const (
	maxStreams        = 16
	maxBufferedBytes   = 8 * 1024
)

var (
	fMethod     = field.Register("http.method", field.StrHash, 0)
	fStatusCode = field.Register("http.statuscode", field.IntGHash, 0)
	fURI        = field.Register("http.uri", field.StrHash, field.ForceUTF8)
	fHost       = field.Register("http.host", field.StrGHash, field.ForceUTF8)
)

func init() {
	classify.Default().Register(&classify.Classifier{
		Name: "http2-preface", Transport: classify.TCP,
		Offset: 0, Match: []byte(preface),
		Callback: attach,
	})
}

func attach(s *session.Session, dir classify.Direction, data []byte) bool {
	if _, ok := s.Parser("http2"); ok {
		return true
	}
	s.AttachParser("http2", newState())
	s.AddTag("protocol:http")
	s.AddTag("protocol:http2")
	return true
}

type frameType uint8

const (
	frameData         frameType = 0x0
	frameHeaders      frameType = 0x1
	frameContinuation frameType = 0x9
)

type streamState struct {
	decoder        *hpack.Decoder
	path, authority, method string
	statusCode     int
}

type state struct {
	buf            [2][]byte
	prefaceStripped bool
	streams        map[uint32]*streamState
}

func newState() *state {
	return &state{streams: make(map[uint32]*streamState)}
}

func (st *state) Name() string { return "http2" }

func dirIdx(dir classify.Direction) int {
	if dir == classify.DirServerToClient {
		return 1
	}
	return 0
}

func (st *state) Parse(s *session.Session, dir classify.Direction, data []byte) classify.Verdict {
	i := dirIdx(dir)
	if dir == classify.DirClientToServer && !st.prefaceStripped {
		if len(data) >= len(preface) {
			data = data[len(preface):]
			st.prefaceStripped = true
		} else {
			return classify.Continue
		}
	}
	st.buf[i] = append(st.buf[i], data...)
	buf := st.buf[i]

	off := 0
	for off+9 <= len(buf) {
		length := int(buf[off])<<16 | int(buf[off+1])<<8 | int(buf[off+2])
		typ := frameType(buf[off+3])
		streamID := binary.BigEndian.Uint32(buf[off+5:off+9]) & 0x7fffffff
		if off+9+length > len(buf) {
			if length > maxBufferedBytes {
				// detach per spec.md §4.6: "Frame payloads beyond 8 KB of
				// buffered unparsed bytes trigger parser detach."
				return classify.Unregister
			}
			break
		}
		payload := buf[off+9 : off+9+length]
		if typ == frameHeaders || typ == frameContinuation {
			st.handleHeaders(s, dir, streamID, payload)
		}
		off += 9 + length
	}
	st.buf[i] = append([]byte(nil), buf[off:]...)
	return classify.Continue
}

func (st *state) handleHeaders(s *session.Session, dir classify.Direction, streamID uint32, payload []byte) {
	ss, ok := st.streams[streamID]
	if !ok {
		if len(st.streams) >= maxStreams {
			return // excess streams are ignored, spec.md §4.6
		}
		ss = &streamState{}
		st.streams[streamID] = ss
		ss.decoder = hpack.NewDecoder(4096, func(f hpack.HeaderField) {
			st.onField(s, ss, f)
		})
	}
	ss.decoder.Write(payload)
}

func (st *state) onField(s *session.Session, ss *streamState, f hpack.HeaderField) {
	switch f.Name {
	case ":method":
		ss.method = f.Value
		s.Fields.AddString(fMethod, f.Value)
	case ":path":
		ss.path = f.Value
	case ":authority":
		host := f.Value
		if i := strings.IndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
		ss.authority = host
		s.Fields.AddString(fHost, host)
	case ":status":
		if code, err := strconv.Atoi(f.Value); err == nil {
			ss.statusCode = code
			s.Fields.AddInt(fStatusCode, int64(code))
		}
	}
	if ss.path != "" && ss.authority != "" {
		s.Fields.AddString(fURI, "//"+ss.authority+ss.path)
	}
}

func (st *state) Save(s *session.Session, final bool) {}
func (st *state) Free(s *session.Session)             {}
