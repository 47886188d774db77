package http1

import (
	"net"
	"testing"
	"time"

	"github.com/netcapd/netcapd/classify"
	"github.com/netcapd/netcapd/session"
)

func newTestSession() *session.Session {
	a := net.ParseIP("10.0.0.1")
	b := net.ParseIP("10.0.0.2")
	id := session.NewID(6, a, 1111, b, 80)
	return session.New(id, session.ProtoTCP, 6, a, 1111, b, 80, time.Now())
}

// TestAssembleURLWorkedExample mirrors spec.md §8's worked example: a GET
// /a request with Host: h must assemble to "//h/a".
func TestAssembleURLWorkedExample(t *testing.T) {
	got := assembleURL("/a", "h")
	if got != "//h/a" {
		t.Fatalf("expected //h/a, got %q", got)
	}
}

func TestAssembleURLAbsoluteMatchingHostPreserved(t *testing.T) {
	got := assembleURL("http://example.com/path", "example.com")
	if got != "http://example.com/path" {
		t.Fatalf("absolute URL matching Host must be preserved as-is, got %q", got)
	}
}

func TestParseRequestLineAndHeaders(t *testing.T) {
	s := newTestSession()
	st := newState()

	req := "GET /a HTTP/1.1\r\nHost: h\r\nUser-Agent: netcapd-test\r\n\r\n"
	if v := st.Parse(s, classify.DirClientToServer, []byte(req)); v != classify.Continue {
		t.Fatalf("expected Continue, got %v", v)
	}

	if got := s.Fields.Strings(fMethod); len(got) != 1 || got[0] != "GET" {
		t.Fatalf("expected method GET, got %v", got)
	}
	if got := s.Fields.Strings(fHost); len(got) != 1 || got[0] != "h" {
		t.Fatalf("expected host h, got %v", got)
	}
	if got := s.Fields.Strings(fURI); len(got) != 1 || got[0] != "//h/a" {
		t.Fatalf("expected uri //h/a, got %v", got)
	}
	if got := s.Fields.Strings(fUserAgent); len(got) != 1 || got[0] != "netcapd-test" {
		t.Fatalf("expected user-agent netcapd-test, got %v", got)
	}
}

func TestParseResponseStatusLine(t *testing.T) {
	s := newTestSession()
	st := newState()

	resp := "HTTP/1.1 404 Not Found\r\n\r\n"
	st.Parse(s, classify.DirServerToClient, []byte(resp))

	if got := s.Fields.Ints(fStatusCode); len(got) != 1 || got[0] != 404 {
		t.Fatalf("expected status code 404, got %v", got)
	}
}

func TestParseBasicAuth(t *testing.T) {
	s := newTestSession()
	st := newState()

	// base64("alice:secret") == "YWxpY2U6c2VjcmV0"
	req := "GET / HTTP/1.1\r\nHost: h\r\nAuthorization: Basic YWxpY2U6c2VjcmV0\r\n\r\n"
	st.Parse(s, classify.DirClientToServer, []byte(req))

	if got := s.Fields.Strings(fUser); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("expected decoded basic-auth user alice, got %v", got)
	}
}

func TestParseSplitAcrossCalls(t *testing.T) {
	s := newTestSession()
	st := newState()

	st.Parse(s, classify.DirClientToServer, []byte("GET /a HTTP/1.1\r\nHo"))
	st.Parse(s, classify.DirClientToServer, []byte("st: h\r\n\r\n"))

	if got := s.Fields.Strings(fURI); len(got) != 1 || got[0] != "//h/a" {
		t.Fatalf("expected uri assembled across split reads, got %v", got)
	}
}
