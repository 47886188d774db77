package classify

import (
	"net"
	"testing"
	"time"

	"github.com/netcapd/netcapd/session"
)

func newTestSession() *session.Session {
	a := net.ParseIP("10.0.0.1")
	b := net.ParseIP("10.0.0.2")
	id := session.NewID(6, a, 1111, b, 80)
	return session.New(id, session.ProtoTCP, 6, a, 1111, b, 80, time.Now())
}

func TestClassifyFirstMatchWins(t *testing.T) {
	r := NewRegistry()
	var fired []string
	r.Register(&Classifier{Name: "a", Transport: TCP, Offset: 0, Match: []byte("GET "), Callback: func(s *session.Session, dir Direction, data []byte) bool {
		fired = append(fired, "a")
		return true
	}})
	r.Register(&Classifier{Name: "b", Transport: TCP, Offset: 0, Match: []byte("GET "), Callback: func(s *session.Session, dir Direction, data []byte) bool {
		fired = append(fired, "b")
		return true
	}})

	s := newTestSession()
	if !r.Classify(s, TCP, DirClientToServer, []byte("GET / HTTP/1.1\r\n")) {
		t.Fatalf("expected classification to succeed")
	}
	if len(fired) != 1 || fired[0] != "a" {
		t.Fatalf("expected only the first-registered matching classifier to fire, got %v", fired)
	}
}

func TestClassifyRequiresPatternToFitAvailableBytes(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register(&Classifier{Name: "a", Transport: TCP, Offset: 0, Match: []byte("GET "), Callback: func(s *session.Session, dir Direction, data []byte) bool {
		called = true
		return true
	}})

	s := newTestSession()
	if r.Classify(s, TCP, DirClientToServer, []byte("GE")) {
		t.Fatalf("classification must not succeed when the pattern doesn't fit")
	}
	if called {
		t.Fatalf("callback must not fire when the pattern doesn't fit")
	}
}

func TestClassifyWrongTransportNeverMatches(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register(&Classifier{Name: "a", Transport: UDP, Offset: 0, Match: []byte("x"), Callback: func(s *session.Session, dir Direction, data []byte) bool {
		called = true
		return true
	}})

	s := newTestSession()
	r.Classify(s, TCP, DirClientToServer, []byte("x"))
	if called {
		t.Fatalf("a UDP-registered classifier must not fire for TCP dispatch")
	}
}

type fakeParser struct {
	name       string
	parseCount int
	saveCount  int
	freeCount  int
	verdict    Verdict
}

func (p *fakeParser) Name() string { return p.name }
func (p *fakeParser) Parse(s *session.Session, dir Direction, data []byte) Verdict {
	p.parseCount++
	return p.verdict
}
func (p *fakeParser) Save(s *session.Session, final bool) { p.saveCount++ }
func (p *fakeParser) Free(s *session.Session)             { p.freeCount++ }

func TestDispatchSaveAllFreeAll(t *testing.T) {
	s := newTestSession()
	p1 := &fakeParser{name: "p1", verdict: Continue}
	p2 := &fakeParser{name: "p2", verdict: Continue}
	s.AttachParser(p1.Name(), p1)
	s.AttachParser(p2.Name(), p2)

	Dispatch(s, DirClientToServer, []byte("hello"))
	if p1.parseCount != 1 || p2.parseCount != 1 {
		t.Fatalf("expected both parsers to see the dispatch")
	}

	SaveAll(s, false)
	if p1.saveCount != 1 || p2.saveCount != 1 {
		t.Fatalf("expected both parsers' Save hooks to run")
	}

	FreeAll(s)
	if p1.freeCount != 1 || p2.freeCount != 1 {
		t.Fatalf("expected both parsers' Free hooks to run")
	}
}

func TestDispatchUnregisterDetaches(t *testing.T) {
	s := newTestSession()
	p := &fakeParser{name: "once", verdict: Unregister}
	s.AttachParser(p.Name(), p)

	Dispatch(s, DirClientToServer, []byte("x"))
	if p.parseCount != 1 {
		t.Fatalf("expected one parse call")
	}
	if _, ok := s.Parser("once"); ok {
		t.Fatalf("parser returning Unregister must be detached after the call")
	}

	Dispatch(s, DirClientToServer, []byte("y"))
	if p.parseCount != 1 {
		t.Fatalf("detached parser must not be dispatched again")
	}
}
