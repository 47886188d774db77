// Package classify implements the classifier/parser framework from
// spec.md §4.6 (C7): a registry of byte-pattern classifiers keyed by
// transport, dispatched against each new side-of-stream buffer, plus the
// parser lifecycle (Parse/Save/Free) sessions use to hold per-protocol
// state. Parsers have no classify hook; matching is done only by the
// registered Classifier callbacks. Grounded on original_source/capture/parsers.c's
// registration model ("parsers register patterns keyed by transport") and
// on gravwell's processors.ProcessorSet for the registry-of-named-units
// shape (github.com/gravwell/gravwell-gravwell/ingest/processors).
package classify

import (
	"github.com/netcapd/netcapd/session"
)

// Direction is which side of a bidirectional stream a byte range came
// from. false is the client/initiator (session.Which == false).
type Direction bool

const (
	DirClientToServer Direction = false
	DirServerToClient Direction = true
)

// Verdict is a parser's instruction to the dispatcher after a parse call.
type Verdict int

const (
	Continue Verdict = iota
	Unregister
)

// Parser is the per-session stateful consumer bound by a Classifier
// match, spec.md §4.6 "Parser lifecycle". Name satisfies
// session.ParserState so a *Session can hold a heterogeneous set of
// parsers without this package creating an import cycle back into
// session.
type Parser interface {
	Name() string
	Parse(s *session.Session, dir Direction, data []byte) Verdict
	Save(s *session.Session, final bool)
	Free(s *session.Session)
}

// Classifier is a stateless pattern matcher, spec.md §4.6: "(offset,
// match_bytes, callback) keyed by transport". Callback attaches a Parser
// (or performs a side-effecting tag-only classification, e.g. ISIS) and
// returns true if classification is considered complete for this
// transport (no further classifiers need run for this session).
type Classifier struct {
	Name      string
	Transport Transport
	Offset    int
	Match     []byte
	Callback  func(s *session.Session, dir Direction, data []byte) bool
}

type Transport uint8

const (
	TCP Transport = iota
	UDP
)

// Registry holds every registered classifier, partitioned by transport so
// dispatch only scans the relevant subset.
type Registry struct {
	byTransport map[Transport][]*Classifier
}

var global = NewRegistry()

// Default returns the process-wide registry that parser packages'
// init() functions register into, mirroring spec.md's "parsers register
// patterns" at startup.
func Default() *Registry { return global }

func NewRegistry() *Registry {
	return &Registry{byTransport: make(map[Transport][]*Classifier)}
}

// Register adds a classifier. Intended to be called from parser package
// init() functions.
func (r *Registry) Register(c *Classifier) {
	r.byTransport[c.Transport] = append(r.byTransport[c.Transport], c)
}

// Classify tests every registered pattern for transport against data,
// invoking the callback of the first whose offset+len fits within data
// and whose bytes match, per spec.md §4.6: "tests all patterns whose
// offset + len ≤ available". Classification runs at most once per
// session per the orchestration layer's bookkeeping (earliest-evidence-
// wins); this function itself is stateless and may be called repeatedly
// as more bytes arrive, so the caller is responsible for the "at most
// once" gate (session.HasTag / a classified flag).
func (r *Registry) Classify(s *session.Session, transport Transport, dir Direction, data []byte) bool {
	for _, c := range r.byTransport[transport] {
		end := c.Offset + len(c.Match)
		if end > len(data) {
			continue
		}
		if !bytesEqual(data[c.Offset:end], c.Match) {
			continue
		}
		if c.Callback(s, dir, data) {
			return true
		}
	}
	return false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Dispatch runs every attached parser's Parse hook for dir in the
// session's stable attach order (spec.md §4.6: "parse is called only
// from the session's owning thread" — Dispatch itself doesn't enforce
// that; the caller, reassembly.Adapter, only ever runs on the owning
// packet thread). Parsers returning Unregister are detached immediately
// after the call.
func Dispatch(s *session.Session, dir Direction, data []byte) {
	for _, st := range s.Parsers() {
		p, ok := st.(Parser)
		if !ok {
			continue
		}
		if p.Parse(s, dir, data) == Unregister {
			s.DetachParser(p.Name())
		}
	}
}

// SaveAll runs every attached parser's Save hook, in attach order, ahead
// of a mid/final save (spec.md §4.6, §4.10).
func SaveAll(s *session.Session, final bool) {
	for _, st := range s.Parsers() {
		if p, ok := st.(Parser); ok {
			p.Save(s, final)
		}
	}
}

// FreeAll runs every attached parser's Free hook exactly once, after all
// outstanding async work on the session has drained (spec.md §4.6).
func FreeAll(s *session.Session) {
	for _, st := range s.Parsers() {
		if p, ok := st.(Parser); ok {
			p.Free(s)
		}
	}
}
