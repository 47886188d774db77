package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/netcapd/netcapd/field"
	"github.com/netcapd/netcapd/session/list"
)

// FilePos is one (file-id, byte-offset) entry in a session's packet
// position list, spec.md §3.
type FilePos struct {
	FileID uint32
	Offset uint64
}

// ParserState is the per-session state object a classifier attaches when
// it binds a parser to a session (spec.md §4.6). The classify package
// defines the concrete Parser interface (Parse/Save/Free; parsers have no
// classify hook of their own); this
// package only needs an opaque handle plus a Detach-capable identity so
// Session can own a heterogeneous set without importing classify (which
// in turn imports session).
type ParserState interface {
	// Name identifies the parser for logging/debugging.
	Name() string
}

// Session is the central entity of spec.md §3. Every field except
// OutstandingTags is owned exclusively by the packet thread that owns
// this session's table shard; OutstandingTags is guarded by mu because
// async indexer callbacks touch it. Other cross-thread work goes through
// the table's Commands channel (spec.md §5).
type Session struct {
	ID       ID
	Protocol Protocol
	IPProto  uint8

	Addr1, Addr2 net.IP
	Port1, Port2 uint16

	Bytes, DataBytes uint64
	Packets          uint64

	FirstPacket time.Time
	LastPacket  time.Time
	LastSave    time.Time

	FilePosArray []FilePos
	FileNumArray []uint32 // ordered set of distinct file-ids

	Fields *field.Store

	parsers   map[string]ParserState
	parserSeq []string // stable attach order, for deterministic save/free

	// Lifecycle flags, spec.md §3.
	NeedSave        bool
	DontSave        bool
	MidSave         bool
	OutstandingTags int
	StopSaving      bool
	AgentAction     string

	// Which is the stable TCP direction bit assigned on first packet:
	// false == addr1/port1 is the client (first-seen) side.
	Which bool
	whichSet bool

	Tags map[string]struct{}

	// Reassembly byte offsets per direction, spec.md §4.5
	// ("session.offsets[which]").
	Offsets [2]uint64

	// Linkage for the four intrusive lists a session can simultaneously
	// occupy (spec.md §3).
	protoLRULink   list.Link[Session]
	tcpSaveLink    list.Link[Session]
	hashChainLink  list.Link[Session]
	closeQueueLink list.Link[Session]

	mu sync.Mutex // guards only OutstandingTags, touched by async indexer callbacks
}

func protoLRULinkOf(s *Session) *list.Link[Session]   { return &s.protoLRULink }
func tcpSaveLinkOf(s *Session) *list.Link[Session]    { return &s.tcpSaveLink }
func hashChainLinkOf(s *Session) *list.Link[Session]  { return &s.hashChainLink }
func closeQueueLinkOf(s *Session) *list.Link[Session] { return &s.closeQueueLink }

// New constructs a session in its initial state: empty field store, no
// attached parsers, linked into no lists yet (the Table does the linking).
func New(id ID, proto Protocol, ipProto uint8, addr1 net.IP, port1 uint16, addr2 net.IP, port2 uint16, now time.Time) *Session {
	s := &Session{
		ID:          id,
		Protocol:    proto,
		IPProto:     ipProto,
		Addr1:       addr1,
		Port1:       port1,
		Addr2:       addr2,
		Port2:       port2,
		FirstPacket: now,
		LastPacket:  now,
		Fields:      field.NewStore(),
		parsers:     make(map[string]ParserState),
		Tags:        make(map[string]struct{}),
	}
	return s
}

func (s *Session) String() string {
	return fmt.Sprintf("session<%s %s:%d<->%s:%d>", s.Protocol, s.Addr1, s.Port1, s.Addr2, s.Port2)
}

// SetWhich assigns the stable TCP direction bit exactly once, per
// spec.md's invariant "direction bit (which) assignment is stable for
// the session's lifetime."
func (s *Session) SetWhich(which bool) {
	if s.whichSet {
		return
	}
	s.Which, s.whichSet = which, true
}

// AddTag records a session-level tag (node tag, class tag, per-protocol
// tag, protocol:xxx tags emitted by classifiers).
func (s *Session) AddTag(tag string) {
	if s.Tags == nil {
		s.Tags = make(map[string]struct{})
	}
	s.Tags[tag] = struct{}{}
}

func (s *Session) HasTag(tag string) bool {
	_, ok := s.Tags[tag]
	return ok
}

// AttachParser binds a stateful parser to the session, spec.md §4.6. A
// parser name can only be attached once; re-attaching is a no-op so
// classifiers can call this defensively.
func (s *Session) AttachParser(name string, st ParserState) {
	if _, ok := s.parsers[name]; ok {
		return
	}
	s.parsers[name] = st
	s.parserSeq = append(s.parserSeq, name)
}

// DetachParser removes a parser's state, e.g. when classify.Dispatch gets
// an Unregister verdict or the SMTP parser sees STARTTLS accepted.
func (s *Session) DetachParser(name string) {
	if _, ok := s.parsers[name]; !ok {
		return
	}
	delete(s.parsers, name)
	for i, n := range s.parserSeq {
		if n == name {
			s.parserSeq = append(s.parserSeq[:i], s.parserSeq[i+1:]...)
			break
		}
	}
}

func (s *Session) Parser(name string) (ParserState, bool) {
	st, ok := s.parsers[name]
	return st, ok
}

// Parsers returns attached parser states in stable attach order, so the
// orchestration save/free hooks (spec.md §4.6) run deterministically.
func (s *Session) Parsers() []ParserState {
	out := make([]ParserState, 0, len(s.parserSeq))
	for _, n := range s.parserSeq {
		out = append(out, s.parsers[n])
	}
	return out
}

func (s *Session) ParserCount() int { return len(s.parsers) }

// AppendFilePos appends a (file-id, offset) entry and tracks a new
// file-id in FileNumArray if it differs from the last recorded one,
// spec.md §4.4 step 6.
func (s *Session) AppendFilePos(fileID uint32, offset uint64) {
	s.FilePosArray = append(s.FilePosArray, FilePos{FileID: fileID, Offset: offset})
	if n := len(s.FileNumArray); n == 0 || s.FileNumArray[n-1] != fileID {
		s.FileNumArray = append(s.FileNumArray, fileID)
	}
}

// ResetSaveAccumulators clears the per-save state after a mid/final save,
// spec.md §4.10: "reset filePosArray, fileNumArray, per-save counters and
// URL/host/UA/XFF collections."
func (s *Session) ResetSaveAccumulators() {
	s.FilePosArray = nil
	s.FileNumArray = nil
	s.Fields.ResetPerSave()
}

// IncOutstandingTags / DecOutstandingTags track asynchronous tag-file
// lookups (spec.md §3 "outstandingTags"); these are the one piece of
// Session state an indexer/tagger callback running on a different
// goroutine may touch, hence the dedicated mutex.
func (s *Session) IncOutstandingTags() {
	s.mu.Lock()
	s.OutstandingTags++
	s.mu.Unlock()
}

// DecOutstandingTags decrements the counter and reports whether it has
// reached zero, at which point a deferred final-save must run (spec.md
// §3, §4.10).
func (s *Session) DecOutstandingTags() (reachedZero bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OutstandingTags > 0 {
		s.OutstandingTags--
	}
	return s.OutstandingTags == 0
}
