package session

import (
	"time"

	"github.com/netcapd/netcapd/netlog"
	"github.com/netcapd/netcapd/session/list"
)

// Table is one shard of the session table (spec.md §4.1): a chained hash
// of active sessions plus one LRU queue per protocol class, a TCP
// save-order queue, and a close-queue for sessions awaiting outstanding
// async work. A Table is owned exclusively by one packet thread; all
// cross-thread work reaches it through Commands (spec.md §5's "command
// queue").
type Table struct {
	buckets     [][]*Session // chained hash buckets, insertion order
	bucketCount uint32
	count       int

	lru          map[Protocol]*list.List[Session]
	tcpSaveQueue *list.List[Session]
	closeQueue   *list.List[Session]

	// Commands is the cross-thread entry point: other goroutines (the
	// indexer's reply dispatch, a tag-file resolver) post closures here
	// instead of touching Session fields directly, establishing the
	// happens-before relationship spec.md §5 requires.
	Commands chan func()

	log *netlog.Logger
}

// NewTable constructs a shard sized to bucketCount buckets (spec.md §4.1:
// "~200k buckets, sized relative to maxStreams"). cmd/netcapd passes the
// full configured bucket count to every shard.
func NewTable(bucketCount uint32, log *netlog.Logger) *Table {
	if log == nil {
		log = netlog.NewDiscard()
	}
	t := &Table{
		buckets:     make([][]*Session, bucketCount),
		bucketCount: bucketCount,
		lru:         make(map[Protocol]*list.List[Session]),
		tcpSaveQueue: list.New[Session](tcpSaveLinkOf),
		closeQueue:   list.New[Session](closeQueueLinkOf),
		Commands:     make(chan func(), 256),
		log:          log,
	}
	for _, p := range []Protocol{ProtoICMP, ProtoUDP, ProtoTCP, ProtoOther} {
		t.lru[p] = list.New[Session](protoLRULinkOf)
	}
	return t
}

func (t *Table) bucketIdx(id ID) uint32 {
	return id.Hash() % t.bucketCount
}

// Find looks up a session by its canonical id, spec.md §4.1: "O(1)
// expected; compares the full 13-byte key."
func (t *Table) Find(id ID) (*Session, bool) {
	idx := t.bucketIdx(id)
	for _, s := range t.buckets[idx] {
		if s.ID.Equal(id) {
			return s, true
		}
	}
	return nil, false
}

// Insert adds a new session to the hash and its protocol LRU. A
// collision with an existing live session-id is a programmatic contract
// violation (spec.md §7) since the caller is expected to Find first —
// it aborts the process rather than silently corrupting the chain.
func (t *Table) Insert(s *Session) {
	idx := t.bucketIdx(s.ID)
	for _, existing := range t.buckets[idx] {
		if existing.ID.Equal(s.ID) {
			t.log.Fatalf("session table collision on insert: %s", s)
			return
		}
	}
	t.buckets[idx] = append(t.buckets[idx], s)
	t.count++
	t.lru[s.Protocol].PushTail(s)
}

// Remove unlinks s from the hash bucket and every LRU/queue it
// participates in. The caller retains ownership of s, per spec.md §4.1.
func (t *Table) Remove(s *Session) {
	idx := t.bucketIdx(s.ID)
	bucket := t.buckets[idx]
	for i, existing := range bucket {
		if existing == s {
			t.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			t.count--
			break
		}
	}
	t.lru[s.Protocol].Remove(s)
	t.tcpSaveQueue.Remove(s)
	t.closeQueue.Remove(s)
}

// Detach removes s from its protocol LRU and pushes it onto the
// close-queue; s stays in its hash bucket (Find still returns it) until
// ReleaseDetached, modeling spec.md §3's "hash + active ->
// hash only (transient during save)" and "detached (awaiting free after
// outstanding async completions)" states.
func (t *Table) Detach(s *Session) {
	t.lru[s.Protocol].Remove(s)
	t.closeQueue.PushTail(s)
}

// ReleaseDetached removes s from the close-queue once its outstanding
// async work has drained, allowing it to be freed.
func (t *Table) ReleaseDetached(s *Session) {
	t.closeQueue.Remove(s)
	idx := t.bucketIdx(s.ID)
	bucket := t.buckets[idx]
	for i, existing := range bucket {
		if existing == s {
			t.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			t.count--
			break
		}
	}
}

// TouchLRU moves s to the tail of its protocol's LRU queue, marking it as
// most-recently active.
func (t *Table) TouchLRU(s *Session) {
	t.lru[s.Protocol].MoveToTail(s)
}

// LRUHead returns the oldest session in a protocol's queue, or nil.
func (t *Table) LRUHead(p Protocol) *Session {
	return t.lru[p].Head()
}

// EnqueueTCPSave appends s to the TCP save-order queue (spec.md §4.10:
// "the TCP save-order queue re-inserts the session at the tail").
func (t *Table) EnqueueTCPSave(s *Session) {
	t.tcpSaveQueue.MoveToTail(s)
}

func (t *Table) TCPSaveHead() *Session { return t.tcpSaveQueue.Head() }

// Count returns the number of sessions currently present in the hash
// (including any in the close-queue, per spec.md's state machine).
func (t *Table) Count() int { return t.count }

// ForAll iterates every live session in stable bucket order, for shutdown
// drain (spec.md §4.1).
func (t *Table) ForAll(fn func(*Session)) {
	for _, bucket := range t.buckets {
		for _, s := range bucket {
			fn(s)
		}
	}
}

// DrainExpired walks the head of a protocol's LRU queue, invoking expire
// for every session whose last packet is older than timeout, stopping at
// the first session still within the window — mirroring spec.md §4.4
// step 8: "Drain the head of the LRU queue while its last-packet +
// per-protocol-timeout < now."
func (t *Table) DrainExpired(p Protocol, now time.Time, timeout time.Duration, expire func(*Session)) {
	q := t.lru[p]
	for {
		head := q.Head()
		if head == nil || now.Sub(head.LastPacket) < timeout {
			return
		}
		expire(head)
	}
}

// DrainCommands processes every command currently queued without
// blocking, to be called once per iteration of the owning packet
// thread's event loop.
func (t *Table) DrainCommands() {
	for {
		select {
		case cmd := <-t.Commands:
			cmd()
		default:
			return
		}
	}
}
