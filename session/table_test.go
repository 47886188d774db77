package session

import (
	"net"
	"testing"
	"time"
)

func newTestSession(proto Protocol, port1, port2 uint16, now time.Time) *Session {
	a := net.ParseIP("10.0.0.1")
	b := net.ParseIP("10.0.0.2")
	ipProto := uint8(6)
	if proto == ProtoUDP {
		ipProto = 17
	}
	id := NewID(ipProto, a, port1, b, port2)
	return New(id, proto, ipProto, a, port1, b, port2, now)
}

func TestTableInsertFindRemove(t *testing.T) {
	tbl := NewTable(16, nil)
	s := newTestSession(ProtoTCP, 1111, 80, time.Now())

	if _, ok := tbl.Find(s.ID); ok {
		t.Fatalf("session should not be found before insert")
	}
	tbl.Insert(s)
	if tbl.Count() != 1 {
		t.Fatalf("expected count 1, got %d", tbl.Count())
	}
	got, ok := tbl.Find(s.ID)
	if !ok || got != s {
		t.Fatalf("expected to find the inserted session")
	}
	tbl.Remove(s)
	if tbl.Count() != 0 {
		t.Fatalf("expected count 0 after remove, got %d", tbl.Count())
	}
	if _, ok := tbl.Find(s.ID); ok {
		t.Fatalf("session should not be found after remove")
	}
}

func TestTableLRUDrainExpired(t *testing.T) {
	tbl := NewTable(16, nil)
	base := time.Now().Add(-time.Hour)

	s1 := newTestSession(ProtoUDP, 1, 53, base)
	s2 := newTestSession(ProtoUDP, 2, 53, base.Add(time.Second))
	tbl.Insert(s1)
	tbl.Insert(s2)

	var expired []*Session
	tbl.DrainExpired(ProtoUDP, base.Add(30*time.Second), 10*time.Second, func(s *Session) {
		expired = append(expired, s)
		tbl.Remove(s)
	})

	if len(expired) != 2 {
		t.Fatalf("expected both idle sessions to drain, got %d", len(expired))
	}
	if tbl.Count() != 0 {
		t.Fatalf("expected table empty after drain, got %d", tbl.Count())
	}
}

func TestTableLRUDrainStopsAtFreshSession(t *testing.T) {
	tbl := NewTable(16, nil)
	now := time.Now()

	stale := newTestSession(ProtoUDP, 1, 53, now.Add(-time.Minute))
	fresh := newTestSession(ProtoUDP, 2, 53, now)
	tbl.Insert(stale)
	tbl.Insert(fresh)

	var expired []*Session
	tbl.DrainExpired(ProtoUDP, now, 10*time.Second, func(s *Session) {
		expired = append(expired, s)
		tbl.Remove(s)
	})

	if len(expired) != 1 || expired[0] != stale {
		t.Fatalf("expected only the stale session to drain, got %d", len(expired))
	}
	if tbl.Count() != 1 {
		t.Fatalf("expected the fresh session to remain, count=%d", tbl.Count())
	}
}

func TestTableDetachAndReleaseDetached(t *testing.T) {
	tbl := NewTable(16, nil)
	s := newTestSession(ProtoTCP, 1111, 80, time.Now())
	tbl.Insert(s)

	tbl.Detach(s)
	if _, ok := tbl.Find(s.ID); !ok {
		t.Fatalf("detached session must remain reachable from the hash until released")
	}
	tbl.ReleaseDetached(s)
	if _, ok := tbl.Find(s.ID); ok {
		t.Fatalf("released session must no longer be reachable")
	}
}

func TestTableEnqueueTCPSaveMovesNotDuplicates(t *testing.T) {
	tbl := NewTable(16, nil)
	s1 := newTestSession(ProtoTCP, 1, 80, time.Now())
	s2 := newTestSession(ProtoTCP, 2, 80, time.Now())
	tbl.Insert(s1)
	tbl.Insert(s2)

	tbl.EnqueueTCPSave(s1)
	tbl.EnqueueTCPSave(s2)
	tbl.EnqueueTCPSave(s1) // re-enqueue must move, not duplicate

	if head := tbl.TCPSaveHead(); head != s2 {
		t.Fatalf("expected s2 to remain at the head after s1 moved to tail")
	}
}
