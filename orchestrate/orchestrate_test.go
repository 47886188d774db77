package orchestrate

import (
	"net"
	"testing"
	"time"

	"github.com/netcapd/netcapd/indexer"
	"github.com/netcapd/netcapd/session"
	"github.com/netcapd/netcapd/writer"
)

type fakeWriter struct{ queued int }

func (w *fakeWriter) Write(ownerID uint64, data []byte, ts time.Time, capLen, pktLen int) (uint32, uint64, error) {
	return 1, 0, nil
}
func (w *fakeWriter) QueueLength() int { return w.queued }
func (w *fakeWriter) Exit() error      { return nil }

func newTestSession(proto session.Protocol) *session.Session {
	a := net.ParseIP("10.0.0.1")
	b := net.ParseIP("10.0.0.2")
	id := session.NewID(6, a, 1111, b, 80)
	return session.New(id, proto, 6, a, 1111, b, 80, time.Now())
}

func TestMidSaveRequeuesTCPAndResets(t *testing.T) {
	tbl := session.NewTable(16, nil)
	p := NewPipeline(tbl, nil, &fakeWriter{})

	s := newTestSession(session.ProtoTCP)
	tbl.Insert(s)
	s.AppendFilePos(1, 100)

	p.MidSave(s)

	if len(s.FilePosArray) != 0 {
		t.Fatalf("expected file-position accumulator reset after mid-save")
	}
	if tbl.TCPSaveHead() != s {
		t.Fatalf("expected the TCP session to be re-queued onto the save-order queue")
	}
	if tbl.Count() != 1 {
		t.Fatalf("mid-save must not remove the session from the table")
	}
}

func TestFinalSaveFreesWhenNoOutstandingTags(t *testing.T) {
	tbl := session.NewTable(16, nil)
	p := NewPipeline(tbl, nil, &fakeWriter{})

	s := newTestSession(session.ProtoUDP)
	tbl.Insert(s)

	p.FinalSave(s)

	if tbl.Count() != 0 {
		t.Fatalf("expected session removed from the table after final-save")
	}
}

func TestFinalSaveDefersWhenTagsOutstanding(t *testing.T) {
	tbl := session.NewTable(16, nil)
	p := NewPipeline(tbl, nil, &fakeWriter{})

	s := newTestSession(session.ProtoUDP)
	tbl.Insert(s)
	s.IncOutstandingTags()

	p.FinalSave(s)

	if !s.NeedSave {
		t.Fatalf("expected NeedSave set while tags are outstanding")
	}
	if _, ok := tbl.Find(s.ID); !ok {
		t.Fatalf("a detached session must remain reachable until released")
	}

	s.DecOutstandingTags()
	p.ResumeIfDrained(s)

	if _, ok := tbl.Find(s.ID); ok {
		t.Fatalf("expected the session freed once outstanding tags drained")
	}
}

func TestCanQuitRequiresEverythingEmpty(t *testing.T) {
	tbl := session.NewTable(16, nil)
	w := &fakeWriter{}

	if !CanQuit([]*session.Table{tbl}, []writer.Writer{w}, nil) {
		t.Fatalf("trivially empty inputs must report quittable")
	}

	s := newTestSession(session.ProtoUDP)
	tbl.Insert(s)
	if CanQuit([]*session.Table{tbl}, nil, nil) {
		t.Fatalf("a non-empty table must block quit")
	}
	tbl.Remove(s)

	w.queued = 1
	if CanQuit([]*session.Table{tbl}, []writer.Writer{w}, nil) {
		t.Fatalf("a non-empty writer queue must block quit")
	}
	w.queued = 0

	var idx []*indexer.Server
	if !CanQuit([]*session.Table{tbl}, []writer.Writer{w}, idx) {
		t.Fatalf("an empty indexer slice must not block quit")
	}
}
