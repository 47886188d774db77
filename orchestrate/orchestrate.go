// Package orchestrate implements the save pipeline from spec.md §4.10
// (C11): mid-save and final-save, plus the can_quit shutdown predicate.
// Grounded on original_source/capture/db.c's save/free sequencing and on
// ingest.IngestMuxer's Sync/Close shutdown-drain pattern
// (github.com/gravwell/gravwell-gravwell/ingest) for the "drain every
// queue before declaring done" shape can_quit implements.
package orchestrate

import (
	"context"
	"time"

	"github.com/netcapd/netcapd/classify"
	"github.com/netcapd/netcapd/indexer"
	"github.com/netcapd/netcapd/session"
	"github.com/netcapd/netcapd/writer"
)

// Pipeline wires a session.Table's shard to its indexer server and
// capture writer, performing the mid/final-save sequencing spec.md
// §4.10 describes.
type Pipeline struct {
	Table   *session.Table
	Indexer *indexer.Server
	Writer  writer.Writer
}

func NewPipeline(table *session.Table, idx *indexer.Server, w writer.Writer) *Pipeline {
	return &Pipeline{Table: table, Indexer: idx, Writer: w}
}

// record builds the bulk-insert document for a session, spec.md §4.10:
// "serialize the session's current field set plus the list of (file-id,
// offset) tuples."
func (p *Pipeline) record(s *session.Session) map[string]interface{} {
	doc := s.Fields.Snapshot()
	doc["protocol"] = s.Protocol.String()
	doc["bytes"] = s.Bytes
	doc["dataBytes"] = s.DataBytes
	doc["packets"] = s.Packets
	doc["firstPacket"] = s.FirstPacket.Unix()
	doc["lastPacket"] = s.LastPacket.Unix()

	if len(s.FilePosArray) > 0 {
		positions := make([]map[string]interface{}, len(s.FilePosArray))
		for i, fp := range s.FilePosArray {
			positions[i] = map[string]interface{}{"fileId": fp.FileID, "offset": fp.Offset}
		}
		doc["filePos"] = positions
	}
	if len(s.FileNumArray) > 0 {
		doc["fileIds"] = append([]uint32(nil), s.FileNumArray...)
	}
	if len(s.Tags) > 0 {
		tags := make([]string, 0, len(s.Tags))
		for t := range s.Tags {
			tags = append(tags, t)
		}
		doc["tags"] = tags
	}
	return doc
}

// submit sends one record to the indexer asynchronously, framed as
// spec.md §6's newline-delimited JSON (index-op, document) bulk body; a
// nil Indexer (used by tests exercising only the bookkeeping side) is a
// no-op.
func (p *Pipeline) submit(doc map[string]interface{}) {
	if p.Indexer == nil {
		return
	}
	body, err := indexer.EncodeTelemetryBatch([]map[string]interface{}{doc})
	if err != nil {
		return
	}
	p.Indexer.SendAsync(&indexer.Request{
		Method: "POST",
		Path:   "/telemetry",
		Body:   body,
	})
}

// MidSave implements spec.md §4.10's initial save: snapshot fields and
// file positions, reset per-save accumulators, re-queue onto the TCP
// save-order queue, update lastSave.
func (p *Pipeline) MidSave(s *session.Session) {
	classify.SaveAll(s, false)
	doc := p.record(s)
	p.submit(doc)
	s.ResetSaveAccumulators()
	s.LastSave = time.Now()
	if s.Protocol == session.ProtoTCP {
		p.Table.EnqueueTCPSave(s)
	}
}

// FinalSave implements spec.md §4.10's final save: as mid-save, plus
// removal from the hash and all LRU queues. If outstandingTags > 0, the
// session is detached rather than freed immediately, and the actual
// free happens from the tag-resolution callback once the counter
// reaches zero (see ResumeIfDrained).
func (p *Pipeline) FinalSave(s *session.Session) {
	classify.SaveAll(s, true)
	doc := p.record(s)
	p.submit(doc)

	if s.OutstandingTags > 0 {
		s.NeedSave = true
		p.Table.Detach(s)
		return
	}
	p.free(s)
}

func (p *Pipeline) free(s *session.Session) {
	classify.FreeAll(s)
	p.Table.Remove(s)
}

// ResumeIfDrained is the tag-resolution callback's hook, spec.md §4.10:
// once outstandingTags reaches zero for a session already marked
// needSave, the deferred final-save completes and the session is freed.
func (p *Pipeline) ResumeIfDrained(s *session.Session) {
	if !s.NeedSave {
		return
	}
	p.Table.ReleaseDetached(s)
	p.free(s)
}

// CanQuit implements spec.md §4.10's can_quit predicate: "true only when
// every packet thread's writer queue is empty, every bulk indexer's
// queue is empty, and the session table is empty."
func CanQuit(tables []*session.Table, writers []writer.Writer, indexers []*indexer.Server) bool {
	for _, t := range tables {
		if t.Count() > 0 {
			return false
		}
	}
	for _, w := range writers {
		if w.QueueLength() > 0 {
			return false
		}
	}
	for _, idx := range indexers {
		if idx.QueueLength() > 0 {
			return false
		}
	}
	return true
}

// Shutdown performs spec.md §5's graceful shutdown sequence: "stop
// readers, drain packet queues, drain all writer queues, then
// final-save every remaining session." Readers/packet-queue draining is
// the caller's responsibility (it owns the capture.Source and ingress
// loop); Shutdown handles the final two steps for one pipeline's shard.
func (p *Pipeline) Shutdown(ctx context.Context, pollEvery time.Duration) {
	for {
		var remaining []*session.Session
		p.Table.ForAll(func(s *session.Session) { remaining = append(remaining, s) })
		if len(remaining) == 0 && p.Writer.QueueLength() == 0 {
			return
		}
		for _, s := range remaining {
			p.FinalSave(s)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollEvery):
		}
	}
}
