// Package ingress implements the per-packet pipeline from spec.md §4.4
// (C5): link-layer decode, drop-hash suppression, session lookup/create,
// direct UDP classification, file-position bookkeeping, mid-save
// triggering, and per-protocol LRU draining. Grounded on
// pcapFileIngester/main.go's packetReader loop for the decode-dispatch-
// log shape, and on gopacket/layers for link/IP/transport-layer
// decoding (the only packet-decode library anywhere in the pack).
package ingress

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/netcapd/netcapd/capture"
	"github.com/netcapd/netcapd/classify"
	"github.com/netcapd/netcapd/classify/parsers/dns"
	"github.com/netcapd/netcapd/classify/parsers/isis"
	"github.com/netcapd/netcapd/drophash"
	"github.com/netcapd/netcapd/netlog"
	"github.com/netcapd/netcapd/reassembly"
	"github.com/netcapd/netcapd/session"
	"github.com/netcapd/netcapd/writer"
)

// Thresholds bundles the per-protocol idle timeouts and logging cadence
// from spec.md §4.4's "Per-protocol idle timeouts (config defaults)".
type Thresholds struct {
	ICMPIdle     time.Duration // zero means no timeout, per spec.md default
	UDPIdle      time.Duration
	TCPIdle      time.Duration
	TCPSaveIdle  time.Duration
	MaxPackets   int // filePosArray length that triggers mid-save
	LogEveryX    uint64
}

// MidSaveFunc performs the mid-save pipeline (field.Store snapshot +
// filePosArray submission + reset), implemented by orchestrate; ingress
// only needs to know when to call it.
type MidSaveFunc func(s *session.Session)

// FinalSaveFunc performs the final-save pipeline and removes s from the
// table; implemented by orchestrate.
type FinalSaveFunc func(s *session.Session)

// Engine runs one packet thread's ingress loop over one shard of the
// session table, spec.md §5: "packetThreads capture/processing threads.
// Each owns an exclusive shard of the session table."
type Engine struct {
	ThreadID   uint64
	Table      *session.Table
	DropHashV4 *drophash.Group
	DropHashV6 *drophash.Group
	Thresholds Thresholds
	MidSave    MidSaveFunc
	FinalSave  FinalSaveFunc
	Writer     writer.Writer
	FileID     func() uint32 // current capture file id, from Writer's allocator
	Log        *netlog.Logger

	Reassembly *reassembly.Adapter

	packetCount uint64
	dropCount   uint64
}

func NewEngine(threadID uint64, table *session.Table, v4, v6 *drophash.Group, th Thresholds, mid MidSaveFunc, final FinalSaveFunc, w writer.Writer, fileID func() uint32, log *netlog.Logger) *Engine {
	if log == nil {
		log = netlog.NewDiscard()
	}
	e := &Engine{ThreadID: threadID, Table: table, DropHashV4: v4, DropHashV6: v6, Thresholds: th, MidSave: mid, FinalSave: final, Writer: w, FileID: fileID, Log: log}
	e.Reassembly = reassembly.NewAdapter(func(netFlow, tcpFlow gopacket.Flow) *session.Session {
		s, _ := table.Find(flowToID(netFlow, tcpFlow))
		return s
	})
	return e
}

// flowToID rebuilds the canonical session.ID from a TCP segment's
// gopacket flows, so the reassembly adapter's StreamFactory can resolve
// the same Session handleIP already created for this flow's ID.
func flowToID(netFlow, tcpFlow gopacket.Flow) session.ID {
	srcIP := net.IP(netFlow.Src().Raw())
	dstIP := net.IP(netFlow.Dst().Raw())
	srcPort := binary.BigEndian.Uint16(tcpFlow.Src().Raw())
	dstPort := binary.BigEndian.Uint16(tcpFlow.Dst().Raw())
	return session.NewID(6, srcIP, srcPort, dstIP, dstPort)
}

// HandleFrame runs spec.md §4.4's full per-packet pipeline for one
// captured frame.
func (e *Engine) HandleFrame(f capture.Frame) {
	e.Table.DrainCommands()

	pkt := gopacket.NewPacket(f.Data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	if eth, ok := pkt.LinkLayer().(*layers.Ethernet); ok && eth.EthernetType == 0x83 {
		e.handleISIS(f)
		e.afterPacket()
		return
	}

	netLayer := pkt.NetworkLayer()
	if netLayer == nil {
		e.afterPacket()
		return
	}

	switch nl := netLayer.(type) {
	case *layers.IPv4:
		e.handleIP(f, nl.SrcIP, nl.DstIP, uint8(nl.Protocol), pkt)
	case *layers.IPv6:
		e.handleIP(f, nl.SrcIP, nl.DstIP, uint8(nl.NextHeader), pkt)
	}
	e.afterPacket()
}

// handleISIS builds the constant aggregate session-id, spec.md §4.4
// step 1.
func (e *Engine) handleISIS(f capture.Frame) {
	id := session.ISISAggregateID()
	s, ok := e.Table.Find(id)
	if !ok {
		s = session.New(id, session.ProtoOther, 0x83, nil, 0, nil, 0, f.Timestamp)
		e.Table.Insert(s)
		s.AddTag("protocol:isis")
	}
	isis.Classify(s, f.Data)
	s.Packets++
	s.Bytes += uint64(f.PktLen)
	s.LastPacket = f.Timestamp
}

func (e *Engine) handleIP(f capture.Frame, src, dst net.IP, ipProto uint8, pkt gopacket.Packet) {
	srcPort, dstPort := portsOf(pkt)
	id := session.NewID(ipProto, src, srcPort, dst, dstPort)

	dg := e.DropHashV4
	if len(src) == 16 {
		dg = e.DropHashV6
	}
	now := uint32(f.Timestamp.Unix())
	if dg != nil {
		if dg.ShouldDrop(srcPort, src, now) || dg.ShouldDrop(dstPort, dst, now) {
			e.dropCount++
			return
		}
	}

	s, created := e.lookupOrCreate(id, ipProto, src, dst, srcPort, dstPort, f.Timestamp)
	if created {
		e.Table.TouchLRU(s)
	}

	switch proto := protocolOf(ipProto); proto {
	case session.ProtoUDP:
		payload := transportPayload(pkt)
		if dstPort == 53 || srcPort == 53 {
			dns.Classify(s, classify.DirClientToServer, payload)
		}
	case session.ProtoTCP:
		if tcp, ok := pkt.TransportLayer().(*layers.TCP); ok && e.Reassembly != nil {
			e.Reassembly.Assemble(pkt.NetworkLayer().NetworkFlow(), tcp, gopacket.CaptureInfo{
				Timestamp:      f.Timestamp,
				CaptureLength:  len(f.Data),
				Length:         f.PktLen,
			})
		}
	}

	if e.Writer != nil {
		if fileID, offset, err := e.Writer.Write(e.ThreadID, f.Data, f.Timestamp, f.CapLen, f.PktLen); err == nil {
			s.AppendFilePos(fileID, offset)
		} else {
			e.Log.Errorf("ingress[%d]: capture write: %v", e.ThreadID, err)
		}
	}
	s.Packets++
	s.Bytes += uint64(f.PktLen)
	s.LastPacket = f.Timestamp
	e.Table.TouchLRU(s)

	if len(s.FilePosArray) >= e.Thresholds.MaxPackets && e.Thresholds.MaxPackets > 0 {
		e.MidSave(s)
	}
}

func (e *Engine) lookupOrCreate(id session.ID, ipProto uint8, src, dst net.IP, srcPort, dstPort uint16, ts time.Time) (*session.Session, bool) {
	if s, ok := e.Table.Find(id); ok {
		return s, false
	}
	proto := protocolOf(ipProto)
	s := session.New(id, proto, ipProto, src, srcPort, dst, dstPort, ts)
	s.AddTag(proto.String())
	e.Table.Insert(s)
	return s, true
}

func protocolOf(ipProto uint8) session.Protocol {
	switch ipProto {
	case 1, 58: // ICMP, ICMPv6
		return session.ProtoICMP
	case 6:
		return session.ProtoTCP
	case 17:
		return session.ProtoUDP
	}
	return session.ProtoOther
}

func portsOf(pkt gopacket.Packet) (uint16, uint16) {
	if tl := pkt.TransportLayer(); tl != nil {
		switch t := tl.(type) {
		case *layers.TCP:
			return uint16(t.SrcPort), uint16(t.DstPort)
		case *layers.UDP:
			return uint16(t.SrcPort), uint16(t.DstPort)
		}
	}
	return 0, 0
}

func transportPayload(pkt gopacket.Packet) []byte {
	if tl := pkt.TransportLayer(); tl != nil {
		return tl.LayerPayload()
	}
	return nil
}

// afterPacket runs the cadence logging and LRU drain steps from spec.md
// §4.4 steps 8 and "Logging cadence."
func (e *Engine) afterPacket() {
	e.packetCount++
	if e.Thresholds.LogEveryX > 0 && e.packetCount%e.Thresholds.LogEveryX == 0 {
		e.Log.Infof("ingress[%d]: packets=%d dropped=%d table=%d", e.ThreadID, e.packetCount, e.dropCount, e.Table.Count())
	}

	now := time.Now()
	e.drainProto(session.ProtoICMP, e.Thresholds.ICMPIdle, now)
	e.drainProto(session.ProtoUDP, e.Thresholds.UDPIdle, now)
	e.drainProto(session.ProtoTCP, e.Thresholds.TCPIdle, now)
}

func (e *Engine) drainProto(p session.Protocol, timeout time.Duration, now time.Time) {
	if timeout <= 0 {
		return
	}
	e.Table.DrainExpired(p, now, timeout, func(s *session.Session) {
		e.FinalSave(s)
	})
}
