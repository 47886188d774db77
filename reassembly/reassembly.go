// Package reassembly implements the TCP reassembly adapter from
// spec.md §4.5 (C6): a github.com/google/gopacket/reassembly.Stream
// implementation per session that hands ordered half-stream bytes to
// the classify package's dispatcher, tracks per-direction offsets, and
// requests the reassembler discard bytes once parsers have consumed
// them. No file in the pack reassembles TCP directly (gravwell ingests
// finished log lines, not raw packets), so this adapter is grounded on
// gopacket/reassembly's own documented Stream/StreamFactory contract,
// which is the only third-party TCP reassembly implementation anywhere
// in the dependency graph this module pulls in.
package reassembly

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/reassembly"

	"github.com/netcapd/netcapd/classify"
	"github.com/netcapd/netcapd/session"
)

// classifyGate records whether a stream's classifier run has matched;
// once done is set, ReassembledSG stops running the classifier registry,
// per spec.md §4.5: "calls classifiers (at-most-once per session,
// earliest-evidence-wins)."
type classifyGate struct {
	done bool
}

// SessionLookup resolves the Session for a TCP flow, creating it if
// necessary, mirroring spec.md §4.4 steps 2-4. Supplied by the ingress
// package so this package doesn't depend on session.Table directly
// (avoids a needless cross-package concrete dependency; the adapter only
// needs "give me the session for this flow").
type SessionLookup func(netFlow, tcpFlow gopacket.Flow) *session.Session

// Factory implements reassembly.StreamFactory, spec.md §4.5's "attaches
// as the consumer of ordered half-stream buffers."
type Factory struct {
	Lookup SessionLookup
}

func (f *Factory) New(netFlow, tcpFlow gopacket.Flow, tcp *layers.TCP, ac reassembly.AssemblerContext) reassembly.Stream {
	s := f.Lookup(netFlow, tcpFlow)
	st := &stream{session: s, netFlow: netFlow, tcpFlow: tcpFlow}
	if s != nil {
		// gopacket's own "ClientToServer" label for this flow is whichever
		// side this Stream was first built from; pin session.Which to that
		// same endpoint so it stays correct for the session's lifetime
		// even if a later packet rebuilds this Stream after an idle flush.
		addr1IsFlowSrc := sameEndpoint(netFlow.Src(), tcpFlow.Src(), s.Addr1, s.Port1)
		s.SetWhich(!addr1IsFlowSrc)
		st.swapped = s.Which != !addr1IsFlowSrc
	}
	return st
}

func sameEndpoint(netSrc, tcpSrc gopacket.Endpoint, addr net.IP, port uint16) bool {
	if !net.IP(netSrc.Raw()).Equal(addr) {
		return false
	}
	return binary.BigEndian.Uint16(tcpSrc.Raw()) == port
}

// stream is one TCP flow's reassembly.Stream implementation. gopacket's
// reassembly tracks the two directions of a flow as a single logical
// stream distinguished by reassembly.TCPFlowDirection; this adapter maps
// that onto classify.Direction via whichever endpoint matches
// session.Which, so a stream rebuilt after an idle flush (where gopacket
// might otherwise relabel "ClientToServer" to the other physical
// endpoint) still reports direction consistently for the session.
type stream struct {
	session *session.Session
	netFlow gopacket.Flow
	tcpFlow gopacket.Flow

	// swapped is true when this particular Stream's gopacket-native
	// ClientToServer label turned out to disagree with session.Which
	// (only possible if Which was already pinned by an earlier Stream for
	// this session); directionOf corrects for it.
	swapped bool

	classified classifyGate
}

// Accept lets every in-order segment through; spec.md doesn't specify
// out-of-order segment rejection beyond what gopacket/reassembly itself
// already guarantees via its internal ordering buffer.
func (st *stream) Accept(tcp *layers.TCP, ci gopacket.CaptureInfo, dir reassembly.TCPFlowDirection, nextSeq reassembly.Sequence, start *bool, ac reassembly.AssemblerContext) bool {
	return true
}

// directionOf maps gopacket/reassembly's TCPDirClientToServer /
// TCPDirServerToClient onto this module's classify.Direction, correcting
// for st.swapped so the result always tracks session.Which rather than
// gopacket's per-Stream labeling.
func (st *stream) directionOf(dir reassembly.TCPFlowDirection) classify.Direction {
	serverToClient := dir == reassembly.TCPDirServerToClient
	if st.swapped {
		serverToClient = !serverToClient
	}
	if serverToClient {
		return classify.DirServerToClient
	}
	return classify.DirClientToServer
}

// ReassembledSG delivers one ordered, contiguous chunk for a direction,
// spec.md §4.5: "On every data event it derives (data, count_new) ...
// calls registered parsers ... calls classifiers ... requests discard of
// bytes consumed ... updates session.offsets[which]."
func (st *stream) ReassembledSG(sg reassembly.ScatterGather, ac reassembly.AssemblerContext) {
	dirRaw, _, _, _ := sg.Info()
	length, _ := sg.Lengths()
	if length == 0 {
		return
	}
	data := sg.Fetch(length)
	dir := st.directionOf(dirRaw)

	which := 0
	if dir == classify.DirServerToClient {
		which = 1
	}
	st.session.Offsets[which] += uint64(length)
	st.session.DataBytes += uint64(length)

	if !st.classified.done {
		if classify.Default().Classify(st.session, classify.TCP, dir, data) {
			st.classified.done = true
		}
	}
	classify.Dispatch(st.session, dir, data)

	sg.KeepFrom(length)
}

// ReassemblyComplete runs the parser flush on teardown, modeled as a
// zero-length dispatch per direction so stateful parsers see an explicit
// end-of-stream marker. It does not save or unlink the session, and
// ingress does not react to its return value; the session is final-saved
// only when ingress's idle LRU drain expires it.
func (st *stream) ReassemblyComplete(ac reassembly.AssemblerContext) bool {
	classify.Dispatch(st.session, classify.DirClientToServer, nil)
	classify.Dispatch(st.session, classify.DirServerToClient, nil)
	return true
}

// Adapter owns the gopacket/reassembly Assembler and StreamPool,
// wiring packets from ingress into reassembly.Stream callbacks.
type Adapter struct {
	pool      *reassembly.StreamPool
	assembler *reassembly.Assembler
}

func NewAdapter(lookup SessionLookup) *Adapter {
	factory := &Factory{Lookup: lookup}
	pool := reassembly.NewStreamPool(factory)
	return &Adapter{pool: pool, assembler: reassembly.NewAssembler(pool)}
}

// Assemble feeds one TCP segment into the reassembler, spec.md §4.5's
// entry point from ingress for "each TCP session seen in an ESTABLISHED
// state."
func (a *Adapter) Assemble(netFlow gopacket.Flow, tcp *layers.TCP, ci gopacket.CaptureInfo) {
	a.assembler.AssembleWithContext(netFlow, tcp, &context{ci: ci})
}

// FlushOlderThan forces completion of any stream idle longer than age,
// the reassembly-side half of spec.md §4.4's per-protocol TCP idle
// timeout (the session-level LRU drain in ingress handles final-save;
// this ensures the reassembler itself doesn't pin buffers for a dead
// flow).
func (a *Adapter) FlushOlderThan(age time.Duration) {
	a.assembler.FlushCloseOlderThan(time.Now().Add(-age))
}

// context is the minimal reassembly.AssemblerContext implementation:
// just the packet's capture timestamp.
type context struct {
	ci gopacket.CaptureInfo
}

func (c *context) GetCaptureInfo() gopacket.CaptureInfo { return c.ci }
