package reassembly

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/reassembly"

	"github.com/netcapd/netcapd/classify"
	"github.com/netcapd/netcapd/session"
)

// buildTCPSegment constructs a real Ethernet/IPv4/TCP packet and returns
// the flows/layer a StreamFactory would see, mirroring how
// ingress.Engine.HandleFrame itself decodes frames.
func buildTCPSegment(t *testing.T, srcIP, dstIP net.IP, srcPort, dstPort uint16) (gopacket.Flow, gopacket.Flow, *layers.TCP) {
	t.Helper()
	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4, SrcMAC: net.HardwareAddr{0, 0, 0, 0, 0, 1}, DstMAC: net.HardwareAddr{0, 0, 0, 0, 0, 2}}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: srcIP, DstIP: dstIP}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(srcPort), DstPort: layers.TCPPort(dstPort), Seq: 1, Window: 1024}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("set network layer: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload([]byte("x"))); err != nil {
		t.Fatalf("serialize layers: %v", err)
	}

	pkt := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	netFlow := pkt.NetworkLayer().NetworkFlow()
	tcpLayer, ok := pkt.TransportLayer().(*layers.TCP)
	if !ok {
		t.Fatalf("expected a decoded TCP layer")
	}
	return netFlow, tcpLayer.TransportFlow(), tcpLayer
}

// TestFactoryPinsWhichToSessionCreator verifies the session's stable
// direction bit is assigned from the same endpoint that created it, and
// that a later Stream built from the opposite physical direction (as
// happens when gopacket rebuilds a Stream after an idle flush) is
// detected as swapped so classify.Direction stays consistent.
func TestFactoryPinsWhichToSessionCreator(t *testing.T) {
	clientIP := net.IPv4(10, 0, 0, 1).To4()
	serverIP := net.IPv4(10, 0, 0, 2).To4()
	const clientPort, serverPort = 51000, 80

	id := session.NewID(6, clientIP, clientPort, serverIP, serverPort)
	s := session.New(id, session.ProtoTCP, 6, clientIP, clientPort, serverIP, serverPort, time.Now())

	factory := &Factory{Lookup: func(gopacket.Flow, gopacket.Flow) *session.Session { return s }}

	netFlow, tcpFlow, tcp := buildTCPSegment(t, clientIP, serverIP, clientPort, serverPort)
	st1, ok := factory.New(netFlow, tcpFlow, tcp, nil).(*stream)
	if !ok {
		t.Fatalf("expected *stream from Factory.New")
	}
	if s.Which {
		t.Fatalf("expected session.Which to be pinned false (addr1 is the client)")
	}
	if st1.swapped {
		t.Fatalf("first stream should align with session.Which, got swapped=true")
	}
	if got := st1.directionOf(reassembly.TCPDirClientToServer); got != classify.DirClientToServer {
		t.Fatalf("expected client-to-server, got %v", got)
	}

	// A Stream rebuilt from the server's side of the same flow (e.g. after
	// FlushOlderThan forces out the old Stream and a later packet recreates
	// one) must still resolve to the session's stable direction.
	netFlow2, tcpFlow2, tcp2 := buildTCPSegment(t, serverIP, clientIP, serverPort, clientPort)
	st2, ok := factory.New(netFlow2, tcpFlow2, tcp2, nil).(*stream)
	if !ok {
		t.Fatalf("expected *stream from second Factory.New")
	}
	if s.Which {
		t.Fatalf("SetWhich must not flip once pinned")
	}
	if !st2.swapped {
		t.Fatalf("second stream's native ClientToServer label is the server side, expected swapped=true")
	}
	// st2's gopacket-native ClientToServer direction is physically the
	// server talking, so once corrected for swap it must report
	// DirServerToClient, matching st1's notion of the same physical sender.
	if got := st2.directionOf(reassembly.TCPDirClientToServer); got != classify.DirServerToClient {
		t.Fatalf("expected server-to-client after swap correction, got %v", got)
	}
}
