// Package capture implements the packet capture source abstraction from
// spec.md §6: a push-callback interface with live/offline pcap and
// pcap-over-IP implementations. Grounded on pcapFileIngester/main.go's
// packetReader (github.com/google/gopacket/pcap's OpenLive/OpenOffline +
// ReadPacketData loop) and PacketFleet/main.go's pcapgo.NewReader-over-
// io.Reader handling for the streamed (pcap-over-IP) case.
package capture

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
)

// Frame is one captured packet delivered to the push callback, spec.md
// §6: "(timestamp, caplen, pktlen, bytes)".
type Frame struct {
	Timestamp time.Time
	CapLen    int
	PktLen    int
	Data      []byte
}

// Stats mirrors spec.md §6's capture source stats() contract.
type Stats struct {
	TotalPackets   uint64
	DroppedPackets uint64
}

// Source is the abstract packet capture source spec.md §6 names as an
// external collaborator: "start()/stop(), stats(), a push callback."
type Source interface {
	Start(push func(Frame)) error
	Stop() error
	Stats() Stats
}

// LiveSource wraps a libpcap live capture handle (github.com/google/
// gopacket/pcap), grounded on pcapFileIngester/main.go's packetReader.
type LiveSource struct {
	iface   string
	snaplen int32
	bpf     string

	handle *pcap.Handle
	done   chan struct{}
}

func NewLiveSource(iface string, snaplen int32, bpf string) *LiveSource {
	return &LiveSource{iface: iface, snaplen: snaplen, bpf: bpf, done: make(chan struct{})}
}

func (l *LiveSource) Start(push func(Frame)) error {
	h, err := pcap.OpenLive(l.iface, l.snaplen, true, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("capture: open live %s: %w", l.iface, err)
	}
	if l.bpf != "" {
		if err := h.SetBPFFilter(l.bpf); err != nil {
			h.Close()
			return fmt.Errorf("capture: bpf filter: %w", err)
		}
	}
	l.handle = h
	go l.readLoop(push)
	return nil
}

func (l *LiveSource) readLoop(push func(Frame)) {
	for {
		select {
		case <-l.done:
			return
		default:
		}
		data, ci, err := l.handle.ReadPacketData()
		if err != nil {
			if err == io.EOF {
				return
			}
			continue
		}
		push(Frame{Timestamp: ci.Timestamp, CapLen: ci.CaptureLength, PktLen: ci.Length, Data: data})
	}
}

func (l *LiveSource) Stop() error {
	close(l.done)
	if l.handle != nil {
		l.handle.Close()
	}
	return nil
}

func (l *LiveSource) Stats() Stats {
	if l.handle == nil {
		return Stats{}
	}
	st, err := l.handle.Stats()
	if err != nil {
		return Stats{}
	}
	return Stats{TotalPackets: uint64(st.PacketsReceived), DroppedPackets: uint64(st.PacketsDropped)}
}

// OfflineSource reads a single pcap file to completion, spec.md §6's
// "offline pcap files" implementation, grounded on pcapFileIngester's
// pcap.OpenOffline + ReadPacketData loop.
type OfflineSource struct {
	path string
	stat Stats
}

func NewOfflineSource(path string) *OfflineSource {
	return &OfflineSource{path: path}
}

func (o *OfflineSource) Start(push func(Frame)) error {
	h, err := pcap.OpenOffline(o.path)
	if err != nil {
		return fmt.Errorf("capture: open offline %s: %w", o.path, err)
	}
	defer h.Close()
	for {
		data, ci, err := h.ReadPacketData()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		o.stat.TotalPackets++
		push(Frame{Timestamp: ci.Timestamp, CapLen: ci.CaptureLength, PktLen: ci.Length, Data: data})
	}
}

func (o *OfflineSource) Stop() error  { return nil }
func (o *OfflineSource) Stats() Stats { return o.stat }

// pcapMagicLE and pcapMagicBE are the values readMagic (a little-endian
// decode of the first four bytes) returns for a pcap file written
// little-endian and big-endian respectively.
const (
	pcapMagicLE uint32 = 0xa1b2c3d4
	pcapMagicBE uint32 = 0xd4c3b2a1
)

// StreamSource reads bit-exact pcap framing off an arbitrary io.Reader,
// the shape both ends of pcap-over-IP share (spec.md §6), grounded on
// PacketFleet/main.go's processPcap, which streams an HTTP response
// body through pcapgo.NewReader the same way.
type StreamSource struct {
	r    io.Reader
	stat Stats
}

func NewStreamSource(r io.Reader) *StreamSource {
	return &StreamSource{r: bufio.NewReader(r)}
}

func (s *StreamSource) Start(push func(Frame)) error {
	pr, err := pcapgo.NewReader(s.r)
	if err != nil {
		return fmt.Errorf("capture: pcap-over-IP header: %w", err)
	}
	for {
		data, ci, err := pr.ReadPacketData()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		s.stat.TotalPackets++
		push(Frame{Timestamp: ci.Timestamp, CapLen: ci.CaptureLength, PktLen: ci.Length, Data: data})
	}
}

func (s *StreamSource) Stop() error  { return nil }
func (s *StreamSource) Stats() Stats { return s.stat }

// DialPcapOverIP connects to a pcap-over-IP server (spec.md §6 "client
// mode") and returns a StreamSource ready to Start.
func DialPcapOverIP(addr string) (*StreamSource, net.Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	return NewStreamSource(conn), conn, nil
}

// ServePcapOverIP accepts one pcap-over-IP client connection (spec.md §6
// "server mode") and writes the pcap global header plus every frame
// pushed to it via the returned channel until the channel is closed or
// the connection fails.
func ServePcapOverIP(conn net.Conn, snaplen uint32, linkType gopacket.LinkType) (chan<- Frame, error) {
	w := pcapgo.NewWriter(conn)
	if err := w.WriteFileHeader(snaplen, linkType); err != nil {
		conn.Close()
		return nil, err
	}
	ch := make(chan Frame, 256)
	go func() {
		defer conn.Close()
		for f := range ch {
			ci := gopacket.CaptureInfo{
				Timestamp:     f.Timestamp,
				CaptureLength: f.CapLen,
				Length:        f.PktLen,
			}
			if err := w.WritePacket(ci, f.Data); err != nil {
				return
			}
		}
	}()
	return ch, nil
}

// readMagic peeks the first 4 bytes of a stream to report which pcap
// byte order it declares, without consuming them — used by callers that
// need to pick a decoder before handing the reader to pcapgo.
func readMagic(r *bufio.Reader) (uint32, error) {
	b, err := r.Peek(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}
