// Command netcapd bootstraps the packet-capture/session-indexing engine:
// it loads the config file, builds one session.Table shard and ingress
// engine per configured packet thread, wires a capture.Source, starts
// the healthcheck listener, and drives a signal-triggered graceful
// shutdown. Grounded on pcapFileIngester/main.go and PacketFleet/main.go
// for the flag-parse-then-run shape and signal handling.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/netcapd/netcapd/capture"
	"github.com/netcapd/netcapd/config"
	"github.com/netcapd/netcapd/drophash"
	"github.com/netcapd/netcapd/healthcheck"
	"github.com/netcapd/netcapd/indexer"
	"github.com/netcapd/netcapd/ingress"
	"github.com/netcapd/netcapd/netlog"
	"github.com/netcapd/netcapd/orchestrate"
	"github.com/netcapd/netcapd/session"
	"github.com/netcapd/netcapd/writer"
)

var (
	confFlag    = flag.String("config-file", "", "path to the netcapd configuration file")
	ifaceFlag   = flag.String("iface", "", "live capture interface; mutually exclusive with -pcap-file")
	pcapFlag    = flag.String("pcap-file", "", "offline pcap file to process instead of a live interface")
	bpfFlag     = flag.String("bpf-filter", "", "BPF filter applied to the capture source")
	healthFlag  = flag.String("health-addr", "", "address for the TCP health-check listener; empty disables it")
	verFlag     = flag.Bool("version", false, "print version information and exit")
)

const version = "netcapd 0.1.0"

func main() {
	flag.Parse()
	if *verFlag {
		fmt.Println(version)
		os.Exit(0)
	}

	path := config.ConfigPath(*confFlag, "")
	if path == "" {
		fmt.Fprintln(os.Stderr, "no configuration file specified (-config-file or NETCAPD_CONFIG)")
		os.Exit(1)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logFile, err := openLogFile(cfg.Global.Log_File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
		os.Exit(1)
	}
	log := netlog.New(logFile)
	defer log.Close()

	lvl := cfg.Global.Log_Level
	if override, ok := config.LogLevelOverride(); ok {
		lvl = override
	}
	if err := log.SetLevelString(lvl); err != nil {
		log.Errorf("bad log level %q, defaulting: %v", lvl, err)
	}
	log.Infof("starting %s ingester=%s", version, cfg.Global.Ingester_UUID)

	if err := run(cfg, log); err != nil {
		log.Errorf("fatal: %v", err)
		os.Exit(1)
	}
}

func openLogFile(path string) (*os.File, error) {
	if path == "" || path == "-" {
		return os.Stderr, nil
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

func run(cfg *config.Config, log *netlog.Logger) error {
	threads := int(cfg.Global.Packet_Threads)
	if threads <= 0 {
		threads = 1
	}

	idx := indexer.NewServer(cfg.Global.Indexer_Target, 4, 64, log, nil)

	dropV4 := drophash.NewGroup(4, cfg.Global.Drop_Hash_Path)
	dropV6 := drophash.NewGroup(16, "")
	if err := dropV4.Load(uint32(time.Now().Unix())); err != nil {
		log.Warnf("drophash load: %v", err)
	}

	fa := newSequentialAllocator(int64(cfg.Global.Max_File_Size_G))

	tables := make([]*session.Table, threads)
	pipelines := make([]*orchestrate.Pipeline, threads)
	engines := make([]*ingress.Engine, threads)
	writers := make([]writer.Writer, threads)

	thresholds := ingress.Thresholds{
		UDPIdle:     cfg.Global.UDPIdleTimeout(),
		TCPIdle:     cfg.Global.TCPIdleTimeout(),
		TCPSaveIdle: cfg.Global.TCPSaveTimeout(),
		MaxPackets:  cfg.Global.Max_Packets,
		LogEveryX:   uint64(cfg.Global.Log_Every_X),
	}
	if icmp, ok := cfg.Global.ICMPIdleTimeout(); ok {
		thresholds.ICMPIdle = icmp
	}

	for i := 0; i < threads; i++ {
		t := session.NewTable(uint32(cfg.Global.Session_Buckets), log)
		w := writer.NewSimple(fa, int64(cfg.Global.Max_File_Size_G)<<30, time.Duration(cfg.Global.Max_File_Time_M)*time.Minute, layers.LinkTypeEthernet, 262144, log)
		p := orchestrate.NewPipeline(t, idx, w)

		tables[i], writers[i], pipelines[i] = t, w, p
		engines[i] = ingress.NewEngine(uint64(i), t, dropV4, dropV6, thresholds, p.MidSave, p.FinalSave, w, fa.currentID, log)
	}

	var hc *healthcheck.Listener
	if *healthFlag != "" {
		hc = healthcheck.New(*healthFlag, func() (bool, string) {
			depth := 0
			for _, t := range tables {
				depth += t.Count()
			}
			return true, fmt.Sprintf("serving sessions=%d", depth)
		}, log)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := hc.Start(ctx); err != nil {
			log.Warnf("healthcheck listener: %v", err)
		}
	}

	src, err := buildSource()
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Infof("shutdown signal received, draining")
		src.Stop()
	}()

	if err := src.Start(func(f capture.Frame) {
		engines[frameShard(f, threads)].HandleFrame(f)
	}); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i, p := range pipelines {
		log.Infof("draining packet thread %d", i)
		p.Shutdown(ctx, time.Second)
	}
	if hc != nil {
		hc.Stop()
	}
	return nil
}

// frameShard assigns an incoming frame to a packet thread by a
// direction-symmetric hash of its network and transport endpoints, so
// both directions of a flow always reach the same engine and Table shard.
// Frames without a network layer (e.g. ISIS) all go to shard 0.
func frameShard(f capture.Frame, threads int) int {
	if threads <= 1 || len(f.Data) == 0 {
		return 0
	}
	pkt := gopacket.NewPacket(f.Data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	var h uint64
	if nl := pkt.NetworkLayer(); nl != nil {
		h = nl.NetworkFlow().FastHash()
		if tl := pkt.TransportLayer(); tl != nil {
			h ^= tl.TransportFlow().FastHash()
		}
	}
	return int(h % uint64(threads))
}

func buildSource() (capture.Source, error) {
	switch {
	case *pcapFlag != "":
		return capture.NewOfflineSource(*pcapFlag), nil
	case *ifaceFlag != "":
		return capture.NewLiveSource(*ifaceFlag, 262144, *bpfFlag), nil
	default:
		return nil, fmt.Errorf("one of -iface or -pcap-file is required")
	}
}

// sequentialAllocator is the minimal writer.FileAllocator this bootstrap
// uses when no indexer-assigned-filename bootstrap handshake is wired
// yet: spec.md §4.8 says names are assigned by the indexer, but the
// file-id/path minting itself is orthogonal to the session/reassembly
// core this module specifies, so a local monotonic allocator satisfies
// the interface for a standalone run.
type sequentialAllocator struct {
	dir    string
	nextID uint32
	sizes  map[uint32]int64
}

func newSequentialAllocator(maxFileSizeG int64) *sequentialAllocator {
	return &sequentialAllocator{dir: os.TempDir(), sizes: make(map[uint32]int64)}
}

func (a *sequentialAllocator) NextFile() (uint32, string, error) {
	a.nextID++
	return a.nextID, fmt.Sprintf("%s/netcapd-%d.pcap", a.dir, a.nextID), nil
}

func (a *sequentialAllocator) ReportSize(fileID uint32, bytes int64) {
	a.sizes[fileID] = bytes
}

func (a *sequentialAllocator) currentID() uint32 { return a.nextID }
