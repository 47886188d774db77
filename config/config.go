// Package config loads the netcapd process configuration from a gcfg-style
// .conf file. It is intentionally thin: the full CLI front end and the
// physical-capture-source configuration are out of scope (spec.md §1); this
// package owns only the knobs the core pipeline (session timeouts, capture
// rotation, indexer targets, drop-hash persistence) needs to operate.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravwell/gcfg"
)

const (
	kb = 1024
	mb = 1024 * kb
	gb = 1024 * mb

	defaultLogLevel       = `ERROR`
	defaultSessionBuckets = 200003 // near the spec's "~200k buckets"
	defaultMaxPackets     = 10000
	defaultMaxFileSizeG   = 12
	defaultMaxFileTimeM   = 60
	defaultLogEveryX      = 50000

	defaultUDPTimeoutSec     = 60
	defaultTCPTimeoutSec     = 8 * 60
	defaultTCPSaveTimeoutSec = 8 * 60
)

var (
	ErrNoIndexerTargets  = errors.New("no indexer targets configured")
	ErrGlobalNotFound    = errors.New("global config section not found")
	ErrInvalidLogLevel   = errors.New("invalid log level")
	ErrInvalidMaxPackets = errors.New("max-packets must be positive or -1 for unlimited")
)

// Global holds the process-wide knobs every subsystem reads by reference.
// It is constructed once at startup (per the task's ambient-config design
// note) and never mutated afterward except for the hot-reload counters
// noted per field.
type Global struct {
	Ingester_UUID     string
	Log_Level         string
	Log_File          string
	Session_Buckets   int
	Max_Packets       int // -1 == unlimited; triggers mid-save when reached
	Max_File_Size_G   int
	Max_File_Time_M   int
	Log_Every_X       int
	Pcap_Write_Size   int
	Drop_Hash_Path    string
	Packet_Threads    int
	Indexer_Target    []string
	Indexer_Timeout   string
	UDP_Timeout       string
	TCP_Timeout       string
	TCP_Save_Timeout  string
	ICMP_Timeout      string // empty == no default timeout, per spec.md §4.4
}

// Config is the root of the .conf file; ingesters embed Global plus their
// own sections the way gravwell's PacketFleet/config.go embeds
// config.IngestConfig.
type Config struct {
	Global Global
}

func (g *Global) setDefaults() {
	if g.Log_Level == `` {
		g.Log_Level = defaultLogLevel
	}
	if g.Session_Buckets <= 0 {
		g.Session_Buckets = defaultSessionBuckets
	}
	if g.Max_Packets == 0 {
		g.Max_Packets = defaultMaxPackets
	}
	if g.Max_File_Size_G <= 0 {
		g.Max_File_Size_G = defaultMaxFileSizeG
	}
	if g.Max_File_Time_M <= 0 {
		g.Max_File_Time_M = defaultMaxFileTimeM
	}
	if g.Log_Every_X <= 0 {
		g.Log_Every_X = defaultLogEveryX
	}
	if g.Packet_Threads <= 0 {
		g.Packet_Threads = 1
	}
	if g.UDP_Timeout == `` {
		g.UDP_Timeout = fmt.Sprintf("%ds", defaultUDPTimeoutSec)
	}
	if g.TCP_Timeout == `` {
		g.TCP_Timeout = fmt.Sprintf("%ds", defaultTCPTimeoutSec)
	}
	if g.TCP_Save_Timeout == `` {
		g.TCP_Save_Timeout = fmt.Sprintf("%ds", defaultTCPSaveTimeoutSec)
	}
}

// Verify validates the loaded config, filling in defaults and minting an
// ingester UUID on first run, mirroring gravwell's IngestConfig.Verify.
func (g *Global) Verify() error {
	g.setDefaults()
	if g.Ingester_UUID != `` {
		if _, err := uuid.Parse(g.Ingester_UUID); err != nil {
			return fmt.Errorf("malformed ingester UUID %v: %w", g.Ingester_UUID, err)
		}
	} else {
		g.Ingester_UUID = uuid.New().String()
	}
	g.Log_Level = strings.ToUpper(strings.TrimSpace(g.Log_Level))
	if _, err := LevelValid(g.Log_Level); err != nil {
		return err
	}
	if g.Max_Packets < -1 || g.Max_Packets == 0 {
		return ErrInvalidMaxPackets
	}
	if len(g.Indexer_Target) == 0 {
		return ErrNoIndexerTargets
	}
	return nil
}

// LevelValid checks a textual log level without importing the netlog
// package, avoiding a config<->netlog import cycle.
func LevelValid(s string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case `OFF`, `DEBUG`, `INFO`, `WARN`, `ERROR`, `CRITICAL`, `FATAL`:
		return s, nil
	}
	return ``, ErrInvalidLogLevel
}

// UDPIdleTimeout, TCPIdleTimeout, TCPSaveTimeout parse the textual
// durations. Verify does not check these strings; a malformed value
// parses as 0 rather than causing an error or panic.
func (g *Global) UDPIdleTimeout() time.Duration      { return mustParseDuration(g.UDP_Timeout) }
func (g *Global) TCPIdleTimeout() time.Duration      { return mustParseDuration(g.TCP_Timeout) }
func (g *Global) TCPSaveTimeout() time.Duration      { return mustParseDuration(g.TCP_Save_Timeout) }
func (g *Global) ICMPIdleTimeout() (time.Duration, bool) {
	if g.ICMP_Timeout == `` {
		return 0, false
	}
	return mustParseDuration(g.ICMP_Timeout), true
}

func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Load reads and parses a .conf file using gcfg's INI-style reader, the
// same loader gravwell's ingest/config package wraps over
// github.com/gravwell/gcfg.
func Load(path string) (*Config, error) {
	var c Config
	if err := gcfg.ReadFileInto(&c, path); err != nil {
		return nil, err
	}
	if err := c.Global.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadBytes parses configuration already read into memory; split out of
// Load so tests can exercise parsing without touching the filesystem.
func LoadBytes(b []byte) (*Config, error) {
	var c Config
	if err := gcfg.ReadStringInto(&c, string(b)); err != nil {
		return nil, err
	}
	if err := c.Global.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}
