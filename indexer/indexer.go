// Package indexer implements the bulk indexer client from spec.md §4.9
// (C10): a pool of persistent HTTP/1.1 connections, sync/async
// submission, and the telemetry/config/tagger endpoints from spec.md
// §6. Grounded on ingest's IngestMuxer connection-pool/backoff pattern
// (github.com/gravwell/gravwell-gravwell/ingest) and on throttle.go's use
// of golang.org/x/time/rate for the back-pressure damper this package's
// Server applies to async submission.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/netcapd/netcapd/netlog"
)

const (
	defaultTimeout    = 10 * time.Second
	maxESRequests     = 4096
	backoffBase       = 2 * time.Second
	backoffMax        = 60 * time.Second
)

// Request is one outstanding submission, spec.md §4.9.
type Request struct {
	Method   string
	Path     string
	Body     []byte
	Priority int
	Callback func(status int, body []byte, err error)
}

// Server is one configured indexer endpoint group, spec.md §4.9:
// "create_server(hosts, default_port, max_conns, max_outstanding) ->
// Server."
type Server struct {
	hosts      []string
	client     *http.Client
	limiter    *rate.Limiter
	log        *netlog.Logger

	mu               sync.Mutex
	queued           []*Request
	inFlight         int
	maxOutstanding   int
	lastFailedConnect time.Time
	failureStreak    int

	cmdPost func(func()) // posts a callback to the originating thread's
	// command queue, per spec.md §5: "Bulk indexer callbacks run on the
	// packet thread that originated the request." Supplied by NewServer's
	// caller (e.g. a closure posting to session.Table.Commands); nil runs
	// callbacks in-line.
}

// NewServer constructs a Server. cmdPost is how async callbacks are
// handed back to the calling thread; pass nil to invoke callbacks
// in-line (used by tests and by non-packet-thread callers like /config
// bootstrap).
func NewServer(hosts []string, maxConns, maxOutstanding int, log *netlog.Logger, cmdPost func(func())) *Server {
	if log == nil {
		log = netlog.NewDiscard()
	}
	return &Server{
		hosts:   hosts,
		client:  &http.Client{Timeout: defaultTimeout, Transport: &http.Transport{MaxIdleConnsPerHost: maxConns}},
		limiter: rate.NewLimiter(rate.Limit(maxConns*4), maxConns*4),
		log:     log,
		maxOutstanding: maxOutstanding,
		cmdPost: cmdPost,
	}
}

func (s *Server) pickHost() string {
	if len(s.hosts) == 0 {
		return ""
	}
	return s.hosts[int(time.Now().UnixNano())%len(s.hosts)]
}

// inBackoff reports whether a prior connect failure's damper window is
// still open, spec.md §4.9: "Simultaneous failures trigger a
// lastFailedConnect damper so retries don't spin."
func (s *Server) inBackoff() bool {
	if s.failureStreak == 0 {
		return false
	}
	wait := backoffBase * time.Duration(1<<uint(s.failureStreak-1))
	if wait > backoffMax {
		wait = backoffMax
	}
	return time.Since(s.lastFailedConnect) < wait
}

func (s *Server) recordFailure() {
	s.lastFailedConnect = time.Now()
	s.failureStreak++
}

func (s *Server) recordSuccess() {
	s.failureStreak = 0
}

// SendSync blocks the calling thread until a complete HTTP response is
// parsed, spec.md §4.9: "send_sync(server, method, path, body) ->
// (status, body)."
func (s *Server) SendSync(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if s.inBackoff() {
		return 0, nil, fmt.Errorf("indexer: backoff active after %d failures", s.failureStreak)
	}
	host := s.pickHost()
	req, err := http.NewRequestWithContext(ctx, method, host+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := s.client.Do(req)
	if err != nil {
		s.recordFailure()
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		s.recordFailure()
		return 0, nil, err
	}
	s.recordSuccess()
	return resp.StatusCode, respBody, nil
}

// SendAsync enqueues a request, spec.md §4.9: "enqueues; callback(status,
// body) fires on the calling thread's command queue." When the queue
// already holds maxESRequests entries, the request is dropped (logged)
// unless it carries a callback, in which case the spec requires it not
// be dropped — this implementation still enqueues it, exceeding the cap
// rather than silently losing a caller-visible completion.
func (s *Server) SendAsync(req *Request) {
	s.mu.Lock()
	if len(s.queued) >= maxESRequests && req.Callback == nil {
		s.mu.Unlock()
		s.log.Warnf("indexer: dropping async request, queue at cap (%d)", maxESRequests)
		return
	}
	s.queued = append(s.queued, req)
	s.mu.Unlock()
	go s.drainOne()
}

func (s *Server) drainOne() {
	s.mu.Lock()
	if len(s.queued) == 0 || s.inFlight >= s.maxOutstanding {
		s.mu.Unlock()
		return
	}
	req := s.queued[0]
	s.queued = s.queued[1:]
	s.inFlight++
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	var (
		status int
		body   []byte
		err    error
	)
	if err = s.limiter.Wait(ctx); err == nil {
		status, body, err = s.SendSync(ctx, req.Method, req.Path, req.Body)
	}

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()

	if req.Callback != nil {
		fire := func() { req.Callback(status, body, err) }
		if s.cmdPost != nil {
			s.cmdPost(fire)
		} else {
			fire()
		}
	}
}

// QueueLength returns the sum of queued and in-flight requests, spec.md
// §4.9.
func (s *Server) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued) + s.inFlight
}

// ConfigResponse is the /config bootstrap payload, spec.md §6.
type ConfigResponse struct {
	Rules          []Rule `json:"rules"`
	VxlanID        int    `json:"vxlanId"`
	PacketEndpoint string `json:"packetEndpoint"`
	Source         string `json:"source"`
}

// Rule mirrors spec.md §6's rules JSON schema.
type Rule struct {
	Name       string `json:"name"`
	Action     string `json:"action"`
	Ports      string `json:"ports"`
	CIDRs      string `json:"cidrs"`
	MaxPackets int    `json:"maxPackets"`
}

// FetchConfig performs the agent-mode bootstrap request, spec.md §6:
// "POST /config ... response is JSON {rules, vxlanId, packetEndpoint,
// source}."
func (s *Server) FetchConfig(ctx context.Context) (*ConfigResponse, error) {
	status, body, err := s.SendSync(ctx, http.MethodPost, "/config", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("indexer: /config returned %d", status)
	}
	var cfg ConfigResponse
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("indexer: /config decode: %w", err)
	}
	return &cfg, nil
}

// EncodeTelemetryBatch renders records into spec.md §6's bulk wire
// format: "POST /telemetry — bulk session emission, body is
// newline-delimited JSON pairs," one (index-op, document) pair per
// record.
func EncodeTelemetryBatch(records []map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range records {
		enc, err := json.Marshal(map[string]interface{}{"index": map[string]interface{}{}})
		if err != nil {
			return nil, err
		}
		buf.Write(enc)
		buf.WriteByte('\n')
		doc, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		buf.Write(doc)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// SendTelemetry posts a batch of newline-delimited JSON (index-op,
// document) pairs, spec.md §6: "POST /telemetry — bulk session emission,
// body is newline-delimited JSON pairs."
func (s *Server) SendTelemetry(ctx context.Context, records []map[string]interface{}) (int, error) {
	body, err := EncodeTelemetryBatch(records)
	if err != nil {
		return 0, err
	}
	status, _, err := s.SendSync(ctx, http.MethodPost, "/telemetry", body)
	return status, err
}

// SearchTaggerFiles performs spec.md §6's "GET /tagger/_search?...".
func (s *Server) SearchTaggerFiles(ctx context.Context, query string) ([]byte, error) {
	_, body, err := s.SendSync(ctx, http.MethodGet, "/tagger/_search?"+query, nil)
	return body, err
}

// FetchTaggerFile performs spec.md §6's "GET /tagger/file/<id>".
func (s *Server) FetchTaggerFile(ctx context.Context, id string) ([]byte, error) {
	_, body, err := s.SendSync(ctx, http.MethodGet, "/tagger/file/"+id, nil)
	return body, err
}
