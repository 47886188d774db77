// Package healthcheck implements the tcphealthcheck-style TCP listener
// plugin from original_source/capture/plugins/tcphealthcheck.c: a
// minimal TCP listener that accepts a connection, writes a one-line
// status response ("OK <detail>" or "FAIL <detail>", from the caller's
// Status func), and closes — used by load balancers/orchestrators
// to probe whether the capture process is still servicing its event
// loop. Per SPEC_FULL.md, this is wired only at the cmd/netcapd
// bootstrap boundary, never from the packet-processing path, matching
// spec.md's framing of transport plugins as external collaborators.
package healthcheck

import (
	"context"
	"net"
	"time"

	"github.com/netcapd/netcapd/netlog"
)

// Status is queried by the listener on every accepted connection; the
// caller supplies it so the probe reflects live engine state (e.g.
// orchestrate.CanQuit-adjacent readiness) rather than process liveness
// alone.
type Status func() (ok bool, detail string)

// Listener is a bound TCP health-check endpoint.
type Listener struct {
	addr   string
	status Status
	log    *netlog.Logger

	ln net.Listener
}

func New(addr string, status Status, log *netlog.Logger) *Listener {
	if log == nil {
		log = netlog.NewDiscard()
	}
	if status == nil {
		status = func() (bool, string) { return true, "ok" }
	}
	return &Listener{addr: addr, status: status, log: log}
}

// Start binds the listener and serves until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.ln = ln
	go l.serve(ctx)
	return nil
}

func (l *Listener) serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				l.log.Warnf("healthcheck: accept: %v", err)
				return
			}
		}
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))

	ok, detail := l.status()
	resp := "OK " + detail + "\n"
	if !ok {
		resp = "FAIL " + detail + "\n"
	}
	conn.Write([]byte(resp))
}

func (l *Listener) Stop() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}
