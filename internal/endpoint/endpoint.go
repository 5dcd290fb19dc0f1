// Package endpoint runs one established connection over a secure channel:
// a reader and a writer goroutine, heartbeats, response correlation and the
// detach/attach handover of the live socket.
//
// Ownership boundary:
// - connection state, error code and traffic counters
// - reader/writer goroutines and their stop sequence
// - management packages per role
// - detach bundles and attaching them
package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/iolink/internal/handshake"
	"github.com/danmuck/iolink/internal/jobs"
	logs "github.com/danmuck/iolink/internal/logging"
	"github.com/danmuck/iolink/internal/protocol"
	"github.com/danmuck/iolink/internal/protocol/packet"
	"github.com/danmuck/iolink/internal/protocol/routing"
	"github.com/danmuck/iolink/internal/securechan"
	"github.com/glycerine/idem"
)

// Endpoint is one side of a live connection. It never reconnects; a
// stopped endpoint stays Disconnected.
type Endpoint struct {
	cfg    Config
	role   securechan.Role
	ch     *securechan.Channel
	conn   net.Conn
	ledger *jobs.Ledger
	halt   *idem.Halter
	wg     sync.WaitGroup

	// sendMu is held for every package write. unpause is non-nil while
	// the writer is paused and is closed when it may continue.
	sendMu  sync.Mutex
	unpause chan struct{}

	mu         sync.RWMutex
	state      State
	code       Code
	err        error
	exit       jobs.Result
	peer       handshake.Result
	detached   bool
	additional *packet.Package

	peerTraffic *TrafficReport

	detaching atomic.Bool
	reporting atomic.Bool

	sentPkgs  atomic.Uint64
	recvPkgs  atomic.Uint64
	sentBytes atomic.Uint64
	recvBytes atomic.Uint64
}

func newEndpoint(cfg Config, role securechan.Role, ch *securechan.Channel, conn net.Conn) *Endpoint {
	return &Endpoint{
		cfg:  cfg,
		role: role,
		ch:   ch,
		conn: conn,
		ledger: jobs.NewLedger(jobs.Options{
			OptimalSize: cfg.Session.Pool.OptimalSize,
			ActiveLimit: cfg.Session.Pool.ActiveLimit,
			Capacity:    cfg.Session.Pool.Capacity,
		}),
		halt: idem.NewHalter(),
	}
}

func (e *Endpoint) setState(s State, code Code) {
	e.mu.Lock()
	e.state = s
	if code != CodeNone {
		e.code = code
	}
	e.mu.Unlock()
	if e.cfg.OnStateChange != nil {
		e.cfg.OnStateChange(e, s, code)
	}
}

// start moves a handshaken endpoint to Connected and launches its
// goroutines. first, when set, reaches the handler before any read.
func (e *Endpoint) start(res handshake.Result, first *packet.Package) {
	e.mu.Lock()
	e.peer = res
	e.mu.Unlock()
	e.setState(Connected, CodeNone)

	e.wg.Add(2)
	go e.readLoop(first)
	go e.writeLoop()
	go func() {
		e.wg.Wait()
		e.finish()
	}()
}

// shutdown records the first exit cause and unblocks both goroutines.
func (e *Endpoint) shutdown(code Code, err error, result jobs.Result) bool {
	e.mu.Lock()
	if e.halt.ReqStop.IsClosed() {
		e.mu.Unlock()
		return false
	}
	e.code, e.err, e.exit = code, err, result
	e.halt.ReqStop.Close()
	e.mu.Unlock()
	_ = e.conn.SetDeadline(time.Now())
	return true
}

// fail stops the endpoint on a transport error.
func (e *Endpoint) fail(err error) {
	code := CodeOf(err)
	result := jobs.Fail
	switch code {
	case CodeClosedByPeer:
		result = jobs.ConnClosedByPeer
	case CodeHeartbeatTimeout:
		result = jobs.HeartbeatTimeout
	}
	if e.shutdown(code, err, result) {
		logs.Warnf("endpoint.failed role=%s peer=%s code=%s err=%v", e.role, e.PeerIdentity(), code, err)
	}
}

func (e *Endpoint) finish() {
	e.mu.Lock()
	e.state = Disconnected
	code, result, detached := e.code, e.exit, e.detached
	e.mu.Unlock()

	e.ledger.FailAll(result)
	if code == CodeNone && !detached {
		_ = e.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = e.ch.CloseNotify()
	}
	_ = e.ch.Close()
	_ = e.conn.Close()

	logs.Infof("endpoint.stopped role=%s peer=%s code=%s detached=%t", e.role, e.PeerIdentity(), code, detached)
	if e.cfg.OnStateChange != nil {
		e.cfg.OnStateChange(e, Disconnected, code)
	}
	e.halt.Done.Close()
}

// Send queues pkg behind earlier sends. The returned handle must be
// released.
func (e *Endpoint) Send(pkg *packet.Package) (*jobs.Handle, error) {
	return e.send(pkg, false)
}

// SendUrgent queues pkg even when the active limit is reached.
func (e *Endpoint) SendUrgent(pkg *packet.Package) (*jobs.Handle, error) {
	return e.send(pkg, true)
}

func (e *Endpoint) send(pkg *packet.Package, urgent bool) (*jobs.Handle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != Connected || e.halt.ReqStop.IsClosed() {
		return nil, ErrNotConnected
	}
	return e.ledger.Allocate(pkg, urgent)
}

// Stop waits up to the graceful shutdown period for queued sends, closes
// the connection and returns once both goroutines are gone.
func (e *Endpoint) Stop() {
	e.drain(e.cfg.Session.GracefulShutdown)
	e.shutdown(CodeNone, nil, jobs.ConnClosedByUser)
	<-e.halt.Done.Chan
}

func (e *Endpoint) drain(d time.Duration) {
	if d <= 0 {
		return
	}
	timeout := time.NewTimer(d)
	defer timeout.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for e.ledger.Stats().Active > 0 {
		select {
		case <-e.halt.ReqStop.Chan:
			return
		case <-timeout.C:
			logs.Warnf("endpoint.stop graceful period elapsed queued=%d", e.ledger.Stats().Active)
			return
		case <-tick.C:
		}
	}
}

// Done is closed once the endpoint is fully stopped.
func (e *Endpoint) Done() <-chan struct{} {
	return e.halt.Done.Chan
}

// Wait blocks until the endpoint stops.
func (e *Endpoint) Wait() {
	<-e.halt.Done.Chan
}

func (e *Endpoint) Role() securechan.Role {
	return e.role
}

func (e *Endpoint) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Error is the code recorded when the endpoint left Connected.
func (e *Endpoint) Error() Code {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.code
}

// Err is the error behind Error, nil for a clean stop.
func (e *Endpoint) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

func (e *Endpoint) Stats() Stats {
	return Stats{
		SentPackages:     e.sentPkgs.Load(),
		ReceivedPackages: e.recvPkgs.Load(),
		SentBytes:        e.sentBytes.Load(),
		ReceivedBytes:    e.recvBytes.Load(),
		Jobs:             e.ledger.Stats(),
	}
}

// Identity is our side of the handshake header.
func (e *Endpoint) Identity() protocol.Identity {
	return e.cfg.Identity
}

func (e *Endpoint) PeerIdentity() protocol.Identity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.peer.Peer
}

func (e *Endpoint) PeerVersion() protocol.Version {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.peer.PeerVersion
}

func (e *Endpoint) PeerDescription() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.peer.PeerDescription
}

func (e *Endpoint) Capabilities() protocol.Capabilities {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.peer.Capabilities
}

// PeerRouting is the accepted routing table of the connection.
func (e *Endpoint) PeerRouting() routing.Table {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.peer.Routing
}

// RemoteAddr is the address of the peer socket.
func (e *Endpoint) RemoteAddr() string {
	if a := e.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (e *Endpoint) SecurityMode() securechan.Mode {
	return e.ch.Mode()
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("%s[%s->%s]", e.role, e.cfg.Identity, e.PeerIdentity())
}

// stopContext is cancelled when a stop is requested.
func (e *Endpoint) stopContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-e.halt.ReqStop.Chan:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
