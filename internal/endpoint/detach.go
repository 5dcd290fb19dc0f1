package endpoint

import (
	"context"
	"fmt"
	"syscall"

	"github.com/danmuck/iolink/internal/handshake"
	"github.com/danmuck/iolink/internal/jobs"
	logs "github.com/danmuck/iolink/internal/logging"
	"github.com/danmuck/iolink/internal/platform/fdpass"
	"github.com/danmuck/iolink/internal/protocol"
	"github.com/danmuck/iolink/internal/protocol/packet"
	"github.com/danmuck/iolink/internal/protocol/routing"
	"github.com/danmuck/iolink/internal/securechan"
)

// ErrSessionNotResumed is returned by Attach when the peer did not resume
// the exported session.
var ErrSessionNotResumed = handshake.ErrSessionNotResumed

// Detach asks the client to hand the connection over. Writing pauses at
// once; the bundle reaches OnDetach when the client confirms. additional,
// when set, travels in the bundle to the next owner.
func (e *Endpoint) Detach(additional *packet.Package) error {
	return e.requestDetach(protocol.MngDetachClientRequest, additional)
}

// DetachBothSides is Detach where the client also gives up its side as a
// bundle instead of re-handshaking.
func (e *Endpoint) DetachBothSides(additional *packet.Package) error {
	return e.requestDetach(protocol.MngDetachBothSidesRequest, additional)
}

func (e *Endpoint) requestDetach(typ uint32, additional *packet.Package) error {
	if e.role != securechan.Acceptor {
		return ErrNotServer
	}
	if e.State() != Connected {
		return ErrNotConnected
	}
	if !e.detaching.CompareAndSwap(false, true) {
		return ErrDetachInProgress
	}
	e.mu.Lock()
	e.additional = additional
	e.mu.Unlock()

	e.pauseWriter()
	req := packet.New(typ, 0)
	err := e.prepare(req)
	if err == nil {
		err = e.writePackage(req)
	}
	if err != nil {
		e.fail(err)
		return err
	}
	logs.Infof("endpoint.detach requested peer=%s both=%t", e.PeerIdentity(), typ == protocol.MngDetachBothSidesRequest)
	return nil
}

// answerDetach runs on the client reader. It confirms the detach with
// writing paused, then either re-handshakes with the new owner or detaches
// its own side.
func (e *Endpoint) answerDetach(both bool) bool {
	e.pauseWriter()
	resp := packet.New(protocol.MngDetachClientResponse, 0)
	err := e.prepare(resp)
	if err == nil {
		err = e.writePackage(resp)
	}
	if err != nil {
		e.fail(err)
		return false
	}
	if both {
		e.detachLocal()
		return false
	}

	ctx, cancel := e.stopContext()
	defer cancel()
	if err := handshake.Resume(ctx, e.ch, securechan.Initiator, e.cfg.Session.ConnectTimeout); err != nil {
		if !e.halt.ReqStop.IsClosed() {
			e.fail(err)
		}
		return false
	}
	e.resumeWriter()
	logs.Infof("endpoint.rehandshake resumed peer=%s mode=%s", e.PeerIdentity(), e.ch.Mode())
	return true
}

// detachLocal turns this side into a bundle and stops without closing the
// duplicated handle. Runs on the reader.
func (e *Endpoint) detachLocal() {
	b, err := e.bundle()
	if err != nil {
		logs.Errorf("endpoint.detach bundle failed peer=%s err=%v", e.PeerIdentity(), err)
		e.fail(err)
		return
	}
	e.mu.Lock()
	e.detached = true
	e.mu.Unlock()
	e.cfg.Observer.Detached()
	logs.Infof("endpoint.detached role=%s peer=%s read_ahead=%d", e.role, b.Peer, len(b.ReadAhead))
	e.shutdown(CodeNone, nil, jobs.ConnClosedByUser)
	if e.cfg.OnDetach == nil {
		logs.Warnf("endpoint.detach no owner for bundle peer=%s", b.Peer)
		_ = b.Close()
		return
	}
	e.cfg.OnDetach(e, b)
}

func (e *Endpoint) bundle() (*Bundle, error) {
	sc, ok := e.conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNoHandle, e.conn)
	}
	sess, err := e.ch.ExportSession()
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	peer := e.peer
	additional := e.additional
	e.mu.RUnlock()

	table, err := peer.Routing.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var extra []byte
	if additional != nil {
		if err := e.prepare(additional); err != nil {
			return nil, err
		}
		if extra, err = packet.Encode(additional); err != nil {
			return nil, err
		}
	}
	f, err := fdpass.Dup(sc)
	if err != nil {
		return nil, err
	}
	b := &Bundle{
		Role:            e.role,
		PeerVersion:     peer.PeerVersion,
		PeerDescription: peer.PeerDescription,
		Peer:            peer.Peer,
		Local:           e.cfg.Identity,
		Routing:         table,
		Session:         sess,
		ReadAhead:       e.ch.ReadAhead(),
		Additional:      extra,
		File:            f,
	}
	b.seal()
	return b, nil
}

// Attach resumes the connection in b under a new endpoint. The bundle is
// consumed even when attaching fails; a second attach fails with
// ErrBundleConsumed and changes nothing. The handler sees the additional
// package, if any, before anything read from the socket.
func Attach(ctx context.Context, b *Bundle, cfg Config) (*Endpoint, error) {
	if b == nil {
		return nil, ErrNoHandle
	}
	if !b.consumed.CompareAndSwap(false, true) {
		return nil, ErrBundleConsumed
	}
	f := b.File
	b.File = nil
	if f == nil {
		return nil, ErrNoHandle
	}
	if err := b.verify(); err != nil {
		_ = f.Close()
		return nil, err
	}
	conn, err := fdpass.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("endpoint: attach: %w", err)
	}

	cfg.Identity = b.Local
	cfg.normalize(b.Role)
	fail := func(err error) (*Endpoint, error) {
		_ = conn.Close()
		cfg.Observer.Handshake(CodeOf(err))
		return nil, err
	}
	var table routing.Table
	if err := table.UnmarshalBinary(b.Routing); err != nil {
		return fail(fmt.Errorf("%w: bundle routing: %v", handshake.ErrMalformed, err))
	}
	caps, err := protocol.Negotiate(cfg.Version, b.PeerVersion)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", handshake.ErrProtocolVersion, err))
	}
	first, err := b.AdditionalPackage()
	if err != nil {
		return fail(fmt.Errorf("%w: bundle package: %v", handshake.ErrMalformed, err))
	}
	ch, err := securechan.New(cfg.Credentials)
	if err != nil {
		return fail(err)
	}
	if err := ch.ImportSession(b.Session); err != nil {
		return fail(fmt.Errorf("%w: %w", handshake.ErrSecureChannel, err))
	}
	ch.Bind(conn, b.ReadAhead)

	e := newEndpoint(cfg, b.Role, ch, conn)
	e.setState(Connecting, CodeNone)
	if err := handshake.Resume(ctx, ch, b.Role, cfg.Session.ConnectTimeout); err != nil {
		e.setState(Disconnected, CodeOf(err))
		return fail(err)
	}
	cfg.Observer.Handshake(CodeNone)
	cfg.Observer.Attached()
	e.start(handshake.Result{
		PeerVersion:     b.PeerVersion,
		PeerDescription: b.PeerDescription,
		Capabilities:    caps,
		Peer:            b.Peer,
		Routing:         table,
		Mode:            ch.Mode(),
		Resumed:         true,
	}, first)
	logs.Infof("endpoint.attached role=%s peer=%s mode=%s", b.Role, b.Peer, ch.Mode())
	return e, nil
}
