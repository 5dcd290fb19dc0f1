// Package handshake drives a fresh connection from its first byte to
// Connected: version preamble, identity, routing table agreement, secure
// channel and the duplicate identity check.
//
// Ownership boundary:
// - step ordering and the shared timeout budget
// - mapping step failures to handshake errors
// - secure re-handshake of an attached connection
package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	logs "github.com/danmuck/iolink/internal/logging"
	"github.com/danmuck/iolink/internal/protocol"
	"github.com/danmuck/iolink/internal/protocol/routing"
	"github.com/danmuck/iolink/internal/securechan"
)

// State is a handshake progress marker.
type State int

const (
	Init State = iota
	ProtocolVersionExchanged
	IdentityExchanged
	RoutingAccepted
	SecureChannelEstablished
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case ProtocolVersionExchanged:
		return "protocol_version_exchanged"
	case IdentityExchanged:
		return "identity_exchanged"
	case RoutingAccepted:
		return "routing_accepted"
	case SecureChannelEstablished:
		return "secure_channel_established"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrTimeout           = errors.New("handshake: connection timeout")
	ErrProtocolVersion   = errors.New("handshake: protocol version mismatch")
	ErrMalformed         = errors.New("handshake: malformed peer message")
	ErrRoutingRejected   = errors.New("handshake: routing table rejected")
	ErrSecureChannel     = errors.New("handshake: secure channel failed")
	ErrDuplicateIdentity = errors.New("handshake: duplicate identity")
	ErrSessionNotResumed = errors.New("handshake: session not resumed")
	ErrPeerClosed        = errors.New("handshake: peer closed connection")
)

// Authorizer vets the classification of an established secure channel.
type Authorizer interface {
	Authorize(mode securechan.Mode) error
}

// Params describes our side of the handshake.
type Params struct {
	Role        securechan.Role
	Version     protocol.Version
	Description string
	Identity    protocol.Identity
	// Routing is the proposed table for an initiator and the local table
	// for an acceptor.
	Routing routing.Table
	// Timeout is the budget for every step together.
	Timeout    time.Duration
	Authorizer Authorizer
	// CheckIdentity runs on the acceptor once the channel is secure.
	CheckIdentity func(peer protocol.Identity) error
}

// Result is what both sides agreed on.
type Result struct {
	PeerVersion     protocol.Version
	PeerDescription string
	Capabilities    protocol.Capabilities
	Peer            protocol.Identity
	Routing         routing.Table
	Mode            securechan.Mode
	Resumed         bool
}

// Machine runs one handshake. It is not reusable.
type Machine struct {
	p        Params
	ch       *securechan.Channel
	state    State
	deadline time.Time
	now      func() time.Time
	res      Result
}

func New(ch *securechan.Channel, p Params) *Machine {
	if p.Version.IsZero() {
		p.Version = protocol.Current
	}
	return &Machine{p: p, ch: ch, now: time.Now}
}

func (m *Machine) State() State {
	return m.state
}

// Run executes every step. On failure the state is Failed and the error
// wraps one of the package sentinels.
func (m *Machine) Run(ctx context.Context) (Result, error) {
	m.deadline = m.now().Add(m.p.Timeout)
	steps := []struct {
		next State
		fn   func(context.Context) error
	}{
		{ProtocolVersionExchanged, m.exchangeVersion},
		{IdentityExchanged, m.exchangeIdentity},
		{RoutingAccepted, m.exchangeRouting},
		{SecureChannelEstablished, m.secure},
		{Connected, m.checkIdentity},
	}
	for _, s := range steps {
		if err := m.step(ctx, s.next, s.fn); err != nil {
			logs.Warnf("handshake.failed role=%s state=%s err=%v", m.p.Role, s.next, err)
			return Result{}, err
		}
	}
	logs.Infof("handshake.connected role=%s peer=%s version=%s mode=%s",
		m.p.Role, m.res.Peer, m.res.PeerVersion, m.res.Mode)
	return m.res, nil
}

func (m *Machine) step(ctx context.Context, next State, fn func(context.Context) error) error {
	remaining := m.deadline.Sub(m.now())
	if remaining <= 0 {
		m.state = Failed
		return fmt.Errorf("%w: no budget left for %s", ErrTimeout, next)
	}
	sctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()
	conn := m.ch.Conn()
	_ = conn.SetDeadline(m.deadline)
	stop := context.AfterFunc(sctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	err := fn(sctx)
	stop()
	_ = conn.SetDeadline(time.Time{})
	if err != nil {
		m.state = Failed
		if ctx.Err() == nil && isTimeout(err) {
			return fmt.Errorf("%w: %s: %v", ErrTimeout, next, err)
		}
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("%w: %s: %w", ErrTimeout, next, cerr)
		}
		return err
	}
	m.state = next
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func peerClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, protocol.ErrTruncated) || errors.Is(err, net.ErrClosed)
}

func (m *Machine) readErr(what string, err error) error {
	if peerClosed(err) {
		return fmt.Errorf("%w: reading %s", ErrPeerClosed, what)
	}
	if isTimeout(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrMalformed, what, err)
}

func (m *Machine) exchangeVersion(context.Context) error {
	raw := m.ch.Raw()
	ours := protocol.Preamble{Version: m.p.Version, Description: m.p.Description}
	var theirs protocol.Preamble
	var err error
	if m.p.Role == securechan.Initiator {
		if err := protocol.WritePreamble(raw, ours); err != nil {
			return err
		}
		if theirs, err = protocol.ReadPreamble(raw); err != nil {
			return m.readErr("preamble", err)
		}
	} else {
		if theirs, err = protocol.ReadPreamble(raw); err != nil {
			return m.readErr("preamble", err)
		}
		// Answer even on mismatch so the initiator sees the cause.
		if err := protocol.WritePreamble(raw, ours); err != nil {
			return err
		}
	}
	caps, err := protocol.Negotiate(m.p.Version, theirs.Version)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolVersion, err)
	}
	if theirs.Version.Minor != m.p.Version.Minor {
		logs.Infof("handshake.version minor mismatch ours=%s theirs=%s using=%s",
			m.p.Version, theirs.Version, caps.Version)
	}
	m.res.PeerVersion = theirs.Version
	m.res.PeerDescription = theirs.Description
	m.res.Capabilities = caps
	return nil
}

func (m *Machine) exchangeIdentity(context.Context) error {
	raw := m.ch.Raw()
	var peer protocol.Identity
	var err error
	if m.p.Role == securechan.Initiator {
		if err := protocol.WriteIdentity(raw, m.p.Identity); err != nil {
			return err
		}
		if peer, err = protocol.ReadIdentity(raw); err != nil {
			return m.readErr("identity", err)
		}
	} else {
		if peer, err = protocol.ReadIdentity(raw); err != nil {
			return m.readErr("identity", err)
		}
		if err := protocol.WriteIdentity(raw, m.p.Identity); err != nil {
			return err
		}
	}
	m.res.Peer = peer
	return nil
}

func readTable(r io.Reader) (routing.Table, error) {
	hdr := make([]byte, routing.HeaderSize())
	if _, err := io.ReadFull(r, hdr); err != nil {
		return routing.Table{}, err
	}
	n, err := routing.SizeFromHeader(hdr)
	if err != nil {
		return routing.Table{}, err
	}
	buf := make([]byte, n)
	copy(buf, hdr)
	if _, err := io.ReadFull(r, buf[len(hdr):]); err != nil {
		return routing.Table{}, err
	}
	var t routing.Table
	if err := t.UnmarshalBinary(buf); err != nil {
		return routing.Table{}, err
	}
	return t, nil
}

func writeTable(w io.Writer, t routing.Table) error {
	b, err := t.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// exchangeRouting sends the initiator's table; the acceptor merges it and
// returns the result or drops the connection.
func (m *Machine) exchangeRouting(context.Context) error {
	raw := m.ch.Raw()
	if m.p.Role == securechan.Initiator {
		if err := writeTable(raw, m.p.Routing); err != nil {
			return err
		}
		accepted, err := readTable(raw)
		if err != nil {
			if peerClosed(err) {
				return fmt.Errorf("%w: acceptor closed the connection", ErrRoutingRejected)
			}
			return m.readErr("routing table", err)
		}
		if _, err := routing.Accept(m.p.Routing, accepted); err != nil {
			return fmt.Errorf("%w: %v", ErrRoutingRejected, err)
		}
		m.res.Routing = accepted
		return nil
	}
	proposed, err := readTable(raw)
	if err != nil {
		return m.readErr("routing table", err)
	}
	accepted, err := routing.Accept(m.p.Routing, proposed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRoutingRejected, err)
	}
	if err := writeTable(raw, accepted); err != nil {
		return err
	}
	m.res.Routing = accepted
	return nil
}

func (m *Machine) secure(ctx context.Context) error {
	if err := m.ch.Handshake(ctx, m.p.Role); err != nil {
		if isTimeout(err) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrSecureChannel, err)
	}
	m.res.Mode = m.ch.Mode()
	m.res.Resumed = m.ch.Resumed()
	if m.p.Authorizer != nil {
		if err := m.p.Authorizer.Authorize(m.res.Mode); err != nil {
			return fmt.Errorf("%w: %w", ErrSecureChannel, err)
		}
	}
	return nil
}

func (m *Machine) checkIdentity(context.Context) error {
	if m.p.Role != securechan.Acceptor || m.p.CheckIdentity == nil {
		return nil
	}
	if err := m.p.CheckIdentity(m.res.Peer); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDuplicateIdentity, m.res.Peer, err)
	}
	return nil
}

// Resume runs only the secure channel step over an already negotiated
// connection and fails unless the previous session was resumed.
func Resume(ctx context.Context, ch *securechan.Channel, role securechan.Role, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := ch.Handshake(ctx, role); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: resume: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %w", ErrSecureChannel, err)
	}
	if !ch.Resumed() {
		return ErrSessionNotResumed
	}
	logs.Debugf("handshake.resumed role=%s mode=%s", role, ch.Mode())
	return nil
}
