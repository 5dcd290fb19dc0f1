package endpoint

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/danmuck/iolink/internal/handshake"
	logs "github.com/danmuck/iolink/internal/logging"
	"github.com/danmuck/iolink/internal/securechan"
)

// Dial connects to addr and runs the client handshake. The connect timeout
// covers dialing and the handshake together. Transport dial failures are
// retried with backoff up to DialAttempts; handshake failures are final.
func Dial(ctx context.Context, network, addr string, cfg Config) (*Endpoint, error) {
	cfg.normalize(securechan.Initiator)
	deadline := time.Now().Add(cfg.Session.ConnectTimeout)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var conn net.Conn
	for attempt := 1; ; attempt++ {
		d := net.Dialer{Deadline: deadline}
		c, err := d.DialContext(ctx, network, addr)
		if err == nil {
			conn = c
			break
		}
		var dnsErr *net.DNSError
		switch {
		case errors.As(err, &dnsErr) && !dnsErr.IsTimeout:
			err = fmt.Errorf("%w: %s: %v", ErrHostnameResolve, addr, err)
			cfg.Observer.Handshake(CodeHostnameResolve)
			return nil, err
		case isTimeout(err) || errors.Is(err, context.DeadlineExceeded):
			err = fmt.Errorf("%w: dial %s: %v", handshake.ErrTimeout, addr, err)
			cfg.Observer.Handshake(CodeConnectionTimeout)
			return nil, err
		}
		if attempt >= cfg.DialAttempts || ctx.Err() != nil {
			return nil, fmt.Errorf("endpoint: dial %s: %w", addr, err)
		}
		delay := cfg.Session.Backoff.Delay(attempt, rng)
		if time.Now().Add(delay).After(deadline) {
			return nil, fmt.Errorf("%w: dial %s: %v", handshake.ErrTimeout, addr, err)
		}
		logs.Warnf("endpoint.dial retry addr=%q attempt=%d delay=%s err=%v", addr, attempt, delay, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	logs.Debugf("endpoint.dial connected addr=%q local=%s", addr, conn.LocalAddr())
	return establish(ctx, conn, securechan.Initiator, cfg, time.Until(deadline))
}

// Connect runs the client handshake over an already open connection.
func Connect(ctx context.Context, conn net.Conn, cfg Config) (*Endpoint, error) {
	cfg.normalize(securechan.Initiator)
	return establish(ctx, conn, securechan.Initiator, cfg, cfg.Session.ConnectTimeout)
}

// Accept runs the server handshake over an accepted connection.
func Accept(ctx context.Context, conn net.Conn, cfg Config) (*Endpoint, error) {
	cfg.normalize(securechan.Acceptor)
	return establish(ctx, conn, securechan.Acceptor, cfg, cfg.Session.ConnectTimeout)
}

func establish(ctx context.Context, conn net.Conn, role securechan.Role, cfg Config, timeout time.Duration) (*Endpoint, error) {
	ch, err := securechan.New(cfg.Credentials)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	ch.Bind(conn, nil)
	e := newEndpoint(cfg, role, ch, conn)
	e.setState(Connecting, CodeNone)

	m := handshake.New(ch, handshake.Params{
		Role:          role,
		Version:       cfg.Version,
		Description:   cfg.Session.Description,
		Identity:      cfg.Identity,
		Routing:       cfg.Routing,
		Timeout:       timeout,
		Authorizer:    cfg.Authorizer,
		CheckIdentity: cfg.CheckIdentity,
	})
	res, err := m.Run(ctx)
	code := CodeOf(err)
	cfg.Observer.Handshake(code)
	if err != nil {
		_ = conn.Close()
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		e.setState(Disconnected, code)
		return nil, err
	}
	e.start(res, nil)
	return e, nil
}
