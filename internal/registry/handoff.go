package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/iolink/internal/endpoint"
	logs "github.com/danmuck/iolink/internal/logging"
	"github.com/danmuck/iolink/internal/protocol"
)

const handoffTimeout = 10 * time.Second

// ForwardTo returns a detach hook that passes every bundle to the process
// serving the unix socket at path. The local copy of the handle is closed
// once sent.
func ForwardTo(path string) func(protocol.Identity, *endpoint.Bundle) {
	return func(peer protocol.Identity, b *endpoint.Bundle) {
		defer b.Close()
		uc, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
		if err != nil {
			logs.Errorf("registry.handoff dial failed peer=%s socket=%s err=%v", peer, path, err)
			return
		}
		defer uc.Close()
		_ = uc.SetDeadline(time.Now().Add(handoffTimeout))
		if err := endpoint.SendBundle(uc, b); err != nil {
			logs.Errorf("registry.handoff send failed peer=%s socket=%s err=%v", peer, path, err)
			return
		}
		logs.Infof("registry.handoff forwarded peer=%s socket=%s", peer, path)
	}
}

// ServeHandoff attaches every bundle received on ln until ctx is done or
// the registry is closed.
func (r *Registry) ServeHandoff(ctx context.Context, ln *net.UnixListener) error {
	if r.halt.ReqStop.IsClosed() {
		_ = ln.Close()
		return ErrClosed
	}
	defer ln.Close()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-r.halt.ReqStop.Chan:
		case <-stop:
			return
		}
		_ = ln.Close()
	}()

	logs.Infof("registry.handoff listening socket=%s", ln.Addr())
	for {
		uc, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || r.halt.ReqStop.IsClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("registry: handoff accept: %w", err)
		}
		if !r.trackConn(uc) {
			_ = uc.Close()
			return nil
		}
		go func() {
			defer r.wg.Done()
			defer r.untrackConn(uc)
			defer uc.Close()
			_ = uc.SetDeadline(time.Now().Add(handoffTimeout))
			b, err := endpoint.ReceiveBundle(uc)
			if err != nil {
				logs.Warnf("registry.handoff receive failed err=%v", err)
				return
			}
			if _, err := r.Attach(ctx, b); err != nil {
				logs.Warnf("registry.handoff attach failed peer=%s err=%v", b.Peer, err)
			}
		}()
	}
}
