package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/iolink/internal/endpoint"
	"github.com/danmuck/iolink/internal/jobs"
	logs "github.com/danmuck/iolink/internal/logging"
	"github.com/danmuck/iolink/internal/protocol/packet"
	"github.com/danmuck/iolink/internal/protocol/session"
)

const (
	echoQueueSize = 256
	echoWorkers   = 4
)

// echoRetry paces resends while a peer's send queue is full.
var echoRetry = session.BackoffConfig{
	InitialDelay: 5 * time.Millisecond,
	Multiplier:   2,
	MaxDelay:     250 * time.Millisecond,
}

type router interface {
	Route(pkg *packet.Package) (*jobs.Handle, error)
}

// echoer answers requests off the reader goroutine. Replies wait in a
// bounded queue; a full queue stalls the reader of the requesting
// connection until a worker catches up.
type echoer struct {
	ctx     context.Context
	route   router
	replies chan *packet.Package
	wg      sync.WaitGroup
}

func newEchoer(ctx context.Context) *echoer {
	return &echoer{ctx: ctx, replies: make(chan *packet.Package, echoQueueSize)}
}

// start runs the workers against r. It must be called once, before the
// first request arrives.
func (ec *echoer) start(r router) {
	ec.route = r
	for i := 0; i < echoWorkers; i++ {
		ec.wg.Add(1)
		go func() {
			defer ec.wg.Done()
			for {
				select {
				case <-ec.ctx.Done():
					return
				case resp := <-ec.replies:
					ec.deliver(resp)
				}
			}
		}()
	}
}

func (ec *echoer) wait() { ec.wg.Wait() }

// Handler answers every request with a direct response carrying the same
// buffers.
func (ec *echoer) Handler() endpoint.Handler {
	return endpoint.HandlerFunc(func(e *endpoint.Endpoint, pkg *packet.Package) {
		if pkg.IsResponse() {
			return
		}
		resp := packet.MakeDirectResponse(pkg, pkg.Type, 0)
		resp.Buffers = pkg.Clone().Buffers
		if !ec.enqueue(e.Done(), resp) {
			logs.Debugf("iolinkd.echo dropped peer=%s pkg=%s", e.PeerIdentity(), pkg)
		}
	})
}

// enqueue blocks until resp is queued, the connection ends or the daemon
// stops.
func (ec *echoer) enqueue(done <-chan struct{}, resp *packet.Package) bool {
	select {
	case ec.replies <- resp:
		return true
	case <-done:
	case <-ec.ctx.Done():
	}
	return false
}

// deliver routes resp, retrying while the peer's send queue is full. Any
// other error drops the reply.
func (ec *echoer) deliver(resp *packet.Package) bool {
	for attempt := 1; ; attempt++ {
		h, err := ec.route.Route(resp)
		if h != nil {
			h.Release()
		}
		if err == nil {
			return true
		}
		if !errors.Is(err, jobs.ErrSendQueueFull) {
			logs.Warnf("iolinkd.echo failed pkg=%s err=%v", resp, err)
			return false
		}
		t := time.NewTimer(echoRetry.Delay(attempt, nil))
		select {
		case <-ec.ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}
