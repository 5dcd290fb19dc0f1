// Package registry owns the server side of iolink: accept loops, the
// identity map of live endpoints and delivery of outbound packages.
//
// Ownership boundary:
// - one accept goroutine per listener
// - duplicate identity checks during the handshake
// - state notifications to subscribers
// - routing of responses by parent id
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/danmuck/iolink/internal/endpoint"
	"github.com/danmuck/iolink/internal/jobs"
	logs "github.com/danmuck/iolink/internal/logging"
	"github.com/danmuck/iolink/internal/protocol"
	"github.com/danmuck/iolink/internal/protocol/packet"
	"github.com/glycerine/idem"
	"github.com/google/uuid"
)

var (
	ErrClosed            = errors.New("registry: closed")
	ErrUnknownPeer       = errors.New("registry: unknown peer")
	ErrDuplicateIdentity = errors.New("registry: identity already connected")
	ErrNoRoute           = errors.New("registry: no route for package")
)

const (
	defaultOriginCapacity = 4096
	subscriberBuffer      = 64
)

// Config is the template every accepted or attached endpoint starts from.
type Config struct {
	Endpoint endpoint.Config
	// OnDetach takes ownership of bundles produced by detached endpoints.
	// Without it bundles are closed.
	OnDetach func(peer protocol.Identity, b *endpoint.Bundle)
	// OriginCapacity bounds how many request origins are remembered for
	// routing responses without a receiver.
	OriginCapacity int
}

// Registry tracks the server endpoints of one process.
type Registry struct {
	cfg  Config
	halt *idem.Halter
	wg   sync.WaitGroup

	mu sync.RWMutex
	// byPeer maps a client connection id to its endpoint. A nil value
	// reserves the id while its handshake completes.
	byPeer    map[uuid.UUID]*endpoint.Endpoint
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}

	origins *originIndex

	subsMu sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func New(cfg Config) *Registry {
	if cfg.OriginCapacity <= 0 {
		cfg.OriginCapacity = defaultOriginCapacity
	}
	if cfg.Endpoint.Identity.ConnectionID == uuid.Nil {
		cfg.Endpoint.Identity.ConnectionID = uuid.New()
	}
	return &Registry{
		cfg:       cfg,
		halt:      idem.NewHalter(),
		byPeer:    make(map[uuid.UUID]*endpoint.Endpoint),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
		origins:   newOriginIndex(cfg.OriginCapacity),
		subs:      make(map[int]chan Event),
	}
}

// Identity is the identity every endpoint of this registry announces.
func (r *Registry) Identity() protocol.Identity {
	return r.cfg.Endpoint.Identity
}

// Serve accepts connections from ln until ctx is done or the registry is
// closed. It may run for several listeners at once.
func (r *Registry) Serve(ctx context.Context, ln net.Listener) error {
	if r.halt.ReqStop.IsClosed() {
		_ = ln.Close()
		return ErrClosed
	}
	r.mu.Lock()
	r.listeners[ln] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.listeners, ln)
		r.mu.Unlock()
		_ = ln.Close()
	}()

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

	logs.Infof("registry.serve listening addr=%s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || r.halt.ReqStop.IsClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("registry: accept: %w", err)
		}
		if !r.trackConn(conn) {
			_ = conn.Close()
			return nil
		}
		go r.handleConn(ctx, conn)
	}
}

// trackConn registers conn for Close and counts its goroutine.
func (r *Registry) trackConn(conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halt.ReqStop.IsClosed() {
		return false
	}
	r.conns[conn] = struct{}{}
	r.wg.Add(1)
	return true
}

func (r *Registry) untrackConn(conn net.Conn) {
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
}

func (r *Registry) handleConn(ctx context.Context, conn net.Conn) {
	defer r.wg.Done()
	defer r.untrackConn(conn)

	var reserved uuid.UUID
	cfg := r.endpointConfig()
	cfg.CheckIdentity = func(peer protocol.Identity) error {
		if err := r.reserve(peer.ConnectionID); err != nil {
			return err
		}
		reserved = peer.ConnectionID
		return nil
	}
	e, err := endpoint.Accept(ctx, conn, cfg)
	if err != nil {
		if reserved != uuid.Nil {
			r.unreserve(reserved)
		}
		logs.Warnf("registry.accept failed remote=%s code=%s err=%v", conn.RemoteAddr(), endpoint.CodeOf(err), err)
		return
	}
	r.register(e)
}

// endpointConfig is the template with the registry hooks installed.
func (r *Registry) endpointConfig() endpoint.Config {
	cfg := r.cfg.Endpoint
	user := cfg.Handler
	cfg.Handler = endpoint.HandlerFunc(func(e *endpoint.Endpoint, pkg *packet.Package) {
		if !pkg.IsResponse() {
			r.origins.put(pkg.ID, e.PeerIdentity().ConnectionID)
		}
		if user != nil {
			user.HandlePackage(e, pkg)
		}
	})
	onState := cfg.OnStateChange
	cfg.OnStateChange = func(e *endpoint.Endpoint, s endpoint.State, code endpoint.Code) {
		if s == endpoint.Disconnected {
			r.remove(e, code)
		}
		if onState != nil {
			onState(e, s, code)
		}
	}
	cfg.OnDetach = r.onDetach
	return cfg
}

func (r *Registry) reserve(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halt.ReqStop.IsClosed() {
		return ErrClosed
	}
	if _, ok := r.byPeer[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, id)
	}
	r.byPeer[id] = nil
	return nil
}

func (r *Registry) unreserve(id uuid.UUID) {
	r.mu.Lock()
	if e, ok := r.byPeer[id]; ok && e == nil {
		delete(r.byPeer, id)
	}
	r.mu.Unlock()
}

// register publishes a connected endpoint. An endpoint that already
// stopped is dropped again.
func (r *Registry) register(e *endpoint.Endpoint) {
	peer := e.PeerIdentity()
	r.mu.Lock()
	r.byPeer[peer.ConnectionID] = e
	r.mu.Unlock()
	if e.State() == endpoint.Disconnected {
		r.remove(e, e.Error())
		return
	}
	logs.Infof("registry.connected peer=%s remote=%s mode=%s active=%d",
		peer, e.RemoteAddr(), e.SecurityMode(), r.Len())
	r.publish(Event{Kind: EventConnected, Peer: peer})
}

func (r *Registry) remove(e *endpoint.Endpoint, code endpoint.Code) {
	peer := e.PeerIdentity()
	r.mu.Lock()
	cur, ok := r.byPeer[peer.ConnectionID]
	if !ok || cur != e {
		r.mu.Unlock()
		return
	}
	delete(r.byPeer, peer.ConnectionID)
	r.mu.Unlock()
	logs.Infof("registry.disconnected peer=%s code=%s active=%d", peer, code, r.Len())
	r.publish(Event{Kind: EventDisconnected, Peer: peer, Code: code})
}

func (r *Registry) onDetach(e *endpoint.Endpoint, b *endpoint.Bundle) {
	peer := e.PeerIdentity()
	r.mu.Lock()
	if cur, ok := r.byPeer[peer.ConnectionID]; ok && cur == e {
		delete(r.byPeer, peer.ConnectionID)
	}
	r.mu.Unlock()
	logs.Infof("registry.detached peer=%s", peer)
	r.publish(Event{Kind: EventDetached, Peer: peer})
	if r.cfg.OnDetach != nil {
		r.cfg.OnDetach(peer, b)
		return
	}
	_ = b.Close()
}

// Attach resumes a detached connection and registers it.
func (r *Registry) Attach(ctx context.Context, b *endpoint.Bundle) (*endpoint.Endpoint, error) {
	if b == nil {
		return nil, endpoint.ErrNoHandle
	}
	if err := r.reserve(b.Peer.ConnectionID); err != nil {
		_ = b.Close()
		return nil, err
	}
	e, err := endpoint.Attach(ctx, b, r.endpointConfig())
	if err != nil {
		r.unreserve(b.Peer.ConnectionID)
		return nil, err
	}
	r.register(e)
	r.publish(Event{Kind: EventAttached, Peer: e.PeerIdentity()})
	return e, nil
}

// Lookup returns the connected endpoint of peer.
func (r *Registry) Lookup(peer uuid.UUID) (*endpoint.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.byPeer[peer]
	return e, e != nil
}

// Len is the number of connected endpoints.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.byPeer {
		if e != nil {
			n++
		}
	}
	return n
}

func (r *Registry) snapshot() []*endpoint.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*endpoint.Endpoint, 0, len(r.byPeer))
	for _, e := range r.byPeer {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Send queues pkg on the endpoint of peer.
func (r *Registry) Send(peer uuid.UUID, pkg *packet.Package) (*jobs.Handle, error) {
	e, ok := r.Lookup(peer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return e.Send(pkg)
}

// Broadcast queues a copy of pkg on every connected endpoint. Endpoints
// that refuse the package are skipped.
func (r *Registry) Broadcast(pkg *packet.Package) map[uuid.UUID]*jobs.Handle {
	out := make(map[uuid.UUID]*jobs.Handle)
	for _, e := range r.snapshot() {
		h, err := e.Send(pkg.Clone())
		if err != nil {
			logs.Debugf("registry.broadcast skipped peer=%s err=%v", e.PeerIdentity(), err)
			continue
		}
		out[e.PeerIdentity().ConnectionID] = h
	}
	return out
}

// Route delivers pkg to its receiver. A response without a receiver goes
// to the endpoint that delivered its parent request.
func (r *Registry) Route(pkg *packet.Package) (*jobs.Handle, error) {
	if pkg.ReceiverID != uuid.Nil {
		return r.Send(pkg.ReceiverID, pkg)
	}
	if !pkg.IsResponse() {
		return nil, fmt.Errorf("%w: %s has no receiver", ErrNoRoute, pkg)
	}
	peer, ok := r.origins.get(pkg.ParentID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown parent %s", ErrNoRoute, pkg.ParentID)
	}
	return r.Send(peer, pkg)
}

// Detach hands the connection of peer over to the detach callback. The
// client resumes the session with the next owner.
func (r *Registry) Detach(peer uuid.UUID, additional *packet.Package) error {
	e, ok := r.Lookup(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return e.Detach(additional)
}

// DetachBothSides asks the client to detach its side as well.
func (r *Registry) DetachBothSides(peer uuid.UUID, additional *packet.Package) error {
	e, ok := r.Lookup(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return e.DetachBothSides(additional)
}

// Endpoints describes every connected endpoint ordered by peer id.
func (r *Registry) Endpoints() []Info {
	eps := r.snapshot()
	out := make([]Info, 0, len(eps))
	for _, e := range eps {
		out = append(out, describe(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Close stops accepting, stops every endpoint and waits for in-flight
// handshakes.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.halt.ReqStop.IsClosed() {
		r.mu.Unlock()
		<-r.halt.Done.Chan
		return nil
	}
	r.halt.ReqStop.Close()
	for ln := range r.listeners {
		_ = ln.Close()
	}
	for conn := range r.conns {
		_ = conn.Close()
	}
	r.mu.Unlock()

	r.wg.Wait()
	var wg sync.WaitGroup
	for _, e := range r.snapshot() {
		wg.Add(1)
		go func(e *endpoint.Endpoint) {
			defer wg.Done()
			e.Stop()
		}(e)
	}
	wg.Wait()

	r.subsMu.Lock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.subsMu.Unlock()
	logs.Infof("registry.closed")
	r.halt.Done.Close()
	return nil
}
