package endpoint

import (
	"github.com/danmuck/iolink/internal/handshake"
	"github.com/danmuck/iolink/internal/protocol"
	"github.com/danmuck/iolink/internal/protocol/packet"
	"github.com/danmuck/iolink/internal/protocol/routing"
	"github.com/danmuck/iolink/internal/protocol/session"
	"github.com/danmuck/iolink/internal/securechan"
	"github.com/google/uuid"
)

// Handler receives inbound packages the endpoint does not consume itself.
// It runs on the reader goroutine, one package at a time in wire order.
type Handler interface {
	HandlePackage(e *Endpoint, pkg *packet.Package)
}

type HandlerFunc func(e *Endpoint, pkg *packet.Package)

func (f HandlerFunc) HandlePackage(e *Endpoint, pkg *packet.Package) {
	f(e, pkg)
}

// Observer counts traffic and lifecycle events. Calls must not block.
type Observer interface {
	PackageSent(bytes int)
	PackageReceived(bytes int)
	Handshake(code Code)
	Detached()
	Attached()
}

type nopObserver struct{}

func (nopObserver) PackageSent(int)     {}
func (nopObserver) PackageReceived(int) {}
func (nopObserver) Handshake(Code)      {}
func (nopObserver) Detached()           {}
func (nopObserver) Attached()           {}

// Config describes one side of a connection.
type Config struct {
	Session  session.Config
	Version  protocol.Version
	Identity protocol.Identity
	// Routing is the proposed table for a client and the local table for
	// a server. A null table selects the Normal preset for the role.
	Routing     routing.Table
	Credentials *securechan.Credentials
	Authorizer  handshake.Authorizer
	Limits      packet.Limits
	// DialAttempts bounds transport dial retries. Handshake failures are
	// never retried.
	DialAttempts int

	Handler Handler
	// OnDetach receives the bundle of a detached connection and owns it
	// from then on.
	OnDetach func(e *Endpoint, b *Bundle)
	// OnStateChange runs after every state transition.
	OnStateChange func(e *Endpoint, s State, code Code)
	// OnTrafficReport receives the peer's reports on the reader goroutine.
	OnTrafficReport func(e *Endpoint, r TrafficReport)
	// CheckIdentity vets a client identity on the server side.
	CheckIdentity func(peer protocol.Identity) error
	Observer      Observer
}

// DefaultConfig returns a config announcing sender with a fresh
// connection id.
func DefaultConfig(sender protocol.SenderType) Config {
	return Config{
		Session:      session.DefaultConfig(),
		Version:      protocol.Current,
		Identity:     protocol.Identity{SenderType: sender, ConnectionID: uuid.New()},
		Limits:       packet.DefaultLimits(),
		DialAttempts: 1,
	}
}

func (c *Config) normalize(role securechan.Role) {
	def := session.DefaultConfig()
	if c.Session.HeartbeatInterval <= 0 {
		c.Session.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.Session.ConnectTimeout <= 0 {
		c.Session.ConnectTimeout = def.ConnectTimeout
	}
	if c.Session.Pool.OptimalSize <= 0 {
		c.Session.Pool = def.Pool
	}
	if c.Version.IsZero() {
		c.Version = protocol.Current
	}
	if c.Identity.ConnectionID == uuid.Nil {
		c.Identity.ConnectionID = uuid.New()
	}
	if c.Limits.MaxBuffers == 0 || c.Limits.MaxBufferBytes == 0 {
		c.Limits = packet.DefaultLimits()
	}
	if c.Routing.IsNull() {
		if role == securechan.Initiator {
			c.Routing = routing.ClientTable(routing.NormalSecurity)
		} else {
			c.Routing = routing.ServerTable(routing.NormalSecurity)
		}
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = 1
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
}
