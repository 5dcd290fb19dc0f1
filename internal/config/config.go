// Package config loads the daemon and client TOML files and renders their
// templates. File values overlay the built-in defaults key by key.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/iolink/internal/protocol"
	"github.com/danmuck/iolink/internal/protocol/routing"
	"github.com/danmuck/iolink/internal/protocol/session"
)

// Daemon is the runtime configuration of iolinkd.
type Daemon struct {
	Name       string
	SenderType protocol.SenderType
	// Listen holds listener URLs: tcp://host:port or unix:///path.
	Listen        []string
	StatusAddr    string
	StatusToken   string
	CorsOrigins   []string
	HandoffSocket string
	// HandoffListen is a unix socket that accepts connections detached by
	// another iolinkd.
	HandoffListen string
	Routing       routing.SecurityLevel
	Session       session.Config
}

// Client is the runtime configuration of iolinkctl.
type Client struct {
	Addr         string
	SenderType   protocol.SenderType
	Routing      routing.SecurityLevel
	DialAttempts int
	Session      session.Config
}

func DefaultDaemon() Daemon {
	s := session.DefaultConfig()
	s.Description = "iolinkd"
	return Daemon{
		Name:       "iolinkd",
		SenderType: protocol.SenderDispatcher,
		Listen:     []string{"tcp://127.0.0.1:7070"},
		StatusAddr: "127.0.0.1:7080",
		Routing:    routing.NormalSecurity,
		Session:    s,
	}
}

// DefaultClient accepts anonymous and self-signed servers, which only a
// development security mode allows.
func DefaultClient() Client {
	s := session.DefaultConfig()
	s.Description = "iolinkctl"
	s.Credentials.AcceptSelfSigned = true
	s.Credentials.AcceptUntrusted = true
	return Client{
		Addr:         "127.0.0.1:7070",
		SenderType:   protocol.SenderClient,
		Routing:      routing.NormalSecurity,
		DialAttempts: 3,
		Session:      s,
	}
}

type sessionFile struct {
	Description       string `toml:"description"`
	SecurityMode      string `toml:"security_mode"`
	ConnectTimeout    string `toml:"connect_timeout"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	DeadAfterBeats    int    `toml:"dead_after_beats"`
	GracefulShutdown  string `toml:"graceful_shutdown"`
	PoolOptimalSize   int    `toml:"pool_optimal_size"`
	PoolActiveLimit   int    `toml:"pool_active_limit"`
	PoolCapacity      int    `toml:"pool_capacity"`
	BackoffInitial    string `toml:"backoff_initial"`
	BackoffMax        string `toml:"backoff_max"`
	BackoffJitter     bool   `toml:"backoff_jitter"`
	CertFile          string `toml:"cert_file"`
	KeyFile           string `toml:"key_file"`
	RootsFile         string `toml:"roots_file"`
	AcceptSelfSigned  bool   `toml:"accept_self_signed"`
	AcceptUntrusted   bool   `toml:"accept_untrusted"`
}

type daemonFile struct {
	Name          string      `toml:"name"`
	SenderType    string      `toml:"sender_type"`
	Listen        []string    `toml:"listen"`
	StatusAddr    string      `toml:"status_addr"`
	StatusToken   string      `toml:"status_token"`
	CorsOrigins   []string    `toml:"cors_origins"`
	HandoffSocket string      `toml:"handoff_socket"`
	HandoffListen string      `toml:"handoff_listen"`
	Routing       string      `toml:"routing"`
	Session       sessionFile `toml:"session"`
}

type clientFile struct {
	Addr         string      `toml:"addr"`
	SenderType   string      `toml:"sender_type"`
	Routing      string      `toml:"routing"`
	DialAttempts int         `toml:"dial_attempts"`
	Session      sessionFile `toml:"session"`
}

// LoadDaemon reads path and overlays it onto DefaultDaemon.
func LoadDaemon(path string) (Daemon, error) {
	cfg := DefaultDaemon()
	var raw daemonFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Daemon{}, fmt.Errorf("load daemon config: %w", err)
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("sender_type") {
		if cfg.SenderType, err = protocol.ParseSenderType(strings.TrimSpace(raw.SenderType)); err != nil {
			return Daemon{}, fmt.Errorf("load daemon config: %w", err)
		}
	}
	if meta.IsDefined("listen") {
		cfg.Listen = trimAll(raw.Listen)
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("status_token") {
		cfg.StatusToken = strings.TrimSpace(raw.StatusToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = trimAll(raw.CorsOrigins)
	}
	if meta.IsDefined("handoff_socket") {
		cfg.HandoffSocket = strings.TrimSpace(raw.HandoffSocket)
	}
	if meta.IsDefined("handoff_listen") {
		cfg.HandoffListen = strings.TrimSpace(raw.HandoffListen)
	}
	if meta.IsDefined("routing") {
		if cfg.Routing, err = routing.ParseSecurityLevel(strings.TrimSpace(raw.Routing)); err != nil {
			return Daemon{}, fmt.Errorf("load daemon config: %w", err)
		}
	}
	if err := overlaySession(meta, raw.Session, &cfg.Session); err != nil {
		return Daemon{}, fmt.Errorf("load daemon config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Daemon{}, err
	}
	return cfg, nil
}

// LoadClient reads path and overlays it onto DefaultClient.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Client{}, fmt.Errorf("load client config: %w", err)
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("sender_type") {
		if cfg.SenderType, err = protocol.ParseSenderType(strings.TrimSpace(raw.SenderType)); err != nil {
			return Client{}, fmt.Errorf("load client config: %w", err)
		}
	}
	if meta.IsDefined("routing") {
		if cfg.Routing, err = routing.ParseSecurityLevel(strings.TrimSpace(raw.Routing)); err != nil {
			return Client{}, fmt.Errorf("load client config: %w", err)
		}
	}
	if meta.IsDefined("dial_attempts") {
		cfg.DialAttempts = raw.DialAttempts
	}
	if err := overlaySession(meta, raw.Session, &cfg.Session); err != nil {
		return Client{}, fmt.Errorf("load client config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func overlaySession(meta toml.MetaData, raw sessionFile, cfg *session.Config) error {
	def := func(key string) bool { return meta.IsDefined("session", key) }
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"graceful_shutdown", raw.GracefulShutdown, &cfg.GracefulShutdown},
		{"backoff_initial", raw.BackoffInitial, &cfg.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !def(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return fmt.Errorf("session.%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if def("description") {
		cfg.Description = strings.TrimSpace(raw.Description)
	}
	if def("security_mode") {
		cfg.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(raw.SecurityMode))
	}
	if def("dead_after_beats") {
		cfg.DeadAfterBeats = raw.DeadAfterBeats
	}
	if def("pool_optimal_size") {
		cfg.Pool.OptimalSize = raw.PoolOptimalSize
	}
	if def("pool_active_limit") {
		cfg.Pool.ActiveLimit = raw.PoolActiveLimit
	}
	if def("pool_capacity") {
		cfg.Pool.Capacity = raw.PoolCapacity
	}
	if def("backoff_jitter") {
		cfg.Backoff.Jitter = raw.BackoffJitter
	}
	if def("cert_file") {
		cfg.Credentials.CertFile = strings.TrimSpace(raw.CertFile)
	}
	if def("key_file") {
		cfg.Credentials.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if def("roots_file") {
		cfg.Credentials.RootsFile = strings.TrimSpace(raw.RootsFile)
	}
	if def("accept_self_signed") {
		cfg.Credentials.AcceptSelfSigned = raw.AcceptSelfSigned
	}
	if def("accept_untrusted") {
		cfg.Credentials.AcceptUntrusted = raw.AcceptUntrusted
	}
	return nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (d Daemon) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("daemon config missing name")
	}
	if len(d.Listen) == 0 {
		return fmt.Errorf("daemon config needs at least one listen address")
	}
	for i, l := range d.Listen {
		if _, _, err := ParseListenAddr(l); err != nil {
			return fmt.Errorf("listen[%d] invalid: %w", i, err)
		}
	}
	if d.Session.Pool.OptimalSize <= 0 || d.Session.Pool.ActiveLimit <= 0 {
		return fmt.Errorf("daemon config pool sizes must be positive")
	}
	if err := validatePoolCapacity(d.Session); err != nil {
		return fmt.Errorf("daemon config %w", err)
	}
	if d.HandoffListen != "" && d.HandoffListen == d.HandoffSocket {
		return fmt.Errorf("daemon config handoff_listen must differ from handoff_socket")
	}
	return d.Session.ValidateServerTransport()
}

func (c Client) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("client config missing addr")
	}
	if c.DialAttempts <= 0 {
		return fmt.Errorf("client config dial_attempts must be positive")
	}
	if err := validatePoolCapacity(c.Session); err != nil {
		return fmt.Errorf("client config %w", err)
	}
	return c.Session.ValidateClientTransport()
}

// validatePoolCapacity accepts 0 (no cap) or a cap that admits the
// active limit.
func validatePoolCapacity(s session.Config) error {
	capacity := s.Pool.Capacity
	if capacity < 0 || (capacity > 0 && capacity < s.Pool.ActiveLimit) {
		return fmt.Errorf("pool_capacity %d must be 0 or at least pool_active_limit %d", capacity, s.Pool.ActiveLimit)
	}
	return nil
}
