package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/iolink/internal/auth"
	"github.com/danmuck/iolink/internal/endpoint"
	"github.com/danmuck/iolink/internal/protocol/routing"
	"github.com/danmuck/iolink/internal/securechan"
)

// ParseListenAddr splits a listener URL into a network and an address.
// A bare host:port means tcp.
func ParseListenAddr(s string) (network, addr string, err error) {
	s = strings.TrimSpace(s)
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		scheme, rest = "tcp", s
	}
	switch scheme {
	case "tcp", "tcp4", "tcp6":
		if !strings.Contains(rest, ":") {
			return "", "", fmt.Errorf("listen address %q needs a port", s)
		}
	case "unix":
		if rest == "" {
			return "", "", fmt.Errorf("listen address %q needs a path", s)
		}
	default:
		return "", "", fmt.Errorf("listen address %q: unsupported network %q", s, scheme)
	}
	return scheme, rest, nil
}

// EndpointConfig builds the template for accepted connections.
func (d Daemon) EndpointConfig() (endpoint.Config, error) {
	creds, err := securechan.LoadCredentials(
		d.Session.Credentials.CertFile,
		d.Session.Credentials.KeyFile,
		d.Session.Credentials.RootsFile,
	)
	if err != nil {
		return endpoint.Config{}, fmt.Errorf("daemon credentials: %w", err)
	}
	cfg := endpoint.DefaultConfig(d.SenderType)
	cfg.Session = d.Session
	cfg.Routing = routing.ServerTable(d.Routing)
	cfg.Credentials = creds
	return cfg, nil
}

// StatusValidator guards the endpoint routes. No token leaves them open.
func (d Daemon) StatusValidator() auth.Validator {
	if d.StatusToken == "" {
		return nil
	}
	return auth.StaticToken{Token: d.StatusToken}
}

// EndpointConfig builds the dialing side.
func (c Client) EndpointConfig() (endpoint.Config, error) {
	creds, err := securechan.LoadCredentials("", "", c.Session.Credentials.RootsFile)
	if err != nil {
		return endpoint.Config{}, fmt.Errorf("client credentials: %w", err)
	}
	cfg := endpoint.DefaultConfig(c.SenderType)
	cfg.Session = c.Session
	cfg.Routing = routing.ClientTable(c.Routing)
	cfg.Credentials = creds
	cfg.Authorizer = auth.PolicyFromCredentials(c.Session.Credentials)
	cfg.DialAttempts = c.DialAttempts
	return cfg, nil
}
