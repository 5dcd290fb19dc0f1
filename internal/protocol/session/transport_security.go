package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSecurityMode   = errors.New("session: invalid security mode")
	ErrCertFileRequired      = errors.New("session: cert file required")
	ErrKeyFileRequired       = errors.New("session: key file required")
	ErrRootsFileRequired     = errors.New("session: roots file required")
	ErrSelfSignedNotAllowed  = errors.New("session: self-signed peers not allowed")
	ErrUntrustedNotAllowed   = errors.New("session: untrusted peers not allowed")
	ErrInvalidHeartbeat      = errors.New("session: heartbeat interval must be positive")
	ErrInvalidConnectTimeout = errors.New("session: connect timeout must be positive")
)

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

func (c Config) validateCommon() (SecurityMode, error) {
	mode := NormalizeSecurityMode(c.SecurityMode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return mode, fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}
	if c.HeartbeatInterval <= 0 {
		return mode, ErrInvalidHeartbeat
	}
	if c.ConnectTimeout <= 0 {
		return mode, ErrInvalidConnectTimeout
	}
	return mode, nil
}

// ValidateClientTransport checks the settings a dialing peer needs.
// Production clients must verify the server against configured roots.
func (c Config) ValidateClientTransport() error {
	mode, err := c.validateCommon()
	if err != nil {
		return err
	}
	creds := c.Credentials
	if mode == SecurityModeProduction {
		if strings.TrimSpace(creds.RootsFile) == "" {
			return ErrRootsFileRequired
		}
		if creds.AcceptUntrusted {
			return ErrUntrustedNotAllowed
		}
		if creds.AcceptSelfSigned {
			return ErrSelfSignedNotAllowed
		}
	}
	return nil
}

// ValidateServerTransport checks the settings an accepting peer needs.
// A development server may run without a certificate.
func (c Config) ValidateServerTransport() error {
	mode, err := c.validateCommon()
	if err != nil {
		return err
	}
	creds := c.Credentials
	cert := strings.TrimSpace(creds.CertFile)
	key := strings.TrimSpace(creds.KeyFile)
	if mode == SecurityModeProduction || cert != "" || key != "" {
		if cert == "" {
			return ErrCertFileRequired
		}
		if key == "" {
			return ErrKeyFileRequired
		}
	}
	return nil
}
