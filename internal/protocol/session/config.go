package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultPoolCapacity bounds the live jobs of one connection.
const DefaultPoolCapacity = 1000

// PoolConfig sizes the per-connection job ledger.
type PoolConfig struct {
	OptimalSize int
	ActiveLimit int
	// Capacity caps live jobs. DefaultConfig sets DefaultPoolCapacity;
	// an explicit zero lifts the cap.
	Capacity int
}

// SecurityMode selects how strictly credentials are validated.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// CredentialsConfig points at the secure channel key material.
type CredentialsConfig struct {
	// CertFile and KeyFile hold the server certificate chain and its
	// ed25519 key. Servers without them run untrusted.
	CertFile string
	KeyFile  string
	// RootsFile holds the certificate authorities a client trusts.
	RootsFile string
	// AcceptSelfSigned lets a client talk to a server whose chain does
	// not verify against RootsFile.
	AcceptSelfSigned bool
	// AcceptUntrusted lets a client talk to a server with no certificate.
	AcceptUntrusted bool
}

// Config defines connection reliability defaults.
type Config struct {
	Description string
	// ConnectTimeout is the whole handshake budget, dial included.
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	// DeadAfterBeats is the number of silent heartbeat intervals after
	// which the peer is considered gone.
	DeadAfterBeats   int
	GracefulShutdown time.Duration
	Pool             PoolConfig
	Backoff          BackoffConfig
	SecurityMode     SecurityMode
	Credentials      CredentialsConfig
}

// DefaultConfig returns the stock connection settings.
func DefaultConfig() Config {
	return Config{
		Description:       "iolink",
		ConnectTimeout:    30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		DeadAfterBeats:    3,
		GracefulShutdown:  5 * time.Second,
		Pool: PoolConfig{
			OptimalSize: 50,
			ActiveLimit: 20,
			Capacity:    DefaultPoolCapacity,
		},
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

// ReceiveDeadline is the longest a connection may stay silent.
func (c Config) ReceiveDeadline() time.Duration {
	beats := c.DeadAfterBeats
	if beats <= 0 {
		beats = 3
	}
	return time.Duration(beats) * c.HeartbeatInterval
}
