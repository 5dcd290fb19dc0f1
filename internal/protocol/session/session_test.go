package session

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/iolink/internal/testutil/testlog"
)

func TestBackoffDelayDoublesUpToMax(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := cfg.Delay(1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := cfg.Delay(2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := cfg.Delay(3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := cfg.Delay(6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
	if got := (BackoffConfig{}).Delay(3, nil); got != 0 {
		t.Fatalf("zero config got=%v", got)
	}
}

func TestBackoffDelayJitterKeepsUpperHalf(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		got := cfg.Delay(3, rng)
		if got < 2*time.Second || got > 4*time.Second {
			t.Fatalf("jittered delay out of range: %v", got)
		}
	}
}

func TestDefaultConfigReceiveDeadline(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("heartbeat=%v", cfg.HeartbeatInterval)
	}
	if got := cfg.ReceiveDeadline(); got != 30*time.Second {
		t.Fatalf("receive deadline=%v", got)
	}
	if cfg.GracefulShutdown != 5*time.Second || cfg.ConnectTimeout != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Pool.Capacity != DefaultPoolCapacity || cfg.Pool.Capacity < cfg.Pool.ActiveLimit {
		t.Fatalf("pool=%+v", cfg.Pool)
	}
	cfg.DeadAfterBeats = 0
	cfg.HeartbeatInterval = time.Second
	if got := cfg.ReceiveDeadline(); got != 3*time.Second {
		t.Fatalf("fallback receive deadline=%v", got)
	}
}

func TestValidateClientTransportProduction(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("development client should validate: %v", err)
	}
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrRootsFileRequired) {
		t.Fatalf("expected ErrRootsFileRequired, got %v", err)
	}
	cfg.Credentials.RootsFile = "/tmp/roots.pem"
	cfg.Credentials.AcceptUntrusted = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrUntrustedNotAllowed) {
		t.Fatalf("expected ErrUntrustedNotAllowed, got %v", err)
	}
	cfg.Credentials.AcceptUntrusted = false
	cfg.Credentials.AcceptSelfSigned = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrSelfSignedNotAllowed) {
		t.Fatalf("expected ErrSelfSignedNotAllowed, got %v", err)
	}
	cfg.Credentials.AcceptSelfSigned = false
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid production client config, got %v", err)
	}
}

func TestValidateServerTransport(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if err := cfg.ValidateServerTransport(); err != nil {
		t.Fatalf("anonymous development server should validate: %v", err)
	}
	cfg.Credentials.CertFile = "/tmp/server.pem"
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrKeyFileRequired) {
		t.Fatalf("expected ErrKeyFileRequired, got %v", err)
	}
	cfg.Credentials.CertFile = ""
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrCertFileRequired) {
		t.Fatalf("expected ErrCertFileRequired, got %v", err)
	}
	cfg.Credentials.CertFile = "/tmp/server.pem"
	cfg.Credentials.KeyFile = "/tmp/server.key"
	if err := cfg.ValidateServerTransport(); err != nil {
		t.Fatalf("expected valid production server config, got %v", err)
	}
	cfg.SecurityMode = "staging"
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
	cfg.SecurityMode = SecurityModeDevelopment
	cfg.HeartbeatInterval = 0
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrInvalidHeartbeat) {
		t.Fatalf("expected ErrInvalidHeartbeat, got %v", err)
	}
}
