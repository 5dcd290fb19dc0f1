package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/iolink/internal/protocol/session"
	"github.com/pelletier/go-toml/v2"
)

// Template renders the defaults of kind as a TOML file.
func Template(kind string) (string, error) {
	var v any
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "daemon", "iolinkd":
		d := DefaultDaemon()
		v = daemonFile{
			Name:          d.Name,
			SenderType:    d.SenderType.String(),
			Listen:        d.Listen,
			StatusAddr:    d.StatusAddr,
			StatusToken:   d.StatusToken,
			CorsOrigins:   []string{"http://localhost:3000"},
			HandoffSocket: d.HandoffSocket,
			HandoffListen: d.HandoffListen,
			Routing:       d.Routing.String(),
			Session:       sessionToFile(d.Session),
		}
	case "client", "iolinkctl":
		c := DefaultClient()
		v = clientFile{
			Addr:         c.Addr,
			SenderType:   c.SenderType.String(),
			Routing:      c.Routing.String(),
			DialAttempts: c.DialAttempts,
			Session:      sessionToFile(c.Session),
		}
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	out, err := toml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return string(out), nil
}

func sessionToFile(s session.Config) sessionFile {
	return sessionFile{
		Description:       s.Description,
		SecurityMode:      string(s.SecurityMode),
		ConnectTimeout:    s.ConnectTimeout.String(),
		HeartbeatInterval: s.HeartbeatInterval.String(),
		DeadAfterBeats:    s.DeadAfterBeats,
		GracefulShutdown:  s.GracefulShutdown.String(),
		PoolOptimalSize:   s.Pool.OptimalSize,
		PoolActiveLimit:   s.Pool.ActiveLimit,
		PoolCapacity:      s.Pool.Capacity,
		BackoffInitial:    s.Backoff.InitialDelay.String(),
		BackoffMax:        s.Backoff.MaxDelay.String(),
		BackoffJitter:     s.Backoff.Jitter,
		CertFile:          s.Credentials.CertFile,
		KeyFile:           s.Credentials.KeyFile,
		RootsFile:         s.Credentials.RootsFile,
		AcceptSelfSigned:  s.Credentials.AcceptSelfSigned,
		AcceptUntrusted:   s.Credentials.AcceptUntrusted,
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
