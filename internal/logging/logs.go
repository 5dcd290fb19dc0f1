// Package logging owns process logger setup and the printf-style helpers
// used across the transport.
package logging

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var current atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	current.Store(&l)
}

func setLogger(l zerolog.Logger) {
	current.Store(&l)
}

// Logger returns the configured process logger.
func Logger() zerolog.Logger {
	return *current.Load()
}

// With returns a child logger tagged with component.
func With(component string) zerolog.Logger {
	return current.Load().With().Str("component", component).Logger()
}

func Tracef(format string, args ...any) {
	current.Load().Trace().Msg(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	current.Load().Debug().Msg(fmt.Sprintf(format, args...))
}

func Infof(format string, args ...any) {
	current.Load().Info().Msg(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	current.Load().Warn().Msg(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...any) {
	current.Load().Error().Msg(fmt.Sprintf(format, args...))
}

// Logf writes an unleveled line; tests use it for step narration.
func Logf(format string, args ...any) {
	current.Load().Log().Msg(fmt.Sprintf(format, args...))
}
