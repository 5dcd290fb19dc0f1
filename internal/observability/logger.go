package observability

import (
	logs "github.com/danmuck/iolink/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger derives the status server logger from the process logger so
// both honour the same level and output. It also becomes the zerolog
// global.
func InitLogger(app string) zerolog.Logger {
	logger := logs.With("http").With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
