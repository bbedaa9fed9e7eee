// Package logging configures the process-wide zerolog logger.
package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var once sync.Once

// Setup configures the global logger once. level is one of trace, debug,
// info, warn, error; anything else falls back to info.
func Setup(level string) {
	once.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339
		lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
		if err != nil || lvl == zerolog.NoLevel {
			lvl = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(lvl)
		log.Logger = zerolog.New(os.Stderr).With().
			Timestamp().
			Str("service", "iptv-gateway").
			Logger()
	})
}

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
