// Package log configures the process-wide zerolog logger.
package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup installs the global logger. Unknown levels fall back to info with a
// warning. When pretty is set, output goes through a console writer meant
// for local development.
func Setup(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(lvl).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	}

	log.Logger = logger
	if err != nil {
		log.Warn().Str("configured_level", level).Msg("invalid log level, using info")
	}
}
