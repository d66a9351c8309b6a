// Package logging builds the zerolog.Logger shared by the broker's
// components (broker, dispatch, bridge), replacing the teacher's bare
// log.Printf calls with structured, leveled logging. The middleware
// package logs through zerolog's global logger instead.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mini-rpc-broker/internal/config"
)

// New builds a zerolog.Logger from cfg: pretty console output when
// cfg.Pretty is set (for interactive `brokerd serve` runs), otherwise
// plain JSON to stderr (for production/aggregated logging).
func New(cfg config.Logging) (zerolog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, err
	}

	var out io.Writer = os.Stderr
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger, nil
}

func parseLevel(level string) (zerolog.Level, error) {
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}
	return parsed, nil
}
