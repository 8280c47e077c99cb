package cli

import (
	"io"
	"strings"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NewLogger builds the process logger and installs it as the global zerolog
// logger. Timestamps are rendered in loc.
func NewLogger(cfg config.LogConfig, loc *time.Location, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if loc == nil {
		loc = time.UTC
	}
	zerolog.TimestampFunc = func() time.Time {
		return time.Now().In(loc)
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "2006-01-02 15:04:05 MST"}
	}
	logger := zerolog.New(w).Level(level).With().Timestamp().Str("service", "ksef-monitor").Logger()
	log.Logger = logger
	return logger
}
