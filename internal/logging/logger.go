package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/billing/internal/config"
)

// NewLogger creates a structured zerolog.Logger writing JSON to stdout with
// the service and environment attached to every line.
func NewLogger(cfg *config.Config) zerolog.Logger {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(w).With().Timestamp()

	if cfg.ServiceName != "" {
		ctx = ctx.Str("service", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		ctx = ctx.Str("environment", cfg.Environment)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return ctx.Logger().Level(level)
}
