package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger initializes the global logger
func InitLogger(level, format string) {
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer = os.Stdout
	if format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()

	log.Info().
		Str("level", logLevel.String()).
		Str("format", format).
		Msg("Logger initialized")
}

// NewLogger creates a new logger with a component name
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// NewLoopLogger creates a logger for one scheduler loop
func NewLoopLogger(loop string) zerolog.Logger {
	return log.With().
		Str("component", "scheduler").
		Str("loop", loop).
		Logger()
}

// NewProviderLogger creates a logger for a signal provider
func NewProviderLogger(provider string) zerolog.Logger {
	return log.With().
		Str("component", "signals").
		Str("provider", provider).
		Logger()
}
