// Package obs provides structured logging initialization shared by both
// the gateway and inference processes.
package obs

import (
	"os"

	"github.com/rs/zerolog"
)

// New builds a zerolog logger for serviceName. It prints a pretty
// console representation when stdout is a terminal (local development)
// and JSON-over-stdout otherwise (production, log-collector friendly),
// mirroring the console/JSON split used across the rest of this corpus.
func New(serviceName string) *zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var logger zerolog.Logger
	if isTerminal() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Caller().
			Str("service", serviceName).
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", serviceName).
			Logger()
	}

	return &logger
}

// SetLevel updates the global log level from a string ("debug", "info",
// "warn", "error"); unrecognized values fall back to info.
func SetLevel(logger *zerolog.Logger, levelStr string) {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil || levelStr == "" {
		level = zerolog.InfoLevel
		if levelStr != "" {
			logger.Warn().Str("configured_level", levelStr).Msg("unknown log level, defaulting to info")
		}
	}

	zerolog.SetGlobalLevel(level)
	logger.Info().Str("level", level.String()).Msg("log level set")
}

func isTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
