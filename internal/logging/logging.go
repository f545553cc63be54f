package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures zerolog for the process: human-readable console output
// in development, JSON otherwise.
func Setup(environment, level string) zerolog.Logger {
	return SetupWithWriter(environment, level, os.Stderr)
}

// SetupWithWriter is Setup writing to out.
func SetupWithWriter(environment, level string, out io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
		if isDevelopment(environment) {
			lvl = zerolog.DebugLevel
		}
	}

	var writer io.Writer = out
	if isDevelopment(environment) {
		writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	logger := zerolog.New(writer).With().Timestamp().Logger().Level(lvl)
	log.Logger = logger
	return logger
}

func isDevelopment(environment string) bool {
	switch strings.ToLower(environment) {
	case "dev", "development", "local":
		return true
	}
	return false
}
