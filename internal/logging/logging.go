// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Setup replaces the global logger. format is "console" or "json".
func Setup(level, format string) error {
	return SetupWriter(os.Stderr, level, format)
}

func SetupWriter(w io.Writer, level, format string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	switch strings.ToLower(format) {
	case "", FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case FormatJSON:
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}

// ParseLevel accepts zerolog level names and the upper-case names
// (DEBUG, INFO, WARNING) used by Home Assistant.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	case "critical":
		return zerolog.FatalLevel, nil
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", level)
	}
	return lvl, nil
}

// HeaterLogger returns the sub-logger of one water heater. An empty level
// keeps the global level.
func HeaterLogger(id, heaterEntityID, level string) (zerolog.Logger, error) {
	logger := log.Logger.With().
		Str("heater", id).
		Str("entity", heaterEntityID).
		Logger()

	if level == "" {
		return logger, nil
	}

	lvl, err := ParseLevel(level)
	if err != nil {
		return logger, err
	}
	return logger.Level(lvl), nil
}
