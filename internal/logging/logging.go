// Package logging builds the zerolog loggers used across courier.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/zulandar/courier/internal/config"
)

// Environment overrides, applied after the config file.
const (
	EnvLogLevel  = "COURIER_LOG_LEVEL"
	EnvLogFormat = "COURIER_LOG_FORMAT"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// New returns the root logger for cfg writing to out.
func New(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	applyEnvOverrides(&cfg)
	if out == nil {
		out = os.Stderr
	}
	w := out
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
	}
	return zerolog.New(w).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
}

// Component derives a child logger tagged with name. A nil parent yields a
// no-op logger so components can take an optional *zerolog.Logger.
func Component(parent *zerolog.Logger, name string) zerolog.Logger {
	if parent == nil {
		return zerolog.Nop()
	}
	return parent.With().Str("component", name).Logger()
}

// ParseLevel maps a level name to a zerolog level, returning def for empty
// or unknown input. "off" and "none" disable logging; "warning" is accepted
// for warn.
func ParseLevel(raw string, def zerolog.Level) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch name {
	case "":
		return def
	case "off", "none":
		return zerolog.Disabled
	case "warning":
		name = "warn"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return def
	}
	return lvl
}

func applyEnvOverrides(cfg *config.LogConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Level = v
	}
	if v := strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogFormat))); v == "json" || v == "console" {
		cfg.Format = v
	}
}
