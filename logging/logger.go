package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	secure "github.com/fanzplatform/fanz-secure"
)

// Output formats
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Log levels accepted by ParseLevel
const (
	LogLevelDebug   = "debug"
	LogLevelInfo    = "info"
	LogLevelWarn    = "warn"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
)

// File rotation defaults
const (
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 5
	DefaultMaxAgeDays = 28
)

// Config configures the process logger.
type Config struct {
	Level  string
	Format string

	// File enables a rotating log file in addition to Output
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Output is the primary writer. Default: os.Stdout
	Output io.Writer

	// Redaction settings. See HandlerOptions.
	Strict    bool
	Allowlist []string
	Sensitive []string
}

// FromConfig returns the logger configuration of a loaded security
// configuration. Strict redaction is used outside development mode.
func FromConfig(c *secure.Config) Config {
	return Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		File:   c.Log.File,
		Strict: !c.DevelopmentMode,
	}
}

// New builds a logger whose records pass through a RedactingHandler. The
// returned cleanup closes the log file, if any.
func New(cfg Config) (*slog.Logger, func(), error) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	cleanup := func() {}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: orDefault(cfg.MaxBackups, DefaultMaxBackups),
			MaxAge:     orDefault(cfg.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   true,
		}
		out = io.MultiWriter(out, rotator)
		cleanup = func() { _ = rotator.Close() }
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var base slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", FormatJSON:
		base = slog.NewJSONHandler(out, opts)
	case FormatText:
		base = slog.NewTextHandler(out, opts)
	default:
		cleanup()
		return nil, nil, errors.New("log format must be json or text")
	}

	handler := NewRedactingHandler(base, HandlerOptions{
		Strict:    cfg.Strict,
		Allowlist: cfg.Allowlist,
		Sensitive: cfg.Sensitive,
	})
	return slog.New(handler), cleanup, nil
}

// ParseLevel maps a level name to a slog level; unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn, LogLevelWarning:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
