package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level represents a log level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the log output format.
type Format string

// Output formats.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level Level

	// Format is the output format (text or json).
	Format Format

	// Output is the writer to send logs to. Defaults to os.Stderr.
	Output io.Writer

	// AddSource adds source file and line to log entries.
	AddSource bool

	// LokiURL, when set, also pushes records to this Loki endpoint
	// (e.g. "http://localhost:3100/loki/api/v1/push").
	LokiURL string

	// LokiLabels are extra stream labels for Loki.
	LokiLabels map[string]string
}

// DefaultConfig returns sensible defaults for logging.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatText,
		Output: os.Stderr,
	}
}

// New creates a logger writing to cfg.Output only.
func New(cfg Config) *slog.Logger {
	return slog.New(localHandler(cfg))
}

// Build creates a logger for cfg, including the Loki sink when configured.
// The returned function flushes and stops remote sinks; call it on shutdown.
func Build(cfg Config) (*slog.Logger, func() error) {
	local := localHandler(cfg)
	if cfg.LokiURL == "" {
		return slog.New(local), func() error { return nil }
	}

	loki := NewLokiHandler(cfg.LokiURL, WithLokiLevel(cfg.Level), WithLokiLabels(cfg.LokiLabels))
	return slog.New(NewMultiHandler(local, loki)), loki.Close
}

func localHandler(cfg Config) slog.Handler {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	if cfg.Format == FormatJSON {
		return slog.NewJSONHandler(cfg.Output, opts)
	}
	return slog.NewTextHandler(cfg.Output, opts)
}

// Nop returns a no-op logger that discards all output.
// Use this when a logger is required but logging is disabled.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel parses a log level string, case-insensitively.
// Valid values: "debug", "info", "warn", "warning", "error".
// Returns LevelInfo if the string is not recognized.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// ValidLevel reports whether s names a known level (or is empty).
func ValidLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// ParseFormat parses a log format string.
// Valid values: "text", "json".
// Returns FormatText if the string is not recognized.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), string(FormatJSON)) {
		return FormatJSON
	}
	return FormatText
}
