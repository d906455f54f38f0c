// Package logger wraps log/slog with the configuration conventions used by
// the gateway: a YAML/JSON config block, LOG_* environment overrides and a
// component-scoped child logger per subsystem.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

var (
	// DefaultLogger is the default logger instance
	DefaultLogger *Logger = NewLoggerWithAutoConfig(os.Getenv("LOG_CONFIG"))
)

// Logger encapsulates the slog logger
type Logger struct {
	logger *slog.Logger
}

// Config holds logger configuration
type Config struct {
	Level     string `json:"level" yaml:"level"`           // Log level: "DEBUG", "INFO", "WARN", "ERROR"
	Format    string `json:"format" yaml:"format"`         // Output format: "json", "text"
	AddSource bool   `json:"add_source" yaml:"add_source"` // Whether to include source code location
}

// ParseLevel maps a config level name onto a slog level. Unknown names
// fall back to INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG", "TRACE":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a new logger instance writing to stdout
func NewLogger(config Config) *Logger {
	return NewLoggerTo(config, os.Stdout)
}

// NewLoggerTo creates a logger that writes to w.
func NewLoggerTo(config Config, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		logger: slog.New(handler),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return NewLoggerTo(Config{Level: "ERROR"}, io.Discard)
}

// NewLoggerWithAutoConfig creates a logger by trying config file, then environment variables, then defaulting to console
func NewLoggerWithAutoConfig(configPath string) *Logger {
	if config, err := loadFromFile(configPath); err == nil {
		return NewLogger(config)
	}
	if config, ok := loadFromEnv(); ok {
		return NewLogger(config)
	}
	return NewLogger(withDefaults(Config{}))
}

// ApplyEnv overlays LOG_LEVEL, LOG_FORMAT and LOG_ADD_SOURCE on config.
// Unset variables leave the config value alone.
func ApplyEnv(config Config) Config {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = format
	}
	if os.Getenv("LOG_ADD_SOURCE") == "true" {
		config.AddSource = true
	}
	return config
}

// loadFromFile attempts to load configuration from a JSON file
func loadFromFile(configPath string) (Config, error) {
	if configPath == "" {
		return Config{}, fmt.Errorf("no log config path")
	}
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, err
	}
	var config Config
	if err := json.Unmarshal(configData, &config); err != nil {
		return Config{}, err
	}
	return withDefaults(config), nil
}

// loadFromEnv reports false when no LOG_* variable is set.
func loadFromEnv() (Config, bool) {
	config := ApplyEnv(Config{})
	if config == (Config{}) {
		return config, false
	}
	return withDefaults(config), true
}

func withDefaults(config Config) Config {
	if config.Level == "" {
		config.Level = "INFO"
	}
	if config.Format == "" {
		config.Format = "text"
	}
	return config
}

// Slog exposes the underlying slog logger for libraries that want one.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// With adds context fields to the logger
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		logger: l.logger.With(args...),
	}
}

// Component returns a child logger tagged with the subsystem name.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// WithContext tags the logger with the trace and span ids of the span
// carried by ctx. Without a valid span context the logger is returned as is.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
