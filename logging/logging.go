// Package logging configures zerolog for the notify service and adapts it to
// the notify.Logger interface.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the global logger.
type Config struct {
	Level   string    // optional log level ("debug", "info", etc.)
	Output  io.Writer // optional writer (defaults to os.Stdout)
	Service string    // optional service name attached to every log entry
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the global logger. Only the first call has an effect.
func Configure(cfg Config) {
	once.Do(func() {
		base = New(cfg)
	})
}

// New builds a logger from cfg without touching the global one.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Level == "" {
		cfg.Level = os.Getenv("LOG_LEVEL")
	}
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}
	zerolog.TimeFieldFormat = time.RFC3339

	writer := cfg.Output
	if writer == nil {
		writer = os.Stdout
	}
	service := cfg.Service
	if service == "" {
		service = "notify"
	}

	return zerolog.New(writer).Level(level).With().
		Timestamp().
		Str("service", service).
		Logger()
}

// Base returns the configured base logger instance.
func Base() zerolog.Logger {
	Configure(Config{})
	return base
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str("component", component).Logger()
}

type ctxKey struct{}

// ContextWithRequestID stores the request ID in the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequestIDFromContext extracts the request ID from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithContext enriches the logger with the request ID from ctx.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if rid := RequestIDFromContext(ctx); rid != "" {
		return logger.With().Str("request_id", rid).Logger()
	}
	return logger
}

// Adapter implements notify.Logger on a zerolog logger.
type Adapter struct {
	logger zerolog.Logger
}

// NewAdapter wraps a zerolog logger.
func NewAdapter(logger zerolog.Logger) *Adapter {
	return &Adapter{logger: logger}
}

// ForComponent returns an Adapter over WithComponent(component).
func ForComponent(component string) *Adapter {
	return NewAdapter(WithComponent(component))
}

// Debugf logs at debug level.
func (a *Adapter) Debugf(format string, args ...interface{}) {
	a.logger.Debug().Msg(fmt.Sprintf(format, args...))
}

// Infof logs at info level.
func (a *Adapter) Infof(format string, args ...interface{}) {
	a.logger.Info().Msg(fmt.Sprintf(format, args...))
}

// Warnf logs at warn level.
func (a *Adapter) Warnf(format string, args ...interface{}) {
	a.logger.Warn().Msg(fmt.Sprintf(format, args...))
}

// Errorf logs at error level.
func (a *Adapter) Errorf(format string, args ...interface{}) {
	a.logger.Error().Msg(fmt.Sprintf(format, args...))
}

// Info logs a message at info level.
func (a *Adapter) Info(message string) {
	a.logger.Info().Msg(message)
}
