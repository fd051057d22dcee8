// Package logger provides structured logging for the ad decision service
package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance
var Log zerolog.Logger

// contextKey is a private type for context keys to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for HTTP request IDs
	RequestIDKey contextKey = "request_id"
	// DecisionIDKey is the context key for decision pipeline run IDs
	DecisionIDKey contextKey = "decision_id"
)

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	TimeFormat string
}

// DefaultConfig returns logger configuration with environment overrides
// (LOG_LEVEL, LOG_FORMAT)
func DefaultConfig() Config {
	return Config{
		Level:      getEnv("LOG_LEVEL", "info"),
		Format:     getEnv("LOG_FORMAT", "json"),
		TimeFormat: time.RFC3339,
	}
}

// Init configures the global logger
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = cfg.TimeFormat
	zerolog.MessageFieldName = "message"

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: cfg.TimeFormat})
	} else {
		logger = zerolog.New(os.Stdout)
	}

	Log = logger.Level(level).With().
		Timestamp().
		Str("service", "addecision").
		Logger()
}

// WithRequestID stores a request ID in the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithDecisionID stores a decision ID in the context
func WithDecisionID(ctx context.Context, decisionID string) context.Context {
	return context.WithValue(ctx, DecisionIDKey, decisionID)
}

// FromContext returns a logger with request/decision IDs from the context
func FromContext(ctx context.Context) zerolog.Logger {
	logger := Log

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		logger = logger.With().Str("request_id", requestID).Logger()
	}

	if decisionID, ok := ctx.Value(DecisionIDKey).(string); ok && decisionID != "" {
		logger = logger.With().Str("decision_id", decisionID).Logger()
	}

	return logger
}

// Pipeline returns a logger tagged with a decision ID
func Pipeline(decisionID string) zerolog.Logger {
	return Log.With().Str("decision_id", decisionID).Logger()
}

// Source returns a logger tagged with a demand source ID
func Source(sourceID string) zerolog.Logger {
	return Log.With().Str("source", sourceID).Logger()
}

// Unwrap returns a logger for the VAST unwrapper component
func Unwrap() zerolog.Logger {
	return Log.With().Str("component", "unwrap").Logger()
}

// Health returns a logger for the creative health component
func Health() zerolog.Logger {
	return Log.With().Str("component", "health").Logger()
}

// HTTP returns a logger for the HTTP server component
func HTTP() zerolog.Logger {
	return Log.With().Str("component", "http").Logger()
}

// RequestLogger carries a per-request logger with timing
type RequestLogger struct {
	logger zerolog.Logger
	start  time.Time
}

// NewRequestLogger creates a request-scoped logger
func NewRequestLogger(requestID string) *RequestLogger {
	return &RequestLogger{
		logger: Log.With().Str("request_id", requestID).Logger(),
		start:  time.Now(),
	}
}

// Info logs an info message
func (rl *RequestLogger) Info(msg string) {
	rl.logger.Info().Msg(msg)
}

// Error logs an error message with the error attached
func (rl *RequestLogger) Error(msg string, err error) {
	rl.logger.Error().Err(err).Msg(msg)
}

// WithField returns a copy of the request logger with an extra field
func (rl *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	return &RequestLogger{
		logger: rl.logger.With().Interface(key, value).Logger(),
		start:  rl.start,
	}
}

// Duration returns the elapsed time since the request started
func (rl *RequestLogger) Duration() time.Duration {
	return time.Since(rl.start)
}

// LogComplete logs the request completion with status and duration
func (rl *RequestLogger) LogComplete(status int) {
	rl.logger.Info().
		Int("status", status).
		Float64("duration_ms", float64(rl.Duration().Microseconds())/1000.0).
		Msg("request completed")
}

// getEnv returns the environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
