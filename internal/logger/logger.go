// Package logger wraps zerolog behind a small application-wide logging
// interface with structured, map-based fields.
package logger

import (
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

var (
	// globalLogger is the process-wide logger instance
	globalLogger *Logger

	// once guards one-time initialization of the global logger
	once sync.Once

	// defaultConfig is used when Setup was never called
	defaultConfig = Config{
		Level:      "info",
		Format:     FormatConsole,
		TimeFormat: time.RFC3339,
	}
)

// LogFormat defines the available log output formats
type LogFormat string

const (
	// FormatJSON emits one JSON object per line
	FormatJSON LogFormat = "json"
	// FormatConsole emits human-readable output
	FormatConsole LogFormat = "console"
)

// ParseLogFormat parses a string into a LogFormat, defaulting to JSON
func ParseLogFormat(format string) LogFormat {
	switch strings.ToLower(format) {
	case "console":
		return FormatConsole
	case "json":
		return FormatJSON
	default:
		return FormatJSON
	}
}

// Config holds the logger configuration
type Config struct {
	// Level is the minimum level that gets emitted (debug, info, warn, error)
	Level string
	// Format selects JSON or console output
	Format LogFormat
	// Output is the destination writer (default: os.Stdout)
	Output io.Writer
	// TimeFormat is the timestamp format (default: time.RFC3339)
	TimeFormat string
}

// Logger wraps zerolog.Logger with map-based field helpers
type Logger struct {
	zerolog.Logger
}

// Get returns the global logger, initializing it with defaults if needed
func Get() *Logger {
	once.Do(func() {
		if globalLogger == nil {
			setupLogger(defaultConfig)
		}
	})
	return globalLogger
}

// Setup initializes the global logger. Subsequent calls are no-ops.
func Setup(cfg Config) {
	once.Do(func() {
		setupLogger(cfg)
	})
}

// ResetForTesting clears the global logger so tests can re-run Setup
func ResetForTesting() {
	globalLogger = nil
	once = sync.Once{}
}

func setupLogger(cfg Config) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
			level = parsed
		}
	}

	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var zl zerolog.Logger
	switch cfg.Format {
	case FormatConsole:
		zl = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: cfg.TimeFormat,
		})
	default:
		zl = zerolog.New(output)
	}

	zl = zl.Level(level).With().Timestamp().Logger()
	globalLogger = &Logger{Logger: zl}
}

// With returns a child logger with the given fields attached to every event
func (l *Logger) With(fields map[string]interface{}) *Logger {
	if l == nil {
		return Get()
	}
	if len(fields) == 0 {
		return l
	}
	zl := l.Logger
	for k, v := range fields {
		zl = zl.With().Interface(k, v).Logger()
	}
	return &Logger{Logger: zl}
}

// Debug logs a message at debug level with optional fields
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(zerolog.DebugLevel, msg, fields...)
}

// Info logs a message at info level with optional fields
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(zerolog.InfoLevel, msg, fields...)
}

// Warn logs a message at warn level with optional fields
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(zerolog.WarnLevel, msg, fields...)
}

// Error logs a message at error level with optional fields
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(zerolog.ErrorLevel, msg, fields...)
}

// Infof logs a formatted message at info level
func (l *Logger) Infof(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.Logger.Info().Msgf(format, args...)
}

// Errorf logs a formatted message at error level
func (l *Logger) Errorf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.Logger.Error().Msgf(format, args...)
}

func (l *Logger) log(level zerolog.Level, msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	ev := l.Logger.WithLevel(level)
	if len(fields) > 0 {
		for k, v := range fields[0] {
			ev = ev.Interface(k, v)
		}
	}
	ev.Msg(msg)
}

// HTTPMiddleware logs every HTTP request with method, path, status and timing
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rww := &responseWriterWrapper{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rww, r)

		Get().Info("HTTP request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rww.status,
			"duration": time.Since(start).String(),
		})
	})
}

// responseWriterWrapper captures the status code written by a handler
type responseWriterWrapper struct {
	http.ResponseWriter
	status int
}

func (r *responseWriterWrapper) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
