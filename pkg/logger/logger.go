// Package logger provides structured logging for the pipeline.
// It wraps logrus so services get leveled, field-structured output with a
// consistent service tag.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config holds logger configuration.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is "json" or "text".
	Format string
	// Output defaults to stdout.
	Output io.Writer
}

// Logger wraps a logrus entry with pipeline conventions.
type Logger struct {
	entry *logrus.Entry
}

// New creates a logger from configuration.
func New(cfg Config) *Logger {
	l := logrus.New()

	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stdout)
	}

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &Logger{entry: logrus.NewEntry(l)}
}

// NewDefault creates an info-level text logger on stdout.
func NewDefault() *Logger {
	return New(Config{Level: "info", Format: "text"})
}

// NewNop creates a logger that discards all output, for tests.
func NewNop() *Logger {
	return New(Config{Level: "error", Output: io.Discard})
}

// ForService returns a child logger tagged with the service ID.
func (l *Logger) ForService(serviceID string) *Logger {
	return &Logger{entry: l.entry.WithField("service", serviceID)}
}

// WithField returns a child logger with an extra field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a child logger with extra fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

// WithError returns a child logger carrying an error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// Debug logs a message at debug level with optional key-value pairs.
func (l *Logger) Debug(msg string, kv ...any) { l.withKV(kv).Debug(msg) }

// Info logs a message at info level with optional key-value pairs.
func (l *Logger) Info(msg string, kv ...any) { l.withKV(kv).Info(msg) }

// Warn logs a message at warn level with optional key-value pairs.
func (l *Logger) Warn(msg string, kv ...any) { l.withKV(kv).Warn(msg) }

// Error logs a message at error level with optional key-value pairs.
func (l *Logger) Error(msg string, kv ...any) { l.withKV(kv).Error(msg) }

// Fatal logs a message at fatal level and exits.
func (l *Logger) Fatal(msg string, kv ...any) { l.withKV(kv).Fatal(msg) }

// withKV folds alternating key-value pairs into logrus fields.
func (l *Logger) withKV(kv []any) *logrus.Entry {
	if len(kv) == 0 {
		return l.entry
	}
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return l.entry.WithFields(fields)
}
