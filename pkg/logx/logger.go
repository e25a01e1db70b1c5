// Package logx provides structured logging for meshforgemapsd.
package logx

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry with a fixed set of contextual fields,
// keeping the constructor-injection shape used across the daemon's
// components: build once in the orchestrator, pass down to everything.
type Logger struct {
	entry *logrus.Entry
}

// New creates a logger at the given level ("debug", "info", "warn", "error").
// Unrecognized levels fall back to info.
func New(levelStr string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "ts",
			logrus.FieldKeyMsg:  "msg",
		},
	})
	base.SetLevel(parseLevel(levelStr))
	return &Logger{entry: logrus.NewEntry(base)}
}

// NewWithFields creates a logger with persistent contextual fields.
func NewWithFields(levelStr string, fields map[string]interface{}) *Logger {
	return New(levelStr).WithFields(fields)
}

func parseLevel(levelStr string) logrus.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// WithFields returns a new logger with additional persistent fields merged in.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithField returns a new logger with one additional persistent field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// SetLevel changes the logging level at runtime (used on SIGHUP reload).
func (l *Logger) SetLevel(levelStr string) {
	l.entry.Logger.SetLevel(parseLevel(levelStr))
}

func (l *Logger) fieldsFrom(kv []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}

// Debug logs a debug message with alternating key/value pairs.
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(l.fieldsFrom(keysAndValues)).Debug(msg)
}

// Info logs an info message with alternating key/value pairs.
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(l.fieldsFrom(keysAndValues)).Info(msg)
}

// Warn logs a warning message with alternating key/value pairs.
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(l.fieldsFrom(keysAndValues)).Warn(msg)
}

// Error logs an error message with alternating key/value pairs.
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(l.fieldsFrom(keysAndValues)).Error(msg)
}
