// Package logger provides the structured logger shared by every core component.
package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ctxKey is the type for context keys carried by WithContext.
type ctxKey string

// CorrelationIDKey is the context key under which a request's correlationId travels.
const CorrelationIDKey ctxKey = "correlation_id"

// Logger wraps logrus.Logger so callers get a small, stable surface
// instead of depending on logrus directly. Entries built through the
// With* helpers carry the owning component's name; direct calls on the
// embedded logrus.Logger do not.
type Logger struct {
	*logrus.Logger
	component string
}

// Config controls logger construction.
type Config struct {
	Component  string `yaml:"component" env:"LOG_COMPONENT"`
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// New creates a Logger from Config.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "eventsourcing"
		}
		if err := os.MkdirAll("logs", 0o755); err != nil {
			l.Errorf("failed to create logs directory: %v", err)
			break
		}
		path := filepath.Join("logs", prefix+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.Errorf("failed to open log file: %v", err)
			break
		}
		l.SetOutput(io.MultiWriter(os.Stdout, f))
	default:
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l, component: cfg.Component}
}

// NewDefault creates a logger with sensible defaults for the named component.
func NewDefault(component string) *Logger {
	return New(Config{Component: component, Level: "info", Format: "text", Output: "stdout"})
}

// WithFields returns a log entry carrying the component's name plus fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if l.component != "" {
		fields["component"] = l.component
	}
	return l.Logger.WithFields(fields)
}

// WithField returns a log entry with a single field plus the component's name.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithError returns a log entry carrying an error field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.WithFields(map[string]interface{}{"error": err.Error()})
}

// WithContext returns a log entry carrying the correlationId found in ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	if cid, ok := ctx.Value(CorrelationIDKey).(string); ok && cid != "" {
		return l.WithFields(map[string]interface{}{"correlation_id": cid})
	}
	return l.WithFields(nil)
}

// ContextWithCorrelationID returns a child context carrying the given correlationId.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}
