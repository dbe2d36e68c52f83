// Package logger provides a structured logging wrapper used across ruleflow.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger so call sites depend on this package, not logrus
// directly, letting the formatter/output policy change in one place.
type Logger struct {
	*logrus.Logger
}

// Config controls level, format and destination.
type Config struct {
	Level  string `yaml:"level" env:"RULEFLOW_LOG_LEVEL"`
	Format string `yaml:"format" env:"RULEFLOW_LOG_FORMAT"`
	Output io.Writer
}

// New builds a Logger from Config, defaulting to info/text/stdout on bad input.
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

	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l}
}

// NewDefault returns an info-level, text-formatted, stdout logger. The
// component name is not attached to the entries it writes.
func NewDefault(component string) *Logger {
	l := New(Config{Level: "info", Format: "text"})
	return &Logger{Logger: l.Logger.WithField("component", component).Logger}
}

// WithField returns a log entry carrying one extra field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a log entry carrying multiple extra fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
