// Package log provides a structured logging wrapper around logrus.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// severityCritical tags entries that logrus can only express at error level
const severityCritical = "critical"

// Logger wraps logrus.Logger for dependency injection
type Logger struct {
	log *logrus.Logger
}

// New creates a logger writing to stdout with the level taken from LOG_LEVEL
func New() *Logger {
	return NewWithOutput(os.Stdout)
}

// NewWithOutput creates a logger writing to w with the level taken from LOG_LEVEL
func NewWithOutput(w io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		ForceColors:     w == os.Stdout,
	})

	// Default level: Info. LOG_LEVEL=trace or LOG_LEVEL=debug enables detail.
	level, ok := parseLevel(os.Getenv("LOG_LEVEL"))
	if !ok || level < logrus.ErrorLevel {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	return &Logger{log: l}
}

// NewDiscard returns a logger that drops everything
func NewDiscard() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return &Logger{log: l}
}

func parseLevel(level string) (logrus.Level, bool) {
	switch level {
	case "trace":
		return logrus.TraceLevel, true
	case "debug":
		return logrus.DebugLevel, true
	case "info":
		return logrus.InfoLevel, true
	case "warn", "warning":
		return logrus.WarnLevel, true
	case "error":
		return logrus.ErrorLevel, true
	case "fatal":
		return logrus.FatalLevel, true
	case "panic":
		return logrus.PanicLevel, true
	}
	return logrus.InfoLevel, false
}

// SetLevel changes the log level at runtime; unknown names are ignored
func (l *Logger) SetLevel(level string) {
	if lvl, ok := parseLevel(level); ok {
		l.log.SetLevel(lvl)
	}
}

// GetLogrus returns the underlying logrus instance
func (l *Logger) GetLogrus() *logrus.Logger {
	return l.log
}

// Debug logs debug messages
func (l *Logger) Debug(format string, v ...interface{}) {
	l.log.Debugf(format, v...)
}

// DebugWithFields logs a debug message with structured fields
func (l *Logger) DebugWithFields(fields logrus.Fields, format string, v ...interface{}) {
	l.log.WithFields(fields).Debugf(format, v...)
}

// Info logs informational messages
func (l *Logger) Info(format string, v ...interface{}) {
	l.log.Infof(format, v...)
}

// InfoWithFields logs an info message with structured fields
func (l *Logger) InfoWithFields(fields logrus.Fields, format string, v ...interface{}) {
	l.log.WithFields(fields).Infof(format, v...)
}

// Warn logs warning messages
func (l *Logger) Warn(format string, v ...interface{}) {
	l.log.Warnf(format, v...)
}

// WarnWithFields logs a warning message with structured fields
func (l *Logger) WarnWithFields(fields logrus.Fields, format string, v ...interface{}) {
	l.log.WithFields(fields).Warnf(format, v...)
}

// Error logs error messages
func (l *Logger) Error(format string, v ...interface{}) {
	l.log.Errorf(format, v...)
}

// ErrorWithFields logs an error message with structured fields
func (l *Logger) ErrorWithFields(fields logrus.Fields, format string, v ...interface{}) {
	l.log.WithFields(fields).Errorf(format, v...)
}

// Critical logs at error level tagged severity=critical. It never exits the process.
func (l *Logger) Critical(format string, v ...interface{}) {
	l.log.WithField("severity", severityCritical).Errorf(format, v...)
}

// CriticalWithFields logs a critical message with structured fields
func (l *Logger) CriticalWithFields(fields logrus.Fields, format string, v ...interface{}) {
	l.log.WithFields(fields).WithField("severity", severityCritical).Errorf(format, v...)
}
