// Package logging provides structured logging for the custodian daemon.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Level represents a log level.
type Level = log.Level

// Log levels.
const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
	FatalLevel = log.FatalLevel
)

// Logger wraps charmbracelet/log and remembers how it was built so that
// component loggers share the same output, format and time format.
type Logger struct {
	*log.Logger
	output     io.Writer
	formatter  log.Formatter
	timeFormat string
}

// Config holds logger configuration. Format is "text" (default), "json" or
// "logfmt".
type Config struct {
	Level      string
	Format     string
	TimeFormat string
	Prefix     string
	Output     io.Writer
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
		Output:     os.Stderr,
	}
}

// New creates a new logger with the given configuration.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.TimeOnly
	}

	formatter := ParseFormat(cfg.Format)

	logger := log.NewWithOptions(output, log.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		Prefix:          cfg.Prefix,
		Formatter:       formatter,
	})
	logger.SetLevel(ParseLevel(cfg.Level))

	return &Logger{Logger: logger, output: output, formatter: formatter, timeFormat: timeFormat}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return New(&Config{Level: "fatal", Output: io.Discard})
}

// ParseLevel parses a string level into a log.Level.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// ParseFormat maps a format name to a formatter. Unknown names are text.
func ParseFormat(format string) log.Formatter {
	switch strings.ToLower(format) {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}

// With returns a new logger with the given key-value pairs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...), output: l.output, formatter: l.formatter, timeFormat: l.timeFormat}
}

// Component returns a logger prefixed with a component name, e.g. "aggregator".
func (l *Logger) Component(name string) *Logger {
	logger := log.NewWithOptions(l.output, log.Options{
		ReportTimestamp: true,
		TimeFormat:      l.timeFormat,
		Prefix:          name,
		Formatter:       l.formatter,
	})
	logger.SetLevel(l.GetLevel())
	return &Logger{Logger: logger, output: l.output, formatter: l.formatter, timeFormat: l.timeFormat}
}

var defaultLogger = New(DefaultConfig())

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// GetDefault returns the default logger.
func GetDefault() *Logger {
	return defaultLogger
}

func Debug(msg interface{}, keyvals ...interface{}) { defaultLogger.Debug(msg, keyvals...) }
func Info(msg interface{}, keyvals ...interface{})  { defaultLogger.Info(msg, keyvals...) }
func Warn(msg interface{}, keyvals ...interface{})  { defaultLogger.Warn(msg, keyvals...) }
func Error(msg interface{}, keyvals ...interface{}) { defaultLogger.Error(msg, keyvals...) }
func Fatal(msg interface{}, keyvals ...interface{}) { defaultLogger.Fatal(msg, keyvals...) }
