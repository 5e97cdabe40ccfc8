package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Level orders log severities; messages below the logger's level are dropped.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps LOG_LEVEL values to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger provides structured logging for the converter
type Logger struct {
	prefix string
	level  Level
	fields []interface{}
	logger *log.Logger
}

// NewLogger creates a new logger with a prefix writing to stdout
func NewLogger(prefix string) *Logger {
	return NewLoggerWithWriter(prefix, os.Stdout, ParseLevel(os.Getenv("LOG_LEVEL")))
}

// NewLoggerWithWriter creates a logger writing to w at the given level
func NewLoggerWithWriter(prefix string, w io.Writer, level Level) *Logger {
	return &Logger{
		prefix: prefix,
		level:  level,
		logger: log.New(w, fmt.Sprintf("[%s] ", prefix), log.LstdFlags),
	}
}

// Discard returns a logger that writes nothing
func Discard() *Logger {
	return NewLoggerWithWriter("discard", io.Discard, LevelError+1)
}

// With returns a child logger that appends the given key-value pairs to every line
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	fields := make([]interface{}, 0, len(l.fields)+len(keysAndValues))
	fields = append(fields, l.fields...)
	fields = append(fields, keysAndValues...)
	return &Logger{
		prefix: l.prefix,
		level:  l.level,
		fields: fields,
		logger: l.logger,
	}
}

// Info logs an informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logWithKV(LevelInfo, "INFO", msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.logWithKV(LevelWarn, "WARN", msg, keysAndValues...)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.logWithKV(LevelError, "ERROR", msg, keysAndValues...)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logWithKV(LevelDebug, "DEBUG", msg, keysAndValues...)
}

// Printf satisfies loggers that expect the log.Printf shape (asynq, migrate).
func (l *Logger) Printf(format string, v ...interface{}) {
	l.Info(strings.TrimRight(fmt.Sprintf(format, v...), "\n"))
}

func (l *Logger) logWithKV(level Level, label, msg string, keysAndValues ...interface{}) {
	if level < l.level {
		return
	}
	var b strings.Builder
	writeKV(&b, l.fields)
	writeKV(&b, keysAndValues)
	l.logger.Printf("[%s] %s%s", label, msg, b.String())
}

func writeKV(b *strings.Builder, keysAndValues []interface{}) {
	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 < len(keysAndValues) {
			fmt.Fprintf(b, " %v=%v", keysAndValues[i], keysAndValues[i+1])
		}
	}
}
