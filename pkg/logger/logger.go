// Package logger provides component-scoped structured logging for krill.
// All subsystems log through the ComponentField helpers (InfoCF, WarnCF, ...)
// so every line carries a component tag and machine-readable fields.
package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	root = newRoot(zerolog.InfoLevel, true)
)

func newRoot(level zerolog.Level, pretty bool) zerolog.Logger {
	if pretty {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		return zerolog.New(out).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

// Init reconfigures the global logger. level is one of debug, info, warn,
// error; unknown values fall back to info. pretty selects the console writer
// over raw JSON output.
func Init(level string, pretty bool) {
	mu.Lock()
	defer mu.Unlock()
	root = newRoot(parseLevel(level), pretty)
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

func emit(ev *zerolog.Event, component, msg string, fields map[string]interface{}) {
	ev = ev.Str("component", component)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// DebugC logs a debug message for a component.
func DebugC(component, msg string) {
	DebugCF(component, msg, nil)
}

// DebugCF logs a debug message for a component with structured fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	l := logger()
	emit(l.Debug(), component, msg, fields)
}

// InfoC logs an info message for a component.
func InfoC(component, msg string) {
	InfoCF(component, msg, nil)
}

// InfoCF logs an info message for a component with structured fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	l := logger()
	emit(l.Info(), component, msg, fields)
}

// WarnC logs a warning for a component.
func WarnC(component, msg string) {
	WarnCF(component, msg, nil)
}

// WarnCF logs a warning for a component with structured fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	l := logger()
	emit(l.Warn(), component, msg, fields)
}

// ErrorC logs an error for a component.
func ErrorC(component, msg string) {
	ErrorCF(component, msg, nil)
}

// ErrorCF logs an error for a component with structured fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	l := logger()
	emit(l.Error(), component, msg, fields)
}
