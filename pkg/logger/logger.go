// Package logger owns the process-wide zap logger. Packages take a child through
// WithModule; until Init runs every call is a no-op.
package logger

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	current atomic.Pointer[zap.Logger]
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	current.Store(zap.NewNop())
}

// Init builds the global logger. An unknown level falls back to info. Passing "console"
// as format selects the development encoder; anything else writes JSON.
func Init(lvl string, format ...string) error {
	cfg := zap.NewProductionConfig()
	if len(format) > 0 && strings.EqualFold(format[0], "console") {
		cfg = zap.NewDevelopmentConfig()
	}
	_ = SetLevel(lvl)
	cfg.Level = level

	built, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("logger: build: %w", err)
	}
	current.Store(built)
	return nil
}

// SetLevel changes the level of the logger built by Init without rebuilding it. Unknown
// names set info and return an error.
func SetLevel(lvl string) error {
	var parsed zapcore.Level
	if err := parsed.UnmarshalText([]byte(strings.TrimSpace(lvl))); err != nil {
		level.SetLevel(zapcore.InfoLevel)
		return fmt.Errorf("logger: unknown level %q", lvl)
	}
	level.SetLevel(parsed)
	return nil
}

// Logger returns the global logger.
func Logger() *zap.Logger {
	return current.Load()
}

// Replace installs l (nil means no-op) and returns a func restoring the previous logger.
// Tests use it with an observer core.
func Replace(l *zap.Logger) func() {
	if l == nil {
		l = zap.NewNop()
	}
	prev := current.Swap(l)
	return func() { current.Store(prev) }
}

// WithModule tags a child logger with module.
func WithModule(module string) *zap.Logger {
	return Logger().With(zap.String("module", module))
}

// Sync flushes buffered entries.
func Sync() error {
	return Logger().Sync()
}
