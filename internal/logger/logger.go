// Package logger holds the process-wide zap logger.
//
// Components accept a *zap.SugaredLogger through their options and fall back
// to [Get] when none is supplied. Initialize replaces the singleton; Reset
// restores the default so tests start from a known state.
package logger

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	singleton atomic.Pointer[zap.SugaredLogger]
	level     = zap.NewAtomicLevelAt(zap.InfoLevel)
)

func init() {
	singleton.Store(build(false, false))
}

// Get returns the current logger.
func Get() *zap.SugaredLogger {
	return singleton.Load()
}

// Set replaces the singleton logger. Intended for tests.
func Set(l *zap.SugaredLogger) {
	singleton.Store(l)
}

// Reset restores the default info-level console logger.
func Reset() {
	level.SetLevel(zap.InfoLevel)
	singleton.Store(build(false, false))
}

// Initialize builds the logger from the debug and json settings.
func Initialize(debug, jsonOutput bool) {
	if debug {
		level.SetLevel(zap.DebugLevel)
	} else {
		level.SetLevel(zap.InfoLevel)
	}
	singleton.Store(build(debug, jsonOutput))
}

// SetLevel changes the level of the live logger. Accepts zap level names
// (debug, info, warn, error).
func SetLevel(name string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return fmt.Errorf("unknown log level %q", name)
	}
	level.SetLevel(l)
	return nil
}

// Level returns the current level name.
func Level() string {
	return level.Level().String()
}

func build(debug, jsonOutput bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	if !jsonOutput {
		cfg.Encoding = "console"
	}
	cfg.Level = level
	cfg.DisableStacktrace = true
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.EncoderConfig.TimeKey = "ts"
	l, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logger: %v\n", err)
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}
