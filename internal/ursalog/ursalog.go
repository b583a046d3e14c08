// Package ursalog wraps zap to give every long-running component in ursa a
// named, structured logger without forcing callers to import zap directly.
package ursalog

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalMu     sync.Mutex
	globalLogger *zap.Logger
)

// Init sets the process-wide base logger. devMode switches to a
// console-friendly, colorized encoder; otherwise JSON is used, suitable for
// log aggregation by the coordinator's operator. Init may be called more
// than once in tests; the last call wins.
func Init(devMode bool) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = newLogger(devMode)
}

func newLogger(devMode bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if devMode {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		// zap's own config never fails to build with the defaults above;
		// fall back to a no-op logger rather than panic a caller that just
		// wants a logger.
		return zap.NewNop()
	}
	return logger
}

// Scoped returns a child logger tagged with the given component name. It is
// safe to call before Init; in that case a logger writing to stderr is
// lazily created, in development mode only if URSA_DEV_LOG is "true" and
// JSON production mode otherwise.
func Scoped(name string) *zap.Logger {
	globalMu.Lock()
	if globalLogger == nil {
		globalLogger = newLogger(os.Getenv("URSA_DEV_LOG") == "true")
	}
	l := globalLogger
	globalMu.Unlock()
	return l.Named(name)
}
