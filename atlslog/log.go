// Package atlslog provides the process-wide structured logger used by
// every atls component. It mirrors the teacher's Log()/defaultLogger
// pattern: a package-level *zap.Logger guarded by a mutex, replaceable by
// the embedding application, defaulting to a sane production config when
// nothing else is configured.
package atlslog

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.RWMutex
	current = newDefault()
)

func newDefault() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		// zap's production config is validated at compile time in
		// practice; fall back to a nop logger rather than panic so a
		// misconfigured host environment can't crash attestation.
		return zap.NewNop()
	}
	return logger
}

// L returns the current process-wide logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// SetLogger replaces the process-wide logger. Embedding applications that
// already run zap (or want a different sink) should call this once during
// startup; it is safe to call concurrently but expected to happen before
// the first Connect call.
func SetLogger(l *zap.Logger) {
	if l == nil {
		return
	}
	mu.Lock()
	current = l
	mu.Unlock()
}
