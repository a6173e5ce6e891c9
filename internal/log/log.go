// Package log provides structured logging for the messaging platform.
// It wraps a zap.SugaredLogger with category fields so every subsystem
// (bus, outbox, inbox, process manager) tags its output consistently.
package log

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category groups related log messages.
type Category string

const (
	CatBus     Category = "bus"     // Command bus: accept, idempotency resolution
	CatOutbox  Category = "outbox"  // Outbox relay, sweeper and fast-path workers
	CatInbox   Category = "inbox"   // Inbox-guarded consumers
	CatProcess Category = "process" // Process manager, graphs, compensation
	CatBroker  Category = "broker"  // Broker adapters (memory, redis)
	CatStore   Category = "store"   // Database operations
	CatConfig  Category = "config"  // Configuration loading
	CatHTTP    Category = "http"    // HTTP ingress
)

var (
	mu            sync.RWMutex
	defaultLogger *zap.SugaredLogger = zap.NewNop().Sugar()
)

// Init initializes the global logger. When path is empty, log lines go to
// stderr. Debug enables debug-level output. Returns a cleanup function that
// flushes buffered entries.
func Init(path string, debug bool) (func(), error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if path != "" {
		cfg.OutputPaths = []string{path}
		cfg.ErrorOutputPaths = []string{path}
	}

	logger, err := cfg.Build(zap.WithCaller(false))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	defaultLogger = logger.Sugar()
	mu.Unlock()

	return func() { _ = logger.Sync() }, nil
}

// SetLogger replaces the global logger. Intended for tests.
func SetLogger(l *zap.SugaredLogger) {
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	get().Debugw(msg, withCategory(cat, fields)...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	get().Infow(msg, withCategory(cat, fields)...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	get().Warnw(msg, withCategory(cat, fields)...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	get().Errorw(msg, withCategory(cat, fields)...)
}

// ErrorErr logs an error with the error value appended as a field.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	Error(cat, msg, fields...)
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

func withCategory(cat Category, fields []any) []any {
	// Drop an orphan key rather than corrupt the field list.
	if len(fields)%2 != 0 {
		fields = append(fields, "<missing>")
	}
	out := make([]any, 0, len(fields)+2)
	out = append(out, "category", string(cat))
	return append(out, fields...)
}
