// Package obs provides the process-wide structured logger.
package obs

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.Mutex
	global *zap.Logger
)

// Init builds the process-wide logger. jsonOutput selects JSON encoding
// (the default for production); when false, output is console-encoded for
// local interactive use. Safe to call more than once; the last call wins.
func Init(component string, jsonOutput bool) *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.MessageKey = "type"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if !jsonOutput {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", component))
	global = logger
	return global
}

// L returns the process-wide logger, building a sane default if Init was
// never called (so library code and tests never need a nil check).
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global = zap.NewNop()
		if os.Getenv("PLOINKY_DEBUG_LOG") != "" {
			global, _ = zap.NewDevelopment()
		}
	}
	return global
}

// With returns a child logger scoped to one workspace/agent pair. Either
// argument may be empty.
func With(workspace, agent string) *zap.Logger {
	l := L()
	if workspace != "" {
		l = l.With(zap.String("workspace", workspace))
	}
	if agent != "" {
		l = l.With(zap.String("agent", agent))
	}
	return l
}

// Sync flushes buffered log entries; call on clean process exit.
func Sync() {
	_ = L().Sync()
}
