// Package log provides debug logging for voxd. Logging is disabled unless
// VOXD_DEBUG=1 is set; output goes to ~/.voxd/debug.log with rotation.
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger      *zap.Logger
	enabled     bool
	initialized bool
	mu          sync.Mutex
)

// Init initializes the logger based on the VOXD_DEBUG env var.
func Init() error {
	mu.Lock()
	defer mu.Unlock()

	if initialized {
		return nil
	}
	initialized = true

	if os.Getenv("VOXD_DEBUG") != "1" {
		logger = zap.NewNop()
		return nil
	}

	enabled = true

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(homeDir, ".voxd")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	logPath := filepath.Join(logDir, "debug.log")

	// Use lumberjack for log rotation
	writeSyncer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    50, // MB
		MaxBackups: 3,
		MaxAge:     7, // Days
		Compress:   true,
	})

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "",
		NameKey:        "",
		CallerKey:      "",
		MessageKey:     "M",
		StacktraceKey:  "",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.TimeEncoderOfLayout("15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		writeSyncer,
		zapcore.DebugLevel,
	)

	logger = zap.New(core, zap.AddCaller())
	logger.Info("Debug logging started")

	return nil
}

// IsEnabled returns whether debug logging is enabled
func IsEnabled() bool {
	return enabled
}

// Logger returns the underlying zap logger
func Logger() *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// Sync flushes any buffered log entries
func Sync() error {
	if logger != nil {
		return logger.Sync()
	}
	return nil
}

// escapeForLog escapes newlines and tabs for single-line log output
func escapeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\t", "\\t")
	return s
}

// LogWorkerLine logs a raw worker protocol line (truncated)
func LogWorkerLine(direction, line string) {
	if !enabled {
		return
	}
	if len(line) > 400 {
		line = line[:400] + "..."
	}
	logger.Info(fmt.Sprintf("[worker %s] %s", direction, escapeForLog(line)))
}

// LogPipelineStep logs a transcript pipeline step with timing
func LogPipelineStep(step, sessionID string, duration time.Duration, outcome string) {
	if !enabled {
		return
	}
	logger.Info(fmt.Sprintf("[pipeline] %s session=%s %s %s", step, sessionID, duration.Round(time.Millisecond), outcome))
}

// LogTransition logs a session status transition
func LogTransition(sessionID, from, to string) {
	if !enabled {
		return
	}
	logger.Info(fmt.Sprintf("[session] %s %s -> %s", sessionID, from, to))
}
