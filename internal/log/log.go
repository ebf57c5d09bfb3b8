// Copyright 2026 Memweave Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides the global worker logger.
//
// The worker writes one JSON log file per day under $DATA_DIR/logs
// (claude-mem-YYYY-MM-DD.log) and mirrors warnings and errors to stderr.
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// FileName returns the log file name for the given day.
func FileName(t time.Time) string {
	return fmt.Sprintf("claude-mem-%s.log", t.Format("2006-01-02"))
}

// Init builds the global logger writing to $dir/claude-mem-YYYY-MM-DD.log.
// level is one of DEBUG, INFO, WARN, ERROR, SILENT (case-insensitive).
// Returns the path of the active log file.
func Init(dir, level string) (string, error) {
	lvl, silent := parseLevel(level)
	if silent {
		SetLogger(zap.NewNop())
		return "", nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(dir, FileName(time.Now()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open log file: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), lvl)
	stderrCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stderr),
		zap.NewAtomicLevelAt(zapcore.WarnLevel),
	)

	SetLogger(zap.New(zapcore.NewTee(fileCore, stderrCore)))
	return path, nil
}

// Reinit applies a new log level by rebuilding the sinks.
// Used by the settings watcher.
func Reinit(dir, level string) {
	if _, err := Init(dir, level); err != nil {
		Warn("failed to apply new log level", zap.Error(err))
	}
}

func parseLevel(level string) (zap.AtomicLevel, bool) {
	switch level {
	case "DEBUG", "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), false
	case "WARN", "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel), false
	case "ERROR", "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel), false
	case "SILENT", "silent":
		return zap.NewAtomicLevelAt(zapcore.FatalLevel), true
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), false
	}
}

// Logger returns the global logger.
func Logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLogger sets the global logger.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// Debug logs a debug message.
func Debug(msg string, fields ...zap.Field) {
	Logger().Debug(msg, fields...)
}

// Info logs an info message.
func Info(msg string, fields ...zap.Field) {
	Logger().Info(msg, fields...)
}

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) {
	Logger().Warn(msg, fields...)
}

// Error logs an error message.
func Error(msg string, fields ...zap.Field) {
	Logger().Error(msg, fields...)
}

// With returns a logger with additional fields.
func With(fields ...zap.Field) *zap.Logger {
	return Logger().With(fields...)
}

// Sync flushes any buffered log entries.
func Sync() error {
	return Logger().Sync()
}
