// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the process-wide logger for tenantauth.
//
// This is a thin shim over a zap SugaredLogger so call sites can log with
// key-value pairs without threading a logger through every constructor. Use
// [Get] to obtain the underlying logger for injection.
package logger

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvReader reads environment variables. It exists so tests can control
// the environment seen by InitializeWithEnv.
type EnvReader interface {
	Getenv(key string) string
}

// OSReader reads from the real process environment.
type OSReader struct{}

// Getenv implements EnvReader.
func (OSReader) Getenv(key string) string { return os.Getenv(key) }

// singleton is the package-level logger created by Initialize.
var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	singleton.Store(newLogger(true, false))
}

func get() *zap.SugaredLogger {
	return singleton.Load()
}

// Get returns the underlying logger for injection into structs.
func Get() *zap.SugaredLogger {
	return get()
}

// Set replaces the singleton logger. This is intended for tests that need to
// capture log output; production code should use [Initialize] instead.
func Set(l *zap.SugaredLogger) {
	singleton.Store(l)
}

// Debug logs a message at debug level.
func Debug(msg string) {
	get().Debug(msg)
}

// Debugf logs a formatted message at debug level.
func Debugf(msg string, args ...any) {
	get().Debugf(msg, args...)
}

// Debugw logs a message at debug level with additional key-value pairs.
func Debugw(msg string, keysAndValues ...any) {
	get().Debugw(msg, keysAndValues...)
}

// Info logs a message at info level.
func Info(msg string) {
	get().Info(msg)
}

// Infof logs a formatted message at info level.
func Infof(msg string, args ...any) {
	get().Infof(msg, args...)
}

// Infow logs a message at info level with additional key-value pairs.
func Infow(msg string, keysAndValues ...any) {
	get().Infow(msg, keysAndValues...)
}

// Warn logs a message at warning level.
func Warn(msg string) {
	get().Warn(msg)
}

// Warnf logs a formatted message at warning level.
func Warnf(msg string, args ...any) {
	get().Warnf(msg, args...)
}

// Warnw logs a message at warning level with additional key-value pairs.
func Warnw(msg string, keysAndValues ...any) {
	get().Warnw(msg, keysAndValues...)
}

// Error logs a message at error level.
func Error(msg string) {
	get().Error(msg)
}

// Errorf logs a formatted message at error level.
func Errorf(msg string, args ...any) {
	get().Errorf(msg, args...)
}

// Errorw logs a message at error level with additional key-value pairs.
func Errorw(msg string, keysAndValues ...any) {
	get().Errorw(msg, keysAndValues...)
}

// Fatal logs a message at error level and exits the program.
func Fatal(msg string) {
	get().Error(msg)
	_ = get().Sync()
	os.Exit(1)
}

// Fatalf logs a formatted message at error level and exits the program.
func Fatalf(msg string, args ...any) {
	Fatal(fmt.Sprintf(msg, args...))
}

// Fatalw logs a message at error level with additional key-value pairs and exits the program.
func Fatalw(msg string, keysAndValues ...any) {
	get().Errorw(msg, keysAndValues...)
	_ = get().Sync()
	os.Exit(1)
}

// Sync flushes any buffered log entries.
func Sync() error {
	return get().Sync()
}

// Initialize creates and configures the process logger.
// If the UNSTRUCTURED_LOGS env var is set to false, it emits JSON.
// Otherwise it writes human-readable console output.
func Initialize() {
	InitializeWithEnv(OSReader{})
}

// InitializeWithEnv configures the process logger with a custom environment reader.
func InitializeWithEnv(envReader EnvReader) {
	singleton.Store(newLogger(unstructuredLogsWithEnv(envReader), viper.GetBool("debug")))
}

func newLogger(unstructured, debug bool) *zap.SugaredLogger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if debug {
		level.SetLevel(zapcore.DebugLevel)
	}

	var cfg zap.Config
	if unstructured {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	}
	cfg.Level = level
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

func unstructuredLogsWithEnv(envReader EnvReader) bool {
	unstructuredLogs, err := strconv.ParseBool(envReader.Getenv("UNSTRUCTURED_LOGS"))
	if err != nil {
		// unset or unparsable: default to human-readable output
		return true
	}
	return unstructuredLogs
}
