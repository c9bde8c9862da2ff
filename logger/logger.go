// Package logger provides the global structured logger for autod.
//
// The daemon initializes it once at startup; everything else uses the
// package-level wrappers, which are safe before Initialize (no-op logger).
package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global instance. Prefer the package wrappers below.
	Logger *zap.SugaredLogger
	// JSONOutput tracks whether console output is machine-readable
	JSONOutput bool

	// ring captures recent entries for /api/logs and the log stream topic
	ring *Ring
)

func init() {
	// Safe no-op logger until Initialize is called, so early package code
	// never hits a nil pointer.
	Logger = zap.NewNop().Sugar()
}

// Options configures Initialize.
type Options struct {
	// JSON switches console output from human format to JSON lines
	JSON bool
	// Dir is where autod.log is written; empty disables the file core
	Dir string
	// BufferSize is the in-memory ring capacity (entries). Zero means 2000.
	BufferSize int
	// Verbosity from the CLI -v count; 0 = info, 1+ = debug
	Verbosity int
}

// Initialize sets up the global logger. Console and file cores are teed with
// an in-memory ring that backs the log API and stream.
func Initialize(opts Options) error {
	JSONOutput = opts.JSON

	level := zap.InfoLevel
	if opts.Verbosity > 0 {
		level = zap.DebugLevel
	}

	if opts.BufferSize <= 0 {
		opts.BufferSize = 2000
	}
	ring = NewRing(opts.BufferSize)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleEnc zapcore.Encoder
	if opts.JSON {
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	} else {
		devCfg := zap.NewDevelopmentEncoderConfig()
		devCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		devCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(devCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.AddSync(os.Stdout), level),
		ring.Core(zapcore.NewJSONEncoder(encCfg), level),
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return err
		}
		rf, err := openRotatingFile(filepath.Join(opts.Dir, "autod.log"), defaultMaxFileSize)
		if err != nil {
			return err
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg),
			zapcore.AddSync(rf),
			level,
		))
	}

	Logger = zap.New(zapcore.NewTee(cores...)).Sugar()
	return nil
}

// Buffer returns the in-memory log ring, nil before Initialize.
func Buffer() *Ring {
	return ring
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// Info logs an info message
func Info(args ...interface{}) {
	if Logger != nil {
		Logger.Info(args...)
	}
}

// Infof logs a formatted info message
func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

// Infow logs an info message with structured fields
func Infow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Infow(msg, keysAndValues...)
	}
}

// Error logs an error message
func Error(args ...interface{}) {
	if Logger != nil {
		Logger.Error(args...)
	}
}

// Errorf logs a formatted error message
func Errorf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Errorf(format, args...)
	}
}

// Errorw logs an error message with structured fields
func Errorw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Errorw(msg, keysAndValues...)
	}
}

// Warn logs a warning message
func Warn(args ...interface{}) {
	if Logger != nil {
		Logger.Warn(args...)
	}
}

// Warnf logs a formatted warning message
func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

// Warnw logs a warning message with structured fields
func Warnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Warnw(msg, keysAndValues...)
	}
}

// Debug logs a debug message
func Debug(args ...interface{}) {
	if Logger != nil {
		Logger.Debug(args...)
	}
}

// Debugf logs a formatted debug message
func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

// Debugw logs a debug message with structured fields
func Debugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Debugw(msg, keysAndValues...)
	}
}
