package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	globalLogger *slog.Logger
	logFile      *os.File
	once         sync.Once
)

// Init configures the global logger. When logDir is non-empty a daily
// log file is opened there and output is mirrored to stdout.
func Init(level string, logDir string) {
	once.Do(func() {
		var logLevel slog.Level
		switch level {
		case "debug":
			logLevel = slog.LevelDebug
		case "warn":
			logLevel = slog.LevelWarn
		case "error":
			logLevel = slog.LevelError
		default:
			logLevel = slog.LevelInfo
		}

		var out io.Writer = os.Stdout
		if logDir != "" {
			if err := os.MkdirAll(logDir, 0o755); err == nil {
				name := filepath.Join(logDir, "algodesk-"+time.Now().Format("2006-01-02")+".log")
				if f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
					logFile = f
					out = io.MultiWriter(os.Stdout, f)
				}
			}
		}

		// JSON handler for structured logging
		handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: logLevel,
		})
		globalLogger = slog.New(handler)
		slog.SetDefault(globalLogger)
	})
}

// Get returns the global logger instance
func Get() *slog.Logger {
	if globalLogger == nil {
		Init("info", "")
	}
	return globalLogger
}

// Close flushes and closes the log file, if any.
func Close() {
	if logFile != nil {
		_ = logFile.Close()
	}
}

// Helper functions for quick logging
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

func LogError(ctx context.Context, err error, msg string, args ...any) {
	if err == nil {
		return
	}
	args = append(args, slog.String("error", err.Error()))
	Get().ErrorContext(ctx, msg, args...)
}
