package infra

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a JSON slog.Logger writing to stdout and a rotated file
// under logs/. Every record carries the app name.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Logging.Level)}

	logDir := "logs"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		// Fallback to stderr if directory creation fails
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	name := cfg.App.Name
	if name == "" {
		name = "app"
	}

	fileLogger := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, name+".log"),
		MaxSize:    10, // Megabytes
		MaxBackups: 3,
		MaxAge:     28, // Days
		Compress:   true,
	}

	writer := io.MultiWriter(os.Stdout, fileLogger)
	return slog.New(slog.NewJSONHandler(writer, opts)).With(slog.String("app", name))
}

// ParseLevel maps a config level name to a slog level (info when unknown).
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
