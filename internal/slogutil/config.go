package slogutil

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/javi11/nzbd/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps a configuration level string to a slog.Level. Unknown
// values fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogRotation builds the process logger from LogConfig. With an empty
// File it logs to the console only; otherwise it writes to both the console
// and a rotated log file. The returned DynamicLeveler lets a configuration
// reload change the level of the running logger.
func SetupLogRotation(logConfig config.LogConfig) (*slog.Logger, *DynamicLeveler) {
	var writer io.Writer = os.Stdout

	if logConfig.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   logConfig.File,
			MaxSize:    logConfig.MaxSize,    // MB
			MaxBackups: logConfig.MaxBackups, // number of old files
			MaxAge:     logConfig.MaxAge,     // days
			Compress:   logConfig.Compress,
		}
		writer = io.MultiWriter(os.Stdout, fileWriter)
	}

	leveler := NewDynamicLeveler(ParseLevel(logConfig.Level))

	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{
		Level: leveler,
	})

	// Wrap handler to support context data extraction
	return slog.New(WrapHandler(handler)), leveler
}
