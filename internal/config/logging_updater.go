package config

import (
	"fmt"
	"log/slog"
	"sync"
)

// DefaultLoggingUpdater manages dynamic logging level updates. It validates
// the configured level string and forwards the parsed level to the running
// logger, keeping the existing handler (rotation, context attrs) intact.
type DefaultLoggingUpdater struct {
	currentLevel string
	apply        func(level slog.Level)
	mutex        sync.RWMutex
}

// NewLoggingUpdater creates a new logging updater. apply receives the parsed
// level whenever the configured value changes.
func NewLoggingUpdater(initialLevel string, apply func(level slog.Level)) LoggingUpdater {
	return &DefaultLoggingUpdater{
		currentLevel: initialLevel,
		apply:        apply,
	}
}

// UpdateLevel updates the global logging level
func (u *DefaultLoggingUpdater) UpdateLevel(level string) error {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.currentLevel == level {
		return nil // No change needed
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info", "":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	u.currentLevel = level
	if u.apply != nil {
		u.apply(slogLevel)
	}

	return nil
}

// GetLevel returns the current log level
func (u *DefaultLoggingUpdater) GetLevel() string {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.currentLevel
}
