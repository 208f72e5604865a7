package slogutil

import (
	"log/slog"
	"sync/atomic"
)

// DynamicLeveler is a slog.Leveler whose level can change at runtime. A
// configuration reload adjusts logging verbosity without recreating the
// logger.
type DynamicLeveler struct {
	level atomic.Value
}

// NewDynamicLeveler returns a leveler starting at the given level.
func NewDynamicLeveler(level slog.Level) *DynamicLeveler {
	dl := &DynamicLeveler{}
	dl.level.Store(level)
	return dl
}

// Level returns the current logging level.
func (dl *DynamicLeveler) Level() slog.Level {
	return dl.level.Load().(slog.Level)
}

// SetLevel updates the logging level.
func (dl *DynamicLeveler) SetLevel(level slog.Level) {
	dl.level.Store(level)
}
