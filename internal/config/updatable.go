package config

import (
	"log/slog"

	"github.com/javi11/nzbd/internal/nntp"
)

// PoolUpdater defines interface for components that can swap NNTP providers
type PoolUpdater interface {
	SetProviders(providers []nntp.Provider) error
}

// SpeedUpdater defines interface for components that honor a rate limit
type SpeedUpdater interface {
	SetSpeedLimit(bytesPerSec int64)
}

// LoggingUpdater defines interface for components that can update logging levels
type LoggingUpdater interface {
	UpdateLevel(level string) error
}

// ComponentRegistry holds references to updatable components
type ComponentRegistry struct {
	Pool    PoolUpdater
	Speed   SpeedUpdater
	Logging LoggingUpdater
	logger  *slog.Logger
}

// NewComponentRegistry creates a new component registry
func NewComponentRegistry(logger *slog.Logger) *ComponentRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ComponentRegistry{
		logger: logger,
	}
}

// RegisterPool registers a provider pool updater
func (r *ComponentRegistry) RegisterPool(updater PoolUpdater) {
	r.Pool = updater
}

// RegisterSpeed registers a speed limit updater
func (r *ComponentRegistry) RegisterSpeed(updater SpeedUpdater) {
	r.Speed = updater
}

// RegisterLogging registers a logging updater
func (r *ComponentRegistry) RegisterLogging(updater LoggingUpdater) {
	r.Logging = updater
}

// ApplyUpdates applies configuration updates to all registered components
func (r *ComponentRegistry) ApplyUpdates(oldConfig, newConfig *Config) {
	if oldConfig.Log.Level != newConfig.Log.Level {
		if r.Logging != nil {
			if err := r.Logging.UpdateLevel(newConfig.Log.Level); err != nil {
				r.logger.Error("Failed to update log level", "err", err)
			} else {
				r.logger.Info("Log level updated successfully", "level", newConfig.Log.Level)
			}
		}
	}

	if oldConfig.Download.SpeedLimitKB != newConfig.Download.SpeedLimitKB {
		if r.Speed != nil {
			r.Speed.SetSpeedLimit(newConfig.GetSpeedLimitBytes())
			r.logger.Info("Download rate updated successfully",
				"old_kb", oldConfig.Download.SpeedLimitKB,
				"new_kb", newConfig.Download.SpeedLimitKB)
		}
	}

	if !oldConfig.ProvidersEqual(newConfig) {
		if r.Pool != nil {
			if err := r.Pool.SetProviders(newConfig.ToProviders()); err != nil {
				r.logger.Error("Failed to update NNTP providers", "err", err)
			} else {
				r.logger.Info("NNTP providers updated successfully",
					"provider_count", len(newConfig.Providers))
			}
		}
	}
}
