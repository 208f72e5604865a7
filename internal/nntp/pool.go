package nntp

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/javi11/nntppool"
)

// Provider describes one news server.
type Provider struct {
	// ID keys the per-server download statistics.
	ID             int
	Host           string
	Port           int
	Username       string
	Password       string
	TLS            bool
	InsecureTLS    bool
	MaxConnections int
}

// Manager provides centralized NNTP connection pool management. Providers
// can be swapped at runtime on a config reload.
type Manager interface {
	// GetPool returns the current connection pool or an error when no
	// providers are configured.
	GetPool() (nntppool.UsenetConnectionPool, error)

	// SetProviders creates or recreates the pool with new providers.
	SetProviders(providers []Provider) error

	// ClearPool shuts down and removes the current pool.
	ClearPool() error

	// HasPool reports whether a pool is currently available.
	HasPool() bool
}

type manager struct {
	mu     sync.RWMutex
	pool   nntppool.UsenetConnectionPool
	logger *slog.Logger
}

// NewManager creates a pool manager without a pool; call SetProviders to
// bring it up.
func NewManager() Manager {
	return &manager{
		logger: slog.Default().With("component", "pool"),
	}
}

func (m *manager) GetPool() (nntppool.UsenetConnectionPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.pool == nil {
		return nil, fmt.Errorf("NNTP connection pool not available - no providers configured")
	}
	return m.pool, nil
}

func (m *manager) SetProviders(providers []Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pool != nil {
		m.logger.Info("Shutting down existing NNTP connection pool")
		m.pool.Quit()
		m.pool = nil
	}

	if len(providers) == 0 {
		m.logger.Info("No NNTP providers configured - pool cleared")
		return nil
	}

	configs := make([]nntppool.UsenetProviderConfig, 0, len(providers))
	for _, p := range providers {
		configs = append(configs, nntppool.UsenetProviderConfig{
			Host:                           p.Host,
			Port:                           p.Port,
			Username:                       p.Username,
			Password:                       p.Password,
			TLS:                            p.TLS,
			InsecureSSL:                    p.InsecureTLS,
			MaxConnections:                 p.MaxConnections,
			MaxConnectionIdleTimeInSeconds: 60,
			MaxConnectionTTLInSeconds:      60,
		})
	}

	m.logger.Info("Creating NNTP connection pool", "provider_count", len(configs))
	pool, err := nntppool.NewConnectionPool(nntppool.Config{
		Providers:      configs,
		Logger:         m.logger,
		DelayType:      nntppool.DelayTypeFixed,
		RetryDelay:     10 * time.Millisecond,
		MinConnections: 0,
	})
	if err != nil {
		return fmt.Errorf("failed to create NNTP connection pool: %w", err)
	}

	m.pool = pool
	m.logger.Info("NNTP connection pool created successfully")
	return nil
}

func (m *manager) ClearPool() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pool != nil {
		m.logger.Info("Clearing NNTP connection pool")
		m.pool.Quit()
		m.pool = nil
	}
	return nil
}

func (m *manager) HasPool() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pool != nil
}
