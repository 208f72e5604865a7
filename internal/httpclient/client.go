// Package httpclient provides a centralized HTTP client factory with preset configurations.
package httpclient

import (
	"net/http"
	"time"
)

// Preset timeout durations.
const (
	// DefaultTimeout is the standard timeout for most HTTP requests (30s).
	DefaultTimeout = 30 * time.Second

	// LongTimeout covers slow operations such as fetching an NZB from a
	// remote indexer (60s).
	LongTimeout = 60 * time.Second
)

// Options configures an HTTP client.
type Options struct {
	Timeout time.Duration
}

// Option is a functional option for configuring HTTP clients.
type Option func(*Options)

// WithTimeout sets the client timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// New creates a new HTTP client with the given options.
// If no timeout is specified, DefaultTimeout (30s) is used.
func New(opts ...Option) *http.Client {
	cfg := &Options{
		Timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &http.Client{
		Timeout: cfg.Timeout,
	}
}

// NewLong creates a new HTTP client with LongTimeout.
func NewLong() *http.Client {
	return New(WithTimeout(LongTimeout))
}
