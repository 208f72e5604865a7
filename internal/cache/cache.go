package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/javi11/nzbd/internal/queue"
)

// SentinelFunc toggles the on-disk acache marker. Called with true when the
// cache first becomes non-empty and with false when it drains to zero.
type SentinelFunc func(present bool) error

// PickFunc selects the next file worth flushing. When critical is set the
// cache is at or above the pressure threshold and any file with cached
// articles qualifies; otherwise only files with no active downloads should
// be returned. Returns nil when nothing is cached.
type PickFunc func(critical bool) *queue.FileInfo

// FlushFunc writes every cached segment of a file to its final offset and
// releases the cache memory through Free.
type FlushFunc func(fi *queue.FileInfo) error

// Cache is the bounded RAM store for decoded article segments. A global
// byte counter provides the primary backpressure: Alloc refuses to exceed
// the limit, forcing article writers into direct-write or temp-file mode.
type Cache struct {
	mu        sync.Mutex
	cond      *sync.Cond
	limit     int64
	allocated int64
	flushing  bool

	sentinel SentinelFunc
	log      *slog.Logger
}

// New creates a cache with the given byte limit. A limit of zero disables
// caching entirely; Alloc always refuses.
func New(limit int64, sentinel SentinelFunc) *Cache {
	c := &Cache{
		limit:    limit,
		sentinel: sentinel,
		log:      slog.Default().With("component", "article-cache"),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Alloc returns a segment buffer of n bytes, or false when the configured
// limit would be exceeded.
func (c *Cache) Alloc(n int) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limit <= 0 || c.allocated+int64(n) > c.limit {
		return nil, false
	}
	wasEmpty := c.allocated == 0
	c.allocated += int64(n)
	if wasEmpty && c.sentinel != nil {
		if err := c.sentinel(true); err != nil {
			c.log.Warn("Cannot write article cache sentinel", "error", err)
		}
	}
	c.cond.Broadcast()
	return make([]byte, n), true
}

// Free returns n bytes to the pool after a segment was flushed or dropped.
func (c *Cache) Free(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.allocated -= int64(n)
	if c.allocated < 0 {
		c.log.Error("Article cache accounting underflow", "allocated", c.allocated)
		c.allocated = 0
	}
	if c.allocated == 0 && c.sentinel != nil {
		if err := c.sentinel(false); err != nil {
			c.log.Warn("Cannot remove article cache sentinel", "error", err)
		}
	}
}

// Allocated returns the current byte counter.
func (c *Cache) Allocated() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocated
}

// Critical reports whether the fill ratio reached 90%.
func (c *Cache) Critical() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit > 0 && c.allocated*10 >= c.limit*9
}

// RequestFlush wakes the flusher ahead of its timer.
func (c *Cache) RequestFlush() {
	c.mu.Lock()
	c.flushing = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Run is the flusher loop. Every second, or immediately under pressure, it
// picks one file with cached segments and writes them out. It exits when
// ctx is cancelled.
func (c *Cache) Run(ctx context.Context, pick PickFunc, flush FlushFunc) {
	// The condvar has no context awareness; a ticker bounds the wait so
	// shutdown is observed promptly.
	for {
		interval := time.Second
		if c.Critical() {
			interval = 5 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		c.mu.Lock()
		idle := c.allocated == 0 && !c.flushing
		c.flushing = false
		c.mu.Unlock()
		if idle {
			continue
		}

		critical := c.Critical()
		fi := pick(critical)
		if fi == nil {
			continue
		}
		if err := flush(fi); err != nil {
			c.log.Error("Cache flush failed", "file_id", fi.ID, "error", err)
		}
	}
}
