package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbd/internal/queue"
)

func TestCache_AllocRespectsLimit(t *testing.T) {
	c := New(1000, nil)

	buf, ok := c.Alloc(600)
	require.True(t, ok)
	assert.Len(t, buf, 600)
	assert.Equal(t, int64(600), c.Allocated())

	_, ok = c.Alloc(500)
	assert.False(t, ok)

	_, ok = c.Alloc(400)
	assert.True(t, ok)
	assert.Equal(t, int64(1000), c.Allocated())

	c.Free(600)
	c.Free(400)
	assert.Equal(t, int64(0), c.Allocated())
}

func TestCache_ZeroLimitDisables(t *testing.T) {
	c := New(0, nil)
	_, ok := c.Alloc(1)
	assert.False(t, ok)
}

func TestCache_Critical(t *testing.T) {
	c := New(1000, nil)
	assert.False(t, c.Critical())

	_, ok := c.Alloc(899)
	require.True(t, ok)
	assert.False(t, c.Critical())

	_, ok = c.Alloc(1)
	require.True(t, ok)
	assert.True(t, c.Critical())
}

func TestCache_SentinelTracksEmptiness(t *testing.T) {
	var mu sync.Mutex
	var calls []bool
	c := New(1000, func(present bool) error {
		mu.Lock()
		calls = append(calls, present)
		mu.Unlock()
		return nil
	})

	_, ok := c.Alloc(100)
	require.True(t, ok)
	_, ok = c.Alloc(100)
	require.True(t, ok)

	c.Free(100)
	c.Free(100)

	mu.Lock()
	defer mu.Unlock()
	// Set once on first fill, cleared once on drain; the intermediate
	// transitions never touch the sentinel.
	assert.Equal(t, []bool{true, false}, calls)
}

func TestCache_FreeUnderflowClamps(t *testing.T) {
	c := New(1000, nil)
	c.Free(10)
	assert.Equal(t, int64(0), c.Allocated())
}

func TestCache_RunFlushesUntilDrained(t *testing.T) {
	c := New(1000, nil)
	_, ok := c.Alloc(500)
	require.True(t, ok)

	fi := &queue.FileInfo{ID: 1}
	var mu sync.Mutex
	flushed := 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx,
			func(critical bool) *queue.FileInfo {
				if c.Allocated() == 0 {
					return nil
				}
				return fi
			},
			func(got *queue.FileInfo) error {
				mu.Lock()
				flushed++
				mu.Unlock()
				c.Free(500)
				return nil
			})
	}()

	c.RequestFlush()
	require.Eventually(t, func() bool {
		return c.Allocated() == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, flushed)
}
