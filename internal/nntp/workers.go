package nntp

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/javi11/nzbd/internal/cache"
	"github.com/javi11/nzbd/internal/coordinator"
	"github.com/javi11/nzbd/internal/queue"
	"github.com/javi11/nzbd/internal/writer"
)

// idleWait is how long a worker sleeps when no article is eligible.
const idleWait = 100 * time.Millisecond

// Fleet runs the download workers. Each worker pulls a reservation from the
// queue coordinator, fetches the article body through the pool into an
// article writer and reports completion.
type Fleet struct {
	qc      *coordinator.Coordinator
	pm      Manager
	fs      afero.Fs
	cache   *cache.Cache
	wopts   writer.Options
	workers int
	// serverID keys per-server statistics until the pool reports which
	// provider served an article.
	serverID int
	log      *slog.Logger

	limiter *rateLimiter
}

// NewFleet creates the worker fleet; workers defaults to 4 when zero.
func NewFleet(qc *coordinator.Coordinator, pm Manager, fs afero.Fs, c *cache.Cache, wopts writer.Options, workers int) *Fleet {
	if workers <= 0 {
		workers = 4
	}
	return &Fleet{
		qc:       qc,
		pm:       pm,
		fs:       fs,
		cache:    c,
		wopts:    wopts,
		workers:  workers,
		serverID: 1,
		log:      slog.Default().With("component", "nntp-workers"),
		limiter:  &rateLimiter{},
	}
}

// Run blocks until ctx is cancelled.
func (f *Fleet) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < f.workers; i++ {
		g.Go(func() error {
			f.worker(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (f *Fleet) worker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		res := f.qc.ReserveArticle()
		if res == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleWait):
			}
			continue
		}
		f.download(ctx, res)
	}
}

func (f *Fleet) download(ctx context.Context, res *coordinator.Reservation) {
	pool, err := f.pm.GetPool()
	if err != nil {
		f.log.Warn("No pool for reserved article", "message_id", res.MessageID, "error", err)
		f.qc.CompleteArticle(res, queue.ArticleFailed, f.serverID)
		return
	}

	aw := writer.NewArticleWriter(f.fs, f.cache, f.wopts, res.File, res.Article, res.DestDir)
	if err := aw.Start(); err != nil {
		f.log.Error("Cannot prepare article storage", "message_id", res.MessageID, "error", err)
		f.qc.CompleteArticle(res, queue.ArticleFailed, f.serverID)
		return
	}

	var sink io.Writer = aw
	if limit := f.qc.SpeedLimit(); limit > 0 {
		f.limiter.setLimit(limit)
		sink = &throttledWriter{w: aw, limiter: f.limiter, ctx: ctx}
	}

	_, err = pool.Body(ctx, res.MessageID, sink, res.Groups)
	success := err == nil
	if ferr := aw.Finish(success); ferr != nil && success {
		err, success = ferr, false
	}

	status := queue.ArticleFinished
	if !success {
		status = queue.ArticleFailed
		f.log.Debug("Article download failed", "message_id", res.MessageID, "error", err)
	}
	f.qc.CompleteArticle(res, status, f.serverID)
}

// rateLimiter spreads writes over time so the fleet stays under the
// configured bytes-per-second budget. Shared by all workers.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int64
	allowAt time.Time
}

func (r *rateLimiter) setLimit(limit int64) {
	r.mu.Lock()
	r.limit = limit
	r.mu.Unlock()
}

// reserve accounts n bytes and returns how long the caller must wait before
// writing them.
func (r *rateLimiter) reserve(n int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limit <= 0 {
		return 0
	}
	now := time.Now()
	if r.allowAt.Before(now) {
		r.allowAt = now
	}
	wait := r.allowAt.Sub(now)
	r.allowAt = r.allowAt.Add(time.Duration(int64(n) * int64(time.Second) / r.limit))
	return wait
}

type throttledWriter struct {
	w       io.Writer
	limiter *rateLimiter
	ctx     context.Context
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	if wait := t.limiter.reserve(len(p)); wait > 0 {
		select {
		case <-t.ctx.Done():
			return 0, t.ctx.Err()
		case <-time.After(wait):
		}
	}
	return t.w.Write(p)
}
