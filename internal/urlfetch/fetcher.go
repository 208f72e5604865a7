package urlfetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	apperrors "github.com/javi11/nzbd/internal/errors"
	"github.com/javi11/nzbd/internal/coordinator"
	"github.com/javi11/nzbd/internal/httpclient"
	"github.com/javi11/nzbd/internal/queue"
	"github.com/javi11/nzbd/internal/slogutil"
)

const (
	tickInterval  = time.Second
	fetchAttempts = 3
)

// Fetcher downloads remote-fetch placeholders: KindURL queue entries turn
// into nzb files dropped in the incoming directory, where the scanner admits
// them like any other file. The placeholder moves to history either way.
type Fetcher struct {
	q           *queue.Queue
	qc          *coordinator.Coordinator
	fs          afero.Fs
	client      *http.Client
	nzbDir      string
	concurrency int
	log         *slog.Logger
}

// New creates the fetcher; concurrency defaults to 2 when zero.
func New(q *queue.Queue, qc *coordinator.Coordinator, fs afero.Fs, nzbDir string, concurrency int) *Fetcher {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Fetcher{
		q:           q,
		qc:          qc,
		fs:          fs,
		client:      httpclient.NewLong(),
		nzbDir:      nzbDir,
		concurrency: concurrency,
		log:         slog.Default().With("component", "urlfetch"),
	}
}

// AddURL enqueues a remote-fetch placeholder and returns its id.
func (f *Fetcher) AddURL(url, name, category string, priority int, addTop, paused bool) (int, error) {
	if url == "" {
		return 0, fmt.Errorf("urlfetch: empty url")
	}
	job := queue.NewNzbInfo()
	job.Kind = queue.KindURL
	job.URL = url
	job.Name = name
	if job.Name == "" {
		job.Name = nameFromURL(url)
	}
	job.Category = category
	job.Priority = priority
	job.AddURLPaused = paused

	if err := f.qc.Enqueue(job, addTop); err != nil {
		return 0, err
	}
	return job.ID, nil
}

// Run polls for pending placeholders until ctx is cancelled.
func (f *Fetcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.fetchPending(ctx)
		}
	}
}

type fetchItem struct {
	nzbID int
	url   string
	name  string
}

// fetchPending claims every idle placeholder and downloads them concurrently.
func (f *Fetcher) fetchPending(ctx context.Context) {
	f.q.Lock()
	var items []fetchItem
	for _, job := range f.q.Items {
		if job.Kind != queue.KindURL || job.AddURLPaused {
			continue
		}
		if job.URLStatus != queue.URLNone && job.URLStatus != queue.URLRetry {
			continue
		}
		job.URLStatus = queue.URLRunning
		items = append(items, fetchItem{nzbID: job.ID, url: job.URL, name: job.Name})
	}
	f.q.Unlock()

	if len(items) == 0 {
		return
	}

	pl := pool.New().WithMaxGoroutines(f.concurrency)
	for _, item := range items {
		pl.Go(func() {
			f.fetch(ctx, item)
		})
	}
	pl.Wait()
}

func (f *Fetcher) fetch(ctx context.Context, item fetchItem) {
	ctx = slogutil.With(ctx, "nzb_id", item.nzbID, "url", item.url)
	f.log.InfoContext(ctx, "Fetching remote nzb")

	err := retry.Do(
		func() error { return f.download(ctx, item) },
		retry.Attempts(fetchAttempts),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return !apperrors.IsNonRetryable(err) }),
	)

	status := queue.URLFinished
	if err != nil {
		f.log.ErrorContext(ctx, "Remote nzb fetch failed", "error", err)
		status = queue.URLFailed
	}
	f.complete(item.nzbID, status, err)
}

// download performs one GET attempt and lands the body in the incoming
// directory under a temp name, renamed to .nzb only when complete.
func (f *Fetcher) download(ctx context.Context, item fetchItem) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.url, nil)
	if err != nil {
		return apperrors.NewNonRetryableError("build request", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", item.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return apperrors.NewNonRetryableError(
			fmt.Sprintf("fetch %s: status %d", item.url, resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: status %d", item.url, resp.StatusCode)
	}

	target := f.targetPath(item.name)
	temp := target + ".tmp"
	out, err := f.fs.Create(temp)
	if err != nil {
		return apperrors.NewNonRetryableError("create temp file", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		_ = f.fs.Remove(temp)
		return fmt.Errorf("download %s: %w", item.url, err)
	}
	if err := out.Close(); err != nil {
		_ = f.fs.Remove(temp)
		return err
	}
	return f.fs.Rename(temp, target)
}

// targetPath builds a unique .nzb filename in the incoming directory.
func (f *Fetcher) targetPath(name string) string {
	base := strings.TrimSuffix(name, ".nzb")
	if base == "" {
		base = "download"
	}
	target := path.Join(f.nzbDir, base+".nzb")
	for i := 2; ; i++ {
		exists, _ := afero.Exists(f.fs, target)
		if !exists {
			return target
		}
		target = path.Join(f.nzbDir, fmt.Sprintf("%s.%d.nzb", base, i))
	}
}

// complete records the outcome, publishes url-completed while the
// placeholder is still visible and retires it to a compact history record.
func (f *Fetcher) complete(nzbID int, status queue.URLStatus, cause error) {
	f.q.Lock()
	job := f.q.Find(nzbID)
	if job == nil {
		f.q.Unlock()
		return
	}
	job.URLStatus = status
	if cause != nil {
		job.AddMessage(queue.MessageError, fmt.Sprintf("URL download failed: %v", cause))
	}
	f.q.Unlock()

	f.qc.Publish(coordinator.Event{Kind: coordinator.EventURLCompleted, NzbID: nzbID})

	f.q.Lock()
	f.q.Remove(job)
	f.q.AddHistory(&queue.HistoryInfo{
		Kind: queue.HistoryURL,
		Time: time.Now(),
		URL: &queue.UrlInfo{
			ID:       job.ID,
			Name:     job.Name,
			URL:      job.URL,
			Category: job.Category,
			Priority: job.Priority,
			Status:   status,
		},
	})
	err := f.qc.Store().SaveAll(f.q)
	f.q.Unlock()
	if err != nil {
		f.log.Error("Cannot persist queue after url fetch", "nzb_id", nzbID, "error", err)
	}
}

func nameFromURL(url string) string {
	base := path.Base(url)
	if i := strings.IndexAny(base, "?#"); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSuffix(base, ".nzb")
	if base == "" || base == "." || base == "/" {
		return "download"
	}
	return base
}
