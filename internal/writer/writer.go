package writer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/javi11/nzbd/internal/cache"
	"github.com/javi11/nzbd/internal/queue"
	"github.com/spf13/afero"
)

// Options configure the storage strategy for article writers.
type Options struct {
	// DirectWrite writes every article at its offset into the final output
	// file instead of a temp file or cache.
	DirectWrite bool
	// Preallocate extends the output file to its declared size on creation.
	Preallocate bool
	// TempDir holds temp-per-article files.
	TempDir string
}

type mode int

const (
	modeCached mode = iota
	modeDirect
	modeTemp
)

// ArticleWriter is the per-article sink. An external NNTP worker calls
// Start, then repeated Write with decoded bytes, then Finish.
type ArticleWriter struct {
	fs    afero.Fs
	cache *cache.Cache
	opts  Options
	log   *slog.Logger

	fi      *queue.FileInfo
	article *queue.ArticleInfo
	destDir string

	mode    mode
	buf     []byte
	written int
	out     afero.File
	temp    string
}

// NewArticleWriter creates a sink for one article of one file. destDir is a
// copy of the job's destination directory taken under the queue lock.
func NewArticleWriter(fs afero.Fs, c *cache.Cache, opts Options, fi *queue.FileInfo, article *queue.ArticleInfo, destDir string) *ArticleWriter {
	return &ArticleWriter{
		fs:      fs,
		cache:   c,
		opts:    opts,
		log:     slog.Default().With("component", "article-writer"),
		fi:      fi,
		article: article,
		destDir: destDir,
	}
}

// Start selects the storage strategy and prepares it. Cached mode is the
// default when the cache has room and direct-write was not forced; a full
// cache degrades to direct-write or temp-per-article.
func (w *ArticleWriter) Start() error {
	directWrite := w.opts.DirectWrite || w.fi.ForceDirectWrite

	if !directWrite {
		if buf, ok := w.cache.Alloc(w.article.SegmentSize); ok {
			w.mode = modeCached
			w.buf = buf
			return nil
		}
	}

	if directWrite {
		w.mode = modeDirect
		return w.openOutputFile()
	}

	w.mode = modeTemp
	w.temp = filepath.Join(w.opts.TempDir, fmt.Sprintf("%d.%03d", w.fi.ID, w.article.PartNumber))
	if err := w.fs.MkdirAll(w.opts.TempDir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	f, err := w.fs.Create(w.temp)
	if err != nil {
		return fmt.Errorf("create temp article file: %w", err)
	}
	w.out = f
	return nil
}

// openOutputFile creates or opens the shared direct-write output file. The
// per-file lock serializes multiple article writers creating the same file.
func (w *ArticleWriter) openOutputFile() error {
	w.fi.OutputMu.Lock()
	defer w.fi.OutputMu.Unlock()

	if !w.fi.OutputInitialized {
		if err := w.fs.MkdirAll(w.destDir, 0o755); err != nil {
			return fmt.Errorf("create destination dir: %w", err)
		}
		w.fi.OutputFilename = filepath.Join(w.destDir, fmt.Sprintf("%d.out", w.fi.ID))
		// The file may already hold articles finished before a restart;
		// never truncate an existing output.
		exists, err := afero.Exists(w.fs, w.fi.OutputFilename)
		if err != nil {
			return fmt.Errorf("stat output file: %w", err)
		}
		if !exists {
			f, err := w.fs.Create(w.fi.OutputFilename)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			if w.opts.Preallocate {
				if err := f.Truncate(w.fi.Size); err != nil {
					f.Close()
					return fmt.Errorf("preallocate output file: %w", err)
				}
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
		w.fi.OutputInitialized = true
	}

	f, err := w.fs.OpenFile(w.fi.OutputFilename, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	w.out = f
	return nil
}

// Write consumes decoded bytes. Exceeding the declared article size is not
// an error: extra bytes are dropped, damaged articles are caught by CRC
// downstream.
func (w *ArticleWriter) Write(p []byte) (int, error) {
	n := len(p)
	room := w.article.SegmentSize - w.written
	if room <= 0 {
		return n, nil
	}
	if len(p) > room {
		p = p[:room]
	}

	switch w.mode {
	case modeCached:
		copy(w.buf[w.written:], p)
	case modeDirect:
		if _, err := w.out.WriteAt(p, w.article.SegmentOffset+int64(w.written)); err != nil {
			return 0, fmt.Errorf("direct write: %w", err)
		}
	case modeTemp:
		if _, err := w.out.Write(p); err != nil {
			return 0, fmt.Errorf("temp write: %w", err)
		}
	}
	w.written += len(p)
	return n, nil
}

// Finish completes the article. On success in cached mode the buffer is
// attached to the ArticleInfo; on failure all storage is released.
func (w *ArticleWriter) Finish(success bool) error {
	var closeErr error
	if w.out != nil {
		closeErr = w.out.Close()
		w.out = nil
	}

	switch w.mode {
	case modeCached:
		if success && closeErr == nil {
			w.fi.FlushMu.Lock()
			w.article.Segment = w.buf
			w.fi.CachedArticles++
			w.fi.FlushMu.Unlock()
		} else {
			w.cache.Free(w.article.SegmentSize)
		}
	case modeTemp:
		if success && closeErr == nil {
			w.article.ResultFilename = w.temp
		} else {
			_ = w.fs.Remove(w.temp)
		}
	case modeDirect:
		// Offset and size on the ArticleInfo are all that is needed.
	}
	w.buf = nil
	return closeErr
}
