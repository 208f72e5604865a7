package diskstate

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/afero"
)

// Store persists and restores the entire core state. All files live in a
// single queue directory. Writes follow the write-temp, fsync, rename,
// fsync-parent protocol so a crash leaves either the prior committed state
// or the full new state on disk.
type Store struct {
	fs         afero.Fs
	dir        string
	flushQueue bool
	log        *slog.Logger
}

// NewStore creates a store rooted at dir. When flushQueue is set, every
// commit fsyncs the file and its parent directory.
func NewStore(fs afero.Fs, dir string, flushQueue bool) *Store {
	return &Store{
		fs:         fs,
		dir:        dir,
		flushQueue: flushQueue,
		log:        slog.Default().With("component", "diskstate"),
	}
}

// Dir returns the queue directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// saveFile writes name atomically: content goes to name.new which replaces
// name only after a successful flush. Transient failures are retried; a
// persistent failure is returned so the caller can retry on the next
// trigger and warn the user.
func (s *Store) saveFile(name string, write func(w *writer) error) error {
	err := retry.Do(
		func() error { return s.saveFileOnce(name, write) },
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

func (s *Store) saveFileOnce(name string, write func(w *writer) error) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	target := s.path(name)
	temp := target + ".new"

	f, err := s.fs.Create(temp)
	if err != nil {
		return err
	}

	w := newWriter(f)
	w.signature()
	if err := write(w); err != nil {
		f.Close()
		return err
	}
	if err := w.flush(); err != nil {
		f.Close()
		return err
	}
	if s.flushQueue {
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}

	// Unlink then rename; on POSIX the rename alone would do but the
	// explicit unlink keeps Windows semantics identical.
	if err := s.fs.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := s.fs.Rename(temp, target); err != nil {
		return err
	}
	if s.flushQueue {
		s.syncDir()
	}
	return nil
}

// syncDir fsyncs the queue directory; best effort since not every
// filesystem supports syncing directories.
func (s *Store) syncDir() {
	d, err := s.fs.Open(s.dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

// openFile opens name for reading, recovering a committed-but-unrenamed
// .new file left behind by a crash between unlink and rename.
func (s *Store) openFile(name string) (afero.File, *reader, error) {
	target := s.path(name)

	if exists, _ := afero.Exists(s.fs, target); !exists {
		temp := target + ".new"
		if tempExists, _ := afero.Exists(s.fs, temp); tempExists {
			if err := s.fs.Rename(temp, target); err != nil {
				return nil, nil, fmt.Errorf("recover %s: %w", name, err)
			}
			s.log.Warn("Recovered state file from interrupted save", "file", name)
		}
	}

	f, err := s.fs.Open(target)
	if err != nil {
		return nil, nil, err
	}
	r := newReader(f)
	if err := r.signature(); err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, r, nil
}

// Exists reports whether a state file (or its recoverable temp) is present.
func (s *Store) Exists(name string) bool {
	if ok, _ := afero.Exists(s.fs, s.path(name)); ok {
		return true
	}
	ok, _ := afero.Exists(s.fs, s.path(name)+".new")
	return ok
}

// Discard removes a state file, ignoring absence.
func (s *Store) Discard(name string) {
	if err := s.fs.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("Failed to discard state file", "file", name, "error", err)
	}
	_ = s.fs.Remove(s.path(name) + ".new")
}
