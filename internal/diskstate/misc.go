package diskstate

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/javi11/nzbd/internal/queue"
	"github.com/spf13/afero"
)

// SetArticleCacheSentinel maintains the zero-byte `acache` marker: present
// iff the article cache holds unflushed bytes. Its presence at startup means
// partial `<id>s` files are stale and must not be trusted.
func (s *Store) SetArticleCacheSentinel(present bool) error {
	path := s.path(FileACache)
	if present {
		f, err := s.fs.Create(path)
		if err != nil {
			return fmt.Errorf("create acache sentinel: %w", err)
		}
		return f.Close()
	}
	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove acache sentinel: %w", err)
	}
	return nil
}

// ArticleCacheSentinelPresent reports whether the sentinel survived a crash.
func (s *Store) ArticleCacheSentinelPresent() bool {
	ok, _ := afero.Exists(s.fs, s.path(FileACache))
	return ok
}

// AppendNzbLog appends one message to the per-job log `n<id>.log`:
// formatted local time, unix time, kind and text, tab separated.
func (s *Store) AppendNzbLog(nzbID int, msg queue.Message) error {
	name := fmt.Sprintf("n%d.log", nzbID)
	f, err := s.fs.OpenFile(s.path(name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open nzb log %d: %w", nzbID, err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s\t%d\t%s\t%s\n",
		msg.Time.Format("2006-01-02 15:04:05"), msg.Time.Unix(), msg.Kind, msg.Text)
	return err
}

// DiscardNzbLog removes the per-job log when the job is pruned.
func (s *Store) DiscardNzbLog(nzbID int) {
	_ = s.fs.Remove(s.path(fmt.Sprintf("n%d.log", nzbID)))
}

var stateFilePattern = regexp.MustCompile(`^(?:(\d+)[sc]?|n(\d+)\.log)$`)

// Cleanup walks the queue directory after a full load and deletes per-file
// and per-job state whose id no longer appears in queue or history.
func (s *Store) Cleanup(q *queue.Queue) {
	liveFiles := make(map[int]bool)
	liveNzbs := make(map[int]bool)
	collect := func(n *queue.NzbInfo) {
		liveNzbs[n.ID] = true
		for _, fi := range n.FileList {
			liveFiles[fi.ID] = true
		}
		for _, cf := range n.CompletedFiles {
			liveFiles[cf.ID] = true
		}
	}
	for _, n := range q.Items {
		collect(n)
	}
	for _, h := range q.History {
		if h.Kind == queue.HistoryNzb {
			collect(h.Nzb)
		} else {
			liveNzbs[h.ID()] = true
		}
	}

	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		s.log.Warn("Cannot scan queue directory for cleanup", "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := stateFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		if m[1] != "" {
			id, _ := strconv.Atoi(m[1])
			if !liveFiles[id] {
				s.log.Debug("Deleting orphaned file state", "file", entry.Name())
				_ = s.fs.Remove(s.path(entry.Name()))
			}
			continue
		}
		id, _ := strconv.Atoi(m[2])
		if !liveNzbs[id] {
			s.log.Debug("Deleting orphaned nzb log", "file", entry.Name())
			_ = s.fs.Remove(s.path(entry.Name()))
		}
	}
}

// ServerVolume is one persisted per-server statistics record.
type ServerVolume struct {
	ServerID   int
	TotalBytes int64
	CustomTime time.Time
}

// SaveStats persists server statistics; orthogonal to the pipeline but part
// of the store.
func (s *Store) SaveStats(volumes []ServerVolume) error {
	return s.saveFile(FileStats, func(w *writer) error {
		w.linef("%d", len(volumes))
		for _, v := range volumes {
			w.linef("%d,%d", v.ServerID, v.CustomTime.Unix())
			w.int64Pair(v.TotalBytes)
		}
		return w.err
	})
}

// LoadStats restores server statistics; absence is normal on first start.
func (s *Store) LoadStats() ([]ServerVolume, error) {
	if !s.Exists(FileStats) {
		return nil, nil
	}
	f, r, err := s.openFile(FileStats)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	count := r.intVal()
	volumes := make([]ServerVolume, 0, count)
	for i := 0; i < count; i++ {
		vals := r.ints(2)
		v := ServerVolume{ServerID: vals[0], CustomTime: time.Unix(int64(vals[1]), 0)}
		v.TotalBytes = r.int64Pair()
		if r.Err() != nil {
			return nil, fmt.Errorf("load stats entry %d: %w", i, r.Err())
		}
		volumes = append(volumes, v)
	}
	return volumes, nil
}

// FeedState is an opaque pass-through record for RSS feed state.
type FeedState struct {
	FeedID      int
	LastUpdated time.Time
}

// SaveFeeds persists feed state records.
func (s *Store) SaveFeeds(feeds []FeedState) error {
	return s.saveFile(FileFeeds, func(w *writer) error {
		w.linef("%d", len(feeds))
		for _, f := range feeds {
			w.linef("%d,%d", f.FeedID, f.LastUpdated.Unix())
		}
		return w.err
	})
}

// LoadFeeds restores feed state records; absence is normal.
func (s *Store) LoadFeeds() ([]FeedState, error) {
	if !s.Exists(FileFeeds) {
		return nil, nil
	}
	f, r, err := s.openFile(FileFeeds)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	count := r.intVal()
	feeds := make([]FeedState, 0, count)
	for i := 0; i < count; i++ {
		vals := r.ints(2)
		if r.Err() != nil {
			return nil, fmt.Errorf("load feeds entry %d: %w", i, r.Err())
		}
		feeds = append(feeds, FeedState{FeedID: vals[0], LastUpdated: time.Unix(int64(vals[1]), 0)})
	}
	return feeds, nil
}
