package diskstate

import (
	"fmt"
	"strconv"

	"github.com/javi11/nzbd/internal/queue"
)

// LoadAll restores the entire core state at startup. It reads queue plus
// progress overlay, history, the file summaries (compact dump when present,
// per-id files otherwise) and the partial download states. When the acache
// sentinel survived a crash the partial `<id>s` files are stale: cached
// articles never reached disk, so the partial state is dropped and the
// affected articles are re-downloaded from nothing.
func (s *Store) LoadAll(q *queue.Queue) error {
	if s.Exists(FileQueue) {
		if err := s.LoadQueue(q); err != nil {
			return fmt.Errorf("load queue: %w", err)
		}
	}
	if s.Exists(FileHistory) {
		if err := s.LoadHistory(q); err != nil {
			return fmt.Errorf("load history: %w", err)
		}
	}

	staleCache := s.ArticleCacheSentinelPresent()
	if staleCache {
		s.log.Warn("Article cache sentinel found: partial download states are stale and will be ignored")
	}

	loaded, err := s.LoadFileInfos(q)
	if err != nil {
		s.log.Warn("Compact files dump unreadable, falling back to per-file summaries", "error", err)
		loaded = false
	}

	for _, nzb := range q.Items {
		valid := nzb.FileList[:0]
		for _, fi := range nzb.FileList {
			if !loaded {
				if err := s.LoadFileInfo(fi); err != nil {
					nzb.AddMessage(queue.MessageError,
						fmt.Sprintf("Could not load info for file %d: %v", fi.ID, err))
					s.log.Error("Discarding file with unreadable summary", "file_id", fi.ID, "error", err)
					continue
				}
			}
			if !staleCache && s.Exists(strconv.Itoa(fi.ID)+"s") {
				if err := s.LoadFileState(fi); err != nil {
					s.log.Warn("Discarding stale partial state", "file_id", fi.ID, "error", err)
					s.Discard(strconv.Itoa(fi.ID) + "s")
				}
			} else if staleCache {
				s.Discard(strconv.Itoa(fi.ID) + "s")
			}
			valid = append(valid, fi)
		}
		nzb.FileList = valid
		nzb.UpdateCurrentStats()
	}

	if staleCache {
		if err := s.SetArticleCacheSentinel(false); err != nil {
			s.log.Warn("Cannot clear article cache sentinel", "error", err)
		}
	}

	// Jobs whose download had already finished re-enter the post-processing
	// machine; the persisted per-stage statuses let it skip finished stages.
	for _, nzb := range q.Items {
		if nzb.Kind != queue.KindNzb || nzb.PostInfo != nil {
			continue
		}
		if nzb.IsDownloadCompleted(false) {
			nzb.PostInfo = queue.NewPostInfo(nzb.ID)
		}
	}

	maxNzbID, maxFileID := q.MaxIDs()
	q.EnsureIDsAbove(maxNzbID, maxFileID)

	s.Cleanup(q)
	return nil
}

// SaveAll performs a full save: queue, history and the compact files dump.
// Caller must hold the queue lock.
func (s *Store) SaveAll(q *queue.Queue) error {
	if err := s.SaveFileInfos(q); err != nil {
		return err
	}
	if err := s.SaveHistory(q); err != nil {
		return err
	}
	return s.SaveQueue(q)
}
