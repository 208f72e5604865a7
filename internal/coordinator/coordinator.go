package coordinator

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/javi11/nzbd/internal/cache"
	"github.com/javi11/nzbd/internal/diskstate"
	"github.com/javi11/nzbd/internal/queue"
	"github.com/javi11/nzbd/internal/writer"
)

// Coordinator owns the download queue. External NNTP workers call
// ReserveArticle and CompleteArticle; the coordinator never talks to the
// network itself. It triggers file and job completion and publishes
// structured events on every observable change.
type Coordinator struct {
	q         *queue.Queue
	store     *diskstate.Store
	cache     *cache.Cache
	assembler *writer.Assembler
	log       *slog.Logger

	publisher publisher

	// OnDeleteDrained is invoked outside the queue lock when the last
	// in-flight article of a Deleting job returns; the editor wires its
	// FinalizeDelete here.
	OnDeleteDrained func(nzb *queue.NzbInfo)

	pauseMu         sync.Mutex
	paused          bool
	tempPaused      bool
	tempPauseReason string
	speedLimit      int64
}

// New creates the coordinator around the shared queue and state store.
func New(q *queue.Queue, store *diskstate.Store, c *cache.Cache, assembler *writer.Assembler) *Coordinator {
	return &Coordinator{
		q:         q,
		store:     store,
		cache:     c,
		assembler: assembler,
		log:       slog.Default().With("component", "queue-coordinator"),
	}
}

// Queue exposes the guarded queue for the editor and post-processor.
func (c *Coordinator) Queue() *queue.Queue { return c.q }

// Store exposes the disk-state store.
func (c *Coordinator) Store() *diskstate.Store { return c.store }

// RegisterObserver subscribes to queue events.
func (c *Coordinator) RegisterObserver(obs Observer) {
	c.publisher.register(obs)
}

// Publish emits an event to all observers; also used by collaborating
// components (editor, dupe coordinator) for changes they perform.
func (c *Coordinator) Publish(ev Event) {
	c.publisher.publish(ev)
}

// SetPaused toggles the user pause of the whole download queue.
func (c *Coordinator) SetPaused(paused bool) {
	c.pauseMu.Lock()
	c.paused = paused
	c.pauseMu.Unlock()
	c.log.Info("Download queue pause changed", "paused", paused)
}

// Paused reports the user pause state.
func (c *Coordinator) Paused() bool {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	return c.paused
}

// SetTempPaused is set by post-processing stages that must run without
// concurrent downloads; honoured in addition to the user pause.
func (c *Coordinator) SetTempPaused(paused bool, reason string) {
	c.pauseMu.Lock()
	c.tempPaused = paused
	c.tempPauseReason = reason
	c.pauseMu.Unlock()
	if paused {
		c.log.Info("Downloads temporarily paused", "reason", reason)
	} else {
		c.log.Info("Downloads resumed after temporary pause")
	}
}

// SetSpeedLimit stores the download rate limit in bytes per second; zero
// means unlimited. Enforced by the NNTP worker fleet.
func (c *Coordinator) SetSpeedLimit(limit int64) {
	c.pauseMu.Lock()
	c.speedLimit = limit
	c.pauseMu.Unlock()
	c.log.Info("Download rate limit changed", "bytes_per_sec", limit)
}

// SpeedLimit returns the current rate limit.
func (c *Coordinator) SpeedLimit() int64 {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	return c.speedLimit
}

func (c *Coordinator) downloadsAllowed() bool {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	return !c.paused && !c.tempPaused
}

// Enqueue admits a parsed job: assigns ids, persists the per-file summaries
// and the full queue, and publishes nzb-added. addFront queues it at the
// head.
func (c *Coordinator) Enqueue(nzb *queue.NzbInfo, addFront bool) error {
	c.q.Lock()
	if nzb.ID == 0 {
		nzb.ID = c.q.NextNzbID()
	}
	for _, fi := range nzb.FileList {
		if fi.ID == 0 {
			fi.ID = c.q.NextFileID()
		}
		fi.NzbID = nzb.ID
	}
	if addFront {
		c.q.AddFront(nzb)
	} else {
		c.q.AddBack(nzb)
	}
	files := append([]*queue.FileInfo(nil), nzb.FileList...)
	c.q.Unlock()

	for _, fi := range files {
		if err := c.store.SaveFileInfo(fi); err != nil {
			return fmt.Errorf("persist file summary %d: %w", fi.ID, err)
		}
	}

	c.q.Lock()
	err := c.store.SaveAll(c.q)
	c.q.Unlock()
	if err != nil {
		return err
	}

	c.log.Info("Queued nzb", "id", nzb.ID, "name", nzb.Name, "files", len(files), "size", nzb.Size)
	c.Publish(Event{Kind: EventNzbAdded, NzbID: nzb.ID})
	return nil
}

// Drop removes a job and its on-disk state. When it contributed downloads
// it is parked to history by the caller instead.
func (c *Coordinator) Drop(nzb *queue.NzbInfo) {
	c.q.Lock()
	c.q.Remove(nzb)
	var ids []int
	for _, fi := range nzb.FileList {
		ids = append(ids, fi.ID)
		c.releaseCachedArticles(fi)
	}
	c.q.Unlock()

	for _, id := range ids {
		c.store.DiscardFileState(id)
	}
	c.Publish(Event{Kind: EventNzbDeleted, NzbID: nzb.ID})
}

// releaseCachedArticles frees cache memory of a dropped file.
func (c *Coordinator) releaseCachedArticles(fi *queue.FileInfo) {
	fi.FlushMu.Lock()
	defer fi.FlushMu.Unlock()
	for _, art := range fi.Articles {
		if art.Segment != nil {
			c.cache.Free(art.SegmentSize)
			art.Segment = nil
			fi.CachedArticles--
		}
	}
}

// Reservation hands one article to an external NNTP worker together with
// copies of everything the worker needs outside the queue lock.
type Reservation struct {
	NzbID     int
	FileID    int
	File      *queue.FileInfo
	Article   *queue.ArticleInfo
	DestDir   string
	Groups    []string
	MessageID string
}

// ReserveArticle returns the next downloadable article honoring priority,
// pause state and file order, or nil when nothing is eligible. The job with
// the highest effective priority wins; ties break by queue order.
func (c *Coordinator) ReserveArticle() *Reservation {
	if !c.downloadsAllowed() {
		return nil
	}

	c.q.Lock()
	defer c.q.Unlock()

	candidates := make([]*queue.NzbInfo, 0, len(c.q.Items))
	for _, nzb := range c.q.Items {
		if nzb.Deleting || nzb.HealthPaused {
			continue
		}
		candidates = append(candidates, nzb)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].EffectivePriority() > candidates[j].EffectivePriority()
	})

	for _, nzb := range candidates {
		for _, fi := range nzb.FileList {
			if fi.Paused || fi.Deleted {
				continue
			}
			for _, art := range fi.Articles {
				if art.Status != queue.ArticleUndefined {
					continue
				}
				art.Status = queue.ArticleRunning
				fi.ActiveDownloads++
				return &Reservation{
					NzbID:     nzb.ID,
					FileID:    fi.ID,
					File:      fi,
					Article:   art,
					DestDir:   nzb.DestDir,
					Groups:    fi.Groups,
					MessageID: art.MessageID,
				}
			}
		}
	}
	return nil
}

// CompleteArticle records the outcome of one article download, updates all
// counters monotonically, persists the partial state and drives file and
// job completion.
func (c *Coordinator) CompleteArticle(res *Reservation, status queue.ArticleStatus, serverID int) {
	c.q.Lock()
	nzb := c.q.Find(res.NzbID)
	if nzb == nil {
		// Job was deleted while the article was in flight.
		if res.Article.Segment != nil {
			c.cache.Free(res.Article.SegmentSize)
			res.Article.Segment = nil
		}
		c.q.Unlock()
		return
	}

	fi := res.File
	art := res.Article
	art.Status = status
	fi.ActiveDownloads--

	// A job being deleted only needs its in-flight articles drained; the
	// editor finalizes it once the last one returns.
	if nzb.Deleting {
		if art.Segment != nil {
			c.cache.Free(art.SegmentSize)
			art.Segment = nil
			fi.CachedArticles--
		}
		drained := activeDownloads(nzb) == 0
		c.q.Unlock()
		if drained && c.OnDeleteDrained != nil {
			c.OnDeleteDrained(nzb)
		}
		return
	}

	switch status {
	case queue.ArticleFinished:
		fi.SuccessArticles++
		fi.SuccessSize += int64(art.SegmentSize)
		nzb.CurrentSuccessSize += int64(art.SegmentSize)
		nzb.CurrentSuccessArticles++
		if fi.ParFile {
			nzb.ParCurrentSuccessSize += int64(art.SegmentSize)
		}
		fi.ServerStatFor(serverID).SuccessArticles++
		nzb.ServerStatFor(serverID).SuccessArticles++
	default:
		art.Status = queue.ArticleFailed
		fi.FailedArticles++
		fi.FailedSize += int64(art.SegmentSize)
		nzb.CurrentFailedSize += int64(art.SegmentSize)
		nzb.CurrentFailedArticles++
		if fi.ParFile {
			nzb.ParCurrentFailedSize += int64(art.SegmentSize)
		}
		fi.ServerStatFor(serverID).FailedArticles++
		nzb.ServerStatFor(serverID).FailedArticles++
	}
	nzb.DownloadedSize += int64(art.SegmentSize)
	nzb.Changed = true
	fi.CompletedArticles++
	fi.PartialState = queue.PartialPartial

	fileDone := fi.PendingArticles() == 0
	// A file deleted mid-flight never assembles; once its last active
	// article returns the job may have nothing left to wait for.
	nzbDone := !fileDone && fi.Deleted && fi.ActiveDownloads == 0 &&
		nzb.IsDownloadCompleted(false)
	destDir := nzb.DestDir
	c.q.Unlock()

	if err := c.store.SaveFileState(fi); err != nil {
		c.log.Warn("Cannot persist partial file state", "file_id", fi.ID, "error", err)
	}

	if fileDone {
		c.completeFile(res.NzbID, fi, destDir)
	} else if nzbDone {
		c.log.Info("Nzb download completed", "nzb_id", res.NzbID)
		c.Publish(Event{Kind: EventNzbDownloaded, NzbID: res.NzbID})
	}
}

// activeDownloads counts in-flight articles across a job's files.
// Caller must hold the queue lock.
func activeDownloads(nzb *queue.NzbInfo) int {
	active := 0
	for _, fi := range nzb.FileList {
		active += fi.ActiveDownloads
	}
	return active
}

// completeFile assembles the output file outside the lock, then moves the
// file record from FileList to CompletedFiles and checks job completion.
func (c *Coordinator) completeFile(nzbID int, fi *queue.FileInfo, destDir string) {
	completed, err := c.assembler.CompleteFileParts(fi, destDir)
	if err != nil {
		c.log.Error("File completion failed", "file_id", fi.ID, "file", fi.Filename, "error", err)
		completed = &queue.CompletedFile{
			ID:       fi.ID,
			Filename: fi.Filename,
			Status:   queue.CompletedFailure,
			ParFile:  fi.ParFile,
			ParSetID: fi.ParSetID,
		}
	} else if err := c.store.SaveCompletedState(fi, completed.CRC); err != nil {
		c.log.Warn("Cannot persist completed file state", "file_id", fi.ID, "error", err)
	}

	c.q.Lock()
	nzb := c.q.Find(nzbID)
	if nzb == nil {
		c.q.Unlock()
		return
	}

	for i, f := range nzb.FileList {
		if f == fi {
			nzb.FileList = append(nzb.FileList[:i], nzb.FileList[i+1:]...)
			break
		}
	}
	nzb.CompletedFiles = append(nzb.CompletedFiles, completed)
	nzb.UpdateCompletedStats(fi)
	nzb.UpdateCurrentStats()
	nzb.Changed = true
	fi.PartialState = queue.PartialCompleted

	// A late destination edit moves files already assembled elsewhere.
	moved := destDir != nzb.DestDir
	nzbDone := nzb.IsDownloadCompleted(false)
	c.q.Unlock()

	if moved {
		if err := c.assembler.MoveCompletedFiles(nzb, destDir); err != nil {
			c.log.Error("Cannot move completed files to edited destination", "nzb_id", nzbID, "error", err)
		}
	}

	c.store.Discard(fmt.Sprintf("%ds", fi.ID))
	c.log.Info("File completed", "file_id", fi.ID, "file", completed.Filename, "status", completed.Status)
	c.Publish(Event{Kind: EventFileDownloaded, NzbID: nzbID, FileID: fi.ID})

	if nzbDone {
		c.log.Info("Nzb download completed", "nzb_id", nzbID)
		c.Publish(Event{Kind: EventNzbDownloaded, NzbID: nzbID})
	}
}

// PickFlushCandidate selects a file for the cache flusher: files with no
// active downloads first, any file with cached bytes when critical.
func (c *Coordinator) PickFlushCandidate(critical bool) *queue.FileInfo {
	c.q.Lock()
	defer c.q.Unlock()

	var fallback *queue.FileInfo
	for _, nzb := range c.q.Items {
		for _, fi := range nzb.FileList {
			if fi.CachedArticles == 0 {
				continue
			}
			if fi.ActiveDownloads == 0 {
				return fi
			}
			if fallback == nil {
				fallback = fi
			}
		}
	}
	if critical {
		return fallback
	}
	return nil
}

// FlushCandidate flushes one file picked by the cache loop.
func (c *Coordinator) FlushCandidate(fi *queue.FileInfo) error {
	return c.assembler.FlushCache(fi)
}
