package diskstate

import (
	"fmt"
	"strings"
	"time"

	"github.com/javi11/nzbd/internal/queue"
)

// State file names inside the queue directory.
const (
	FileQueue    = "queue"
	FileHistory  = "history"
	FileProgress = "progress"
	FileFiles    = "files"
	FileFeeds    = "feeds"
	FileStats    = "stats"
	FileACache   = "acache"
)

// SaveQueue writes the full live queue and resets the delta overlay.
// Caller must hold the queue lock.
func (s *Store) SaveQueue(q *queue.Queue) error {
	err := s.saveFile(FileQueue, func(w *writer) error {
		w.linef("%d", len(q.Items))
		for _, nzb := range q.Items {
			writeNzbInfo(w, nzb)
		}
		return w.err
	})
	if err != nil {
		return err
	}
	q.ClearChanged()
	s.Discard(FileProgress)
	return nil
}

// LoadQueue reads the queue file and merges the progress overlay on top.
func (s *Store) LoadQueue(q *queue.Queue) error {
	f, r, err := s.openFile(FileQueue)
	if err != nil {
		return err
	}
	defer f.Close()

	count := r.intVal()
	for i := 0; i < count; i++ {
		nzb := readNzbInfo(r)
		if r.Err() != nil {
			return fmt.Errorf("load queue entry %d: %w", i, r.Err())
		}
		q.Items = append(q.Items, nzb)
	}

	s.mergeProgress(q)
	return nil
}

// SaveProgress writes the delta overlay: only jobs whose changed flag is set
// since the last full save.
func (s *Store) SaveProgress(q *queue.Queue) error {
	changed := q.ChangedItems()
	if len(changed) == 0 {
		return nil
	}
	return s.saveFile(FileProgress, func(w *writer) error {
		w.linef("%d", len(changed))
		for _, nzb := range changed {
			writeNzbInfo(w, nzb)
		}
		return w.err
	})
}

// mergeProgress overlays the delta file onto already-loaded queue entries.
// A missing progress file is normal.
func (s *Store) mergeProgress(q *queue.Queue) {
	if !s.Exists(FileProgress) {
		return
	}
	f, r, err := s.openFile(FileProgress)
	if err != nil {
		s.log.Warn("Discarding unreadable progress overlay", "error", err)
		s.Discard(FileProgress)
		return
	}
	defer f.Close()

	count := r.intVal()
	for i := 0; i < count; i++ {
		nzb := readNzbInfo(r)
		if r.Err() != nil {
			s.log.Warn("Discarding truncated progress overlay", "error", r.Err())
			return
		}
		for j, existing := range q.Items {
			if existing.ID == nzb.ID {
				q.Items[j] = nzb
				break
			}
		}
	}
}

// SaveHistory writes all terminated jobs, most recent first.
func (s *Store) SaveHistory(q *queue.Queue) error {
	return s.saveFile(FileHistory, func(w *writer) error {
		w.linef("%d", len(q.History))
		for _, h := range q.History {
			w.linef("%d,%d", int(h.Kind), h.Time.Unix())
			switch h.Kind {
			case queue.HistoryNzb:
				writeNzbInfo(w, h.Nzb)
			case queue.HistoryURL:
				writeUrlInfo(w, h.URL)
			case queue.HistoryDup:
				writeDupInfo(w, h.Dup)
			}
		}
		return w.err
	})
}

// LoadHistory reads the history file.
func (s *Store) LoadHistory(q *queue.Queue) error {
	f, r, err := s.openFile(FileHistory)
	if err != nil {
		return err
	}
	defer f.Close()

	count := r.intVal()
	for i := 0; i < count; i++ {
		head := r.ints(2)
		hist := &queue.HistoryInfo{
			Kind: queue.HistoryKind(head[0]),
			Time: time.Unix(int64(head[1]), 0),
		}
		switch hist.Kind {
		case queue.HistoryNzb:
			hist.Nzb = readNzbInfo(r)
		case queue.HistoryURL:
			hist.URL = readUrlInfo(r)
		case queue.HistoryDup:
			hist.Dup = readDupInfo(r)
		}
		if r.Err() != nil {
			return fmt.Errorf("load history entry %d: %w", i, r.Err())
		}
		q.History = append(q.History, hist)
	}
	return nil
}

func writeNzbInfo(w *writer, n *queue.NzbInfo) {
	w.linef("%d,%d,%d", n.ID, int(n.Kind), n.FeedID)
	w.linef("%s", n.URL)
	w.linef("%s", n.Name)
	w.linef("%s", n.Filename)
	w.linef("%s", n.QueuedFilename)
	w.linef("%s", n.DestDir)
	w.linef("%s", n.FinalDir)
	w.linef("%s", n.Category)
	w.linef("%d,%d", n.Priority, w.boolVal(n.ExtraPriority))
	w.linef("%s", n.DupeKey)
	w.linef("%d,%d", n.DupeScore, int(n.DupeMode))
	w.linef("%s", n.DupeHint)
	w.linef("%d,%d", n.FullContentHash, n.FilteredContentHash)
	w.int64Pair(n.Size)
	w.int64Pair(n.SuccessSize)
	w.int64Pair(n.FailedSize)
	w.int64Pair(n.ParSize)
	w.int64Pair(n.ParSuccessSize)
	w.int64Pair(n.ParFailedSize)
	w.int64Pair(n.DownloadedSize)
	w.linef("%d,%d,%d", n.TotalArticles, n.SuccessArticles, n.FailedArticles)
	w.linef("%d,%d", n.MinTime.Unix(), n.MaxTime.Unix())
	w.linef("%d,%d,%d,%d,%d", n.DownloadSec, n.PostSec, n.ParSec, n.RepairSec, n.UnpackSec)
	w.linef("%d,%d,%d,%d,%d,%d,%d,%d,%d",
		int(n.ParStatus), int(n.UnpackStatus), int(n.MoveStatus),
		int(n.ParRenameStatus), int(n.RarRenameStatus), int(n.DirectRenameStatus),
		int(n.DeleteStatus), int(n.MarkStatus), int(n.URLStatus))
	w.linef("%d,%d,%d,%d,%d,%d,%d,%d,%d",
		w.boolVal(n.Deleted), w.boolVal(n.AvoidHistory), w.boolVal(n.HealthPaused),
		w.boolVal(n.AddURLPaused), w.boolVal(n.ManyDupeFiles), w.boolVal(n.Parking),
		w.boolVal(n.ParFull), w.boolVal(n.UnpackCleanedUpDisk), n.ExtraParBlocks)

	w.linef("%d", len(n.Parameters))
	for _, p := range n.Parameters {
		w.linef("%s=%s", p.Name, p.Value)
	}

	w.linef("%d", len(n.ScriptStatuses))
	for _, sc := range n.ScriptStatuses {
		w.linef("%d,%s", int(sc.Status), sc.Name)
	}

	w.linef("%d", len(n.ServerStats))
	for _, st := range n.ServerStats {
		w.linef("%d,%d,%d", st.ServerID, st.SuccessArticles, st.FailedArticles)
	}

	w.linef("%d", len(n.CompletedFiles))
	for _, cf := range n.CompletedFiles {
		w.linef("%d,%d,%d,%d", cf.ID, int(cf.Status), cf.CRC, w.boolVal(cf.ParFile))
		w.linef("%s", cf.Filename)
		w.linef("%s", cf.Origname)
		w.linef("%s", cf.Hash16k)
		w.linef("%s", cf.ParSetID)
	}

	w.linef("%d", len(n.FileList))
	for _, fi := range n.FileList {
		w.linef("%d,%d", fi.ID, w.boolVal(fi.Paused))
	}
}

func readNzbInfo(r *reader) *queue.NzbInfo {
	n := queue.NewNzbInfo()
	head := r.ints(3)
	n.ID, n.Kind, n.FeedID = head[0], queue.Kind(head[1]), head[2]
	n.URL = r.line()
	n.Name = r.line()
	n.Filename = r.line()
	n.QueuedFilename = r.line()
	n.DestDir = r.line()
	n.FinalDir = r.line()
	n.Category = r.line()
	prio := r.ints(2)
	n.Priority, n.ExtraPriority = prio[0], prio[1] != 0
	n.DupeKey = r.line()
	dupe := r.ints(2)
	n.DupeScore, n.DupeMode = dupe[0], queue.DupeMode(dupe[1])
	n.DupeHint = r.line()
	hashes := r.ints(2)
	n.FullContentHash, n.FilteredContentHash = uint32(hashes[0]), uint32(hashes[1])
	n.Size = r.int64Pair()
	n.SuccessSize = r.int64Pair()
	n.FailedSize = r.int64Pair()
	n.ParSize = r.int64Pair()
	n.ParSuccessSize = r.int64Pair()
	n.ParFailedSize = r.int64Pair()
	n.DownloadedSize = r.int64Pair()
	arts := r.ints(3)
	n.TotalArticles, n.SuccessArticles, n.FailedArticles = arts[0], arts[1], arts[2]
	times := r.ints(2)
	n.MinTime, n.MaxTime = time.Unix(int64(times[0]), 0), time.Unix(int64(times[1]), 0)
	secs := r.ints(5)
	n.DownloadSec, n.PostSec, n.ParSec, n.RepairSec, n.UnpackSec = secs[0], secs[1], secs[2], secs[3], secs[4]
	st := r.ints(9)
	n.ParStatus = queue.ParStatus(st[0])
	n.UnpackStatus = queue.UnpackStatus(st[1])
	n.MoveStatus = queue.MoveStatus(st[2])
	n.ParRenameStatus = queue.RenameStatus(st[3])
	n.RarRenameStatus = queue.RenameStatus(st[4])
	n.DirectRenameStatus = queue.DirectRenameStatus(st[5])
	n.DeleteStatus = queue.DeleteStatus(st[6])
	n.MarkStatus = queue.MarkStatus(st[7])
	n.URLStatus = queue.URLStatus(st[8])
	flags := r.ints(9)
	n.Deleted = flags[0] != 0
	n.AvoidHistory = flags[1] != 0
	n.HealthPaused = flags[2] != 0
	n.AddURLPaused = flags[3] != 0
	n.ManyDupeFiles = flags[4] != 0
	n.Parking = flags[5] != 0
	n.ParFull = flags[6] != 0
	n.UnpackCleanedUpDisk = flags[7] != 0
	n.ExtraParBlocks = flags[8]

	paramCount := r.intVal()
	for i := 0; i < paramCount; i++ {
		line := r.line()
		if eq := strings.IndexByte(line, '='); eq >= 0 {
			n.Parameters = append(n.Parameters, queue.Parameter{Name: line[:eq], Value: line[eq+1:]})
		}
	}

	scriptCount := r.intVal()
	for i := 0; i < scriptCount; i++ {
		line := r.line()
		if comma := strings.IndexByte(line, ','); comma >= 0 {
			status := 0
			fmt.Sscanf(line[:comma], "%d", &status)
			n.ScriptStatuses = append(n.ScriptStatuses, queue.ScriptStatusEntry{
				Name:   line[comma+1:],
				Status: queue.ScriptStatus(status),
			})
		}
	}

	statCount := r.intVal()
	for i := 0; i < statCount; i++ {
		vals := r.ints(3)
		n.ServerStats = append(n.ServerStats, queue.ServerStat{
			ServerID:        vals[0],
			SuccessArticles: vals[1],
			FailedArticles:  vals[2],
		})
	}

	completedCount := r.intVal()
	for i := 0; i < completedCount; i++ {
		vals := r.ints(4)
		cf := &queue.CompletedFile{
			ID:      vals[0],
			Status:  queue.CompletedStatus(vals[1]),
			CRC:     uint32(vals[2]),
			ParFile: vals[3] != 0,
		}
		cf.Filename = r.line()
		cf.Origname = r.line()
		cf.Hash16k = r.line()
		cf.ParSetID = r.line()
		n.CompletedFiles = append(n.CompletedFiles, cf)
	}

	fileCount := r.intVal()
	for i := 0; i < fileCount; i++ {
		vals := r.ints(2)
		fi := &queue.FileInfo{ID: vals[0], NzbID: n.ID, Paused: vals[1] != 0}
		n.FileList = append(n.FileList, fi)
	}

	n.UpdateCurrentStats()
	return n
}

func writeUrlInfo(w *writer, u *queue.UrlInfo) {
	w.linef("%d,%d,%d", u.ID, u.Priority, int(u.Status))
	w.linef("%s", u.Name)
	w.linef("%s", u.URL)
	w.linef("%s", u.Category)
}

func readUrlInfo(r *reader) *queue.UrlInfo {
	vals := r.ints(3)
	return &queue.UrlInfo{
		ID:       vals[0],
		Priority: vals[1],
		Status:   queue.URLStatus(vals[2]),
		Name:     r.line(),
		URL:      r.line(),
		Category: r.line(),
	}
}

func writeDupInfo(w *writer, d *queue.DupInfo) {
	w.linef("%d,%d,%d,%d", d.ID, d.DupeScore, int(d.DupeMode), int(d.Status))
	w.linef("%d,%d", d.FullHash, d.FilteredHash)
	w.int64Pair(d.Size)
	w.linef("%s", d.Name)
	w.linef("%s", d.DupeKey)
}

func readDupInfo(r *reader) *queue.DupInfo {
	vals := r.ints(4)
	d := &queue.DupInfo{
		ID:        vals[0],
		DupeScore: vals[1],
		DupeMode:  queue.DupeMode(vals[2]),
		Status:    queue.DupStatus(vals[3]),
	}
	hashes := r.ints(2)
	d.FullHash, d.FilteredHash = uint32(hashes[0]), uint32(hashes[1])
	d.Size = r.int64Pair()
	d.Name = r.line()
	d.DupeKey = r.line()
	return d
}
