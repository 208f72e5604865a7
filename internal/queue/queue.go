package queue

import (
	"fmt"
	"sync"
	"time"
)

// Queue owns the ordered download list and the history (most recent first).
// All queue-reachable state is guarded by a single mutex; callers take the
// guard with Lock/Unlock around the smallest enclosing operation and do long
// running work (I/O, scripts, repair) outside of it on copies.
type Queue struct {
	mu sync.Mutex

	Items   []*NzbInfo
	History []*HistoryInfo

	nextNzbID  int
	nextFileID int
}

// NewQueue returns an empty queue with id generators starting at 1.
func NewQueue() *Queue {
	return &Queue{}
}

// Lock takes the download-queue guard.
func (q *Queue) Lock() { q.mu.Lock() }

// Unlock releases the download-queue guard.
func (q *Queue) Unlock() { q.mu.Unlock() }

// NextNzbID assigns a fresh job id. Caller must hold the lock.
func (q *Queue) NextNzbID() int {
	q.nextNzbID++
	return q.nextNzbID
}

// NextFileID assigns a fresh file id. Caller must hold the lock.
func (q *Queue) NextFileID() int {
	q.nextFileID++
	return q.nextFileID
}

// EnsureIDsAbove raises the id generators after a state load so ids are
// never reused within a persisted state.
func (q *Queue) EnsureIDsAbove(maxNzbID, maxFileID int) {
	if maxNzbID > q.nextNzbID {
		q.nextNzbID = maxNzbID
	}
	if maxFileID > q.nextFileID {
		q.nextFileID = maxFileID
	}
}

// AddBack appends a job to the queue tail. Caller must hold the lock.
func (q *Queue) AddBack(nzb *NzbInfo) {
	q.Items = append(q.Items, nzb)
	nzb.Changed = true
}

// AddFront inserts a job at the queue head. Caller must hold the lock.
func (q *Queue) AddFront(nzb *NzbInfo) {
	q.Items = append([]*NzbInfo{nzb}, q.Items...)
	nzb.Changed = true
}

// Remove drops a job from the queue without touching history.
func (q *Queue) Remove(nzb *NzbInfo) bool {
	for i, n := range q.Items {
		if n == nzb {
			q.Items = append(q.Items[:i], q.Items[i+1:]...)
			return true
		}
	}
	return false
}

// Find returns the queued job with the given id, or nil.
func (q *Queue) Find(id int) *NzbInfo {
	for _, n := range q.Items {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// IndexOf returns the queue position of a job, or -1.
func (q *Queue) IndexOf(nzb *NzbInfo) int {
	for i, n := range q.Items {
		if n == nzb {
			return i
		}
	}
	return -1
}

// Move relocates a job to a new index, clamped to the queue bounds.
func (q *Queue) Move(id int, newIndex int) error {
	nzb := q.Find(id)
	if nzb == nil {
		return fmt.Errorf("nzb %d not found in queue", id)
	}
	old := q.IndexOf(nzb)
	q.Items = append(q.Items[:old], q.Items[old+1:]...)
	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex > len(q.Items) {
		newIndex = len(q.Items)
	}
	q.Items = append(q.Items[:newIndex], append([]*NzbInfo{nzb}, q.Items[newIndex:]...)...)
	nzb.Changed = true
	return nil
}

// Merge moves src's files into dst, appends src's completed files and
// adjusts counters, then discards src from the queue. File ids survive.
func (q *Queue) Merge(srcID, dstID int) error {
	src := q.Find(srcID)
	dst := q.Find(dstID)
	if src == nil || dst == nil {
		return fmt.Errorf("merge: nzb %d or %d not found in queue", srcID, dstID)
	}
	if src == dst {
		return fmt.Errorf("merge: cannot merge nzb %d into itself", srcID)
	}

	for _, fi := range src.FileList {
		fi.NzbID = dst.ID
		dst.FileList = append(dst.FileList, fi)
	}
	dst.CompletedFiles = append(dst.CompletedFiles, src.CompletedFiles...)

	dst.Size += src.Size
	dst.SuccessSize += src.SuccessSize
	dst.FailedSize += src.FailedSize
	dst.ParSize += src.ParSize
	dst.ParSuccessSize += src.ParSuccessSize
	dst.ParFailedSize += src.ParFailedSize
	dst.DownloadedSize += src.DownloadedSize
	dst.TotalArticles += src.TotalArticles
	dst.SuccessArticles += src.SuccessArticles
	dst.FailedArticles += src.FailedArticles
	dst.UpdateCurrentStats()

	for _, stat := range src.ServerStats {
		s := dst.ServerStatFor(stat.ServerID)
		s.SuccessArticles += stat.SuccessArticles
		s.FailedArticles += stat.FailedArticles
	}

	src.FileList = nil
	src.CompletedFiles = nil
	q.Remove(src)
	dst.Changed = true
	return nil
}

// Park moves a terminated job to the history head.
func (q *Queue) Park(nzb *NzbInfo, t time.Time) *HistoryInfo {
	q.Remove(nzb)
	nzb.PostInfo = nil
	hist := &HistoryInfo{Kind: HistoryNzb, Time: t, Nzb: nzb}
	q.History = append([]*HistoryInfo{hist}, q.History...)
	nzb.Changed = true
	return hist
}

// AddHistory inserts an arbitrary history record at the head.
func (q *Queue) AddHistory(hist *HistoryInfo) {
	q.History = append([]*HistoryInfo{hist}, q.History...)
}

// FindHistory returns the history record with the given id, or nil.
func (q *Queue) FindHistory(id int) *HistoryInfo {
	for _, h := range q.History {
		if h.ID() == id {
			return h
		}
	}
	return nil
}

// RemoveHistory drops a record from history.
func (q *Queue) RemoveHistory(hist *HistoryInfo) bool {
	for i, h := range q.History {
		if h == hist {
			q.History = append(q.History[:i], q.History[i+1:]...)
			return true
		}
	}
	return false
}

// ChangedItems returns jobs mutated since the last full save.
func (q *Queue) ChangedItems() []*NzbInfo {
	var changed []*NzbInfo
	for _, n := range q.Items {
		if n.Changed {
			changed = append(changed, n)
		}
	}
	return changed
}

// ClearChanged resets the delta flags after a full save.
func (q *Queue) ClearChanged() {
	for _, n := range q.Items {
		n.Changed = false
	}
}

// MaxIDs scans queue and history for the largest ids in use.
func (q *Queue) MaxIDs() (maxNzbID, maxFileID int) {
	scan := func(n *NzbInfo) {
		if n.ID > maxNzbID {
			maxNzbID = n.ID
		}
		for _, fi := range n.FileList {
			if fi.ID > maxFileID {
				maxFileID = fi.ID
			}
		}
		for _, cf := range n.CompletedFiles {
			if cf.ID > maxFileID {
				maxFileID = cf.ID
			}
		}
	}
	for _, n := range q.Items {
		scan(n)
	}
	for _, h := range q.History {
		if h.Kind == HistoryNzb {
			scan(h.Nzb)
		} else if h.ID() > maxNzbID {
			maxNzbID = h.ID()
		}
	}
	return maxNzbID, maxFileID
}
