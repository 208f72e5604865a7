package dupe

import (
	"log/slog"
	"time"

	"github.com/javi11/nzbd/internal/coordinator"
	"github.com/javi11/nzbd/internal/queue"
	"github.com/spf13/afero"
)

// Coordinator decides at ingest whether a job is skipped, queued or parked
// as a backup, and promotes the best backup from history when the preferred
// duplicate fails.
type Coordinator struct {
	q   *queue.Queue
	qc  *coordinator.Coordinator
	fs  afero.Fs
	log *slog.Logger
}

// New creates the duplicate coordinator sharing the guarded queue.
func New(q *queue.Queue, qc *coordinator.Coordinator, fs afero.Fs) *Coordinator {
	return &Coordinator{
		q:   q,
		qc:  qc,
		fs:  fs,
		log: slog.Default().With("component", "dupe-coordinator"),
	}
}

// Verdict is the admit decision for one incoming job.
type Verdict int

const (
	// VerdictQueue admits the job to the download queue.
	VerdictQueue Verdict = iota
	// VerdictDiscard rejects the job outright; it is not queued and leaves
	// no history record.
	VerdictDiscard
	// VerdictBackup parks the job in history as a dupe backup.
	VerdictBackup
)

// sameContent compares content hashes, ignoring unset ones: url
// placeholders and subject-keyed jobs carry zero hashes, which never match.
func sameContent(a, b *queue.NzbInfo) bool {
	return (b.FullContentHash != 0 && a.FullContentHash == b.FullContentHash) ||
		(b.FilteredContentHash != 0 && a.FilteredContentHash == b.FilteredContentHash)
}

// Admit applies the ingest policy after parsing and before the job becomes
// visible to download workers. It may also demote an already queued
// duplicate to a backup.
func (c *Coordinator) Admit(nzb *queue.NzbInfo) Verdict {
	c.q.Lock()
	defer c.q.Unlock()

	// Exact content match against the queue always rejects, regardless of
	// dupe mode: the same article set is already being downloaded.
	for _, other := range c.q.Items {
		if sameContent(other, nzb) {
			nzb.DeleteStatus = queue.DeleteManual
			nzb.Deleted = true
			c.deleteQueuedFile(nzb)
			c.log.Warn("Skipping nzb, identical content already queued",
				"name", nzb.Name, "queued", other.Name)
			return VerdictDiscard
		}
	}

	// Inherit dupe identity from a same-name item when the incoming job
	// carries neither key nor score.
	if nzb.DupeKey == "" && nzb.DupeScore == 0 {
		c.inheritDupeIdentity(nzb)
	}

	if nzb.DupeMode == queue.DupeForce {
		return VerdictQueue
	}

	// History scan: hard skips first.
	for _, h := range c.q.History {
		switch h.Kind {
		case queue.HistoryNzb:
			other := h.Nzb
			if sameContent(other, nzb) {
				nzb.DeleteStatus = queue.DeleteCopy
				nzb.Deleted = true
				c.deleteQueuedFile(nzb)
				c.log.Warn("Skipping nzb, identical content already in history", "name", nzb.Name)
				return VerdictDiscard
			}
			if other.DupeMode != queue.DupeForce && sameNameOrKey(nzb, otherIdentity(other)) &&
				other.MarkStatus == queue.MarkGood {
				nzb.DeleteStatus = queue.DeleteGood
				nzb.Deleted = true
				c.deleteQueuedFile(nzb)
				c.log.Warn("Skipping nzb, duplicate already marked good", "name", nzb.Name)
				return VerdictDiscard
			}
		case queue.HistoryDup:
			d := h.Dup
			if d.DupeMode == queue.DupeForce {
				continue
			}
			if nzb.DupeMode == queue.DupeScore && sameNameOrKey(nzb, identity{d.Name, d.DupeKey}) &&
				(d.Status == queue.DupSuccess || d.Status == queue.DupGood) &&
				d.DupeScore >= nzb.DupeScore {
				nzb.DeleteStatus = queue.DeleteGood
				nzb.Deleted = true
				c.deleteQueuedFile(nzb)
				c.log.Warn("Skipping nzb, better duplicate in dup history", "name", nzb.Name)
				return VerdictDiscard
			}
		}
	}

	// A successful history duplicate with at least our score turns the
	// incoming job into a backup.
	if nzb.DupeMode == queue.DupeScore || nzb.DupeMode == queue.DupeAll {
		for _, h := range c.q.History {
			if h.Kind != queue.HistoryNzb {
				continue
			}
			other := h.Nzb
			if other.DupeMode == queue.DupeForce || !sameNameOrKey(nzb, otherIdentity(other)) {
				continue
			}
			if !other.IsDupeSuccess() {
				continue
			}
			if nzb.DupeMode == queue.DupeAll || other.DupeScore >= nzb.DupeScore {
				nzb.DeleteStatus = queue.DeleteDupe
				nzb.Deleted = true
				c.log.Info("Parking nzb as dupe backup of history item",
					"name", nzb.Name, "history", other.Name)
				return VerdictBackup
			}
		}
	}

	// Against the live queue: the lower score becomes the backup.
	if nzb.DupeMode == queue.DupeScore {
		for _, other := range c.q.Items {
			if other.DupeMode == queue.DupeForce || !sameNameOrKey(nzb, otherIdentity(other)) {
				continue
			}
			if nzb.DupeScore <= other.DupeScore {
				nzb.DeleteStatus = queue.DeleteDupe
				nzb.Deleted = true
				c.log.Info("Parking nzb as dupe backup of queued item",
					"name", nzb.Name, "queued", other.Name)
				return VerdictBackup
			}
			// The incoming job wins; demote the queued one.
			other.DeleteStatus = queue.DeleteDupe
			other.Deleted = true
			c.q.Remove(other)
			c.q.AddHistory(&queue.HistoryInfo{Kind: queue.HistoryNzb, Time: time.Now(), Nzb: other})
			c.log.Info("Demoted queued item to dupe backup",
				"name", other.Name, "incoming", nzb.Name)
			break
		}
	} else if nzb.DupeMode == queue.DupeAll {
		for _, other := range c.q.Items {
			if other.DupeMode != queue.DupeForce && sameNameOrKey(nzb, otherIdentity(other)) {
				nzb.DeleteStatus = queue.DeleteDupe
				nzb.Deleted = true
				return VerdictBackup
			}
		}
	}

	return VerdictQueue
}

// ParkBackup records a backup verdict in history. Caller must hold no lock.
func (c *Coordinator) ParkBackup(nzb *queue.NzbInfo) {
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
	c.q.AddHistory(&queue.HistoryInfo{Kind: queue.HistoryNzb, Time: time.Now(), Nzb: nzb})
	c.q.Unlock()
}

// OnCompleted is called by the post-processor when a job finishes. A failed
// job in score mode pulls the best backup back into the queue.
func (c *Coordinator) OnCompleted(nzb *queue.NzbInfo) {
	if nzb.DupeMode != queue.DupeScore {
		return
	}
	if nzb.IsDupeSuccess() {
		return
	}
	c.ReturnBestDupe(nzb.Name, nzb.DupeKey)
}

// ReturnBestDupe re-admits the highest-scoring acceptable backup from
// history for the given name-or-key, if it beats every alive queue
// duplicate and every successful history duplicate.
func (c *Coordinator) ReturnBestDupe(name, dupeKey string) {
	c.q.Lock()

	target := identity{name, dupeKey}
	var best *queue.HistoryInfo

	for _, h := range c.q.History {
		if h.Kind != queue.HistoryNzb {
			continue
		}
		n := h.Nzb
		if n.DeleteStatus != queue.DeleteDupe || n.MarkStatus == queue.MarkBad {
			continue
		}
		if n.DupeMode == queue.DupeForce || !sameNameOrKeyIdent(target, otherIdentity(n)) {
			continue
		}
		if n.CalcHealth() < n.CalcCriticalHealth(true) {
			continue
		}
		if best == nil || n.DupeScore > best.Nzb.DupeScore {
			best = h
		}
	}

	if best == nil {
		c.q.Unlock()
		return
	}

	// The candidate must beat alive queue duplicates and successful
	// history duplicates.
	for _, other := range c.q.Items {
		if other.DupeMode != queue.DupeForce && sameNameOrKeyIdent(target, otherIdentity(other)) &&
			other.DupeScore >= best.Nzb.DupeScore {
			c.q.Unlock()
			return
		}
	}
	for _, h := range c.q.History {
		if h.Kind != queue.HistoryNzb || h == best {
			continue
		}
		n := h.Nzb
		if n.DupeMode != queue.DupeForce && sameNameOrKeyIdent(target, otherIdentity(n)) &&
			n.IsDupeSuccess() && n.DupeScore >= best.Nzb.DupeScore {
			c.q.Unlock()
			return
		}
	}

	nzb := best.Nzb
	c.q.RemoveHistory(best)
	resetForRedownload(nzb)
	c.q.AddBack(nzb)
	c.q.Unlock()

	c.log.Info("Returned dupe backup to queue", "name", nzb.Name, "score", nzb.DupeScore)
	c.qc.Publish(coordinator.Event{Kind: coordinator.EventNzbAdded, NzbID: nzb.ID})
}

// MarkGood marks a history job good and collapses every backup for the same
// key into compact DupInfo records hidden from the main history.
func (c *Coordinator) MarkGood(historyID int) {
	c.q.Lock()
	h := c.q.FindHistory(historyID)
	if h == nil || h.Kind != queue.HistoryNzb {
		c.q.Unlock()
		return
	}
	h.Nzb.MarkStatus = queue.MarkGood
	target := otherIdentity(h.Nzb)

	for _, other := range c.q.History {
		if other == h || other.Kind != queue.HistoryNzb {
			continue
		}
		n := other.Nzb
		if n.DeleteStatus != queue.DeleteDupe || n.DupeMode == queue.DupeForce {
			continue
		}
		if !sameNameOrKeyIdent(target, otherIdentity(n)) {
			continue
		}
		other.Kind = queue.HistoryDup
		other.Dup = &queue.DupInfo{
			ID:           n.ID,
			Name:         n.Name,
			DupeKey:      n.DupeKey,
			DupeScore:    n.DupeScore,
			DupeMode:     n.DupeMode,
			Size:         n.Size,
			FullHash:     n.FullContentHash,
			FilteredHash: n.FilteredContentHash,
			Status:       queue.DupDupe,
		}
		other.Nzb = nil
	}
	nzbID := h.Nzb.ID
	c.q.Unlock()

	c.log.Info("Marked history item good, backups collapsed", "id", nzbID)
	c.qc.Publish(coordinator.Event{Kind: coordinator.EventNzbMarked, NzbID: nzbID})
}

// MarkBad marks a history job bad and triggers redownload of the best
// backup.
func (c *Coordinator) MarkBad(historyID int) {
	c.q.Lock()
	h := c.q.FindHistory(historyID)
	if h == nil || h.Kind != queue.HistoryNzb {
		c.q.Unlock()
		return
	}
	h.Nzb.MarkStatus = queue.MarkBad
	name, key, nzbID := h.Nzb.Name, h.Nzb.DupeKey, h.Nzb.ID
	c.q.Unlock()

	c.log.Info("Marked history item bad", "id", nzbID)
	c.qc.Publish(coordinator.Event{Kind: coordinator.EventNzbMarked, NzbID: nzbID})
	c.ReturnBestDupe(name, key)
}

// inheritDupeIdentity copies key and score from an existing same-name item.
// Caller holds the queue lock.
func (c *Coordinator) inheritDupeIdentity(nzb *queue.NzbInfo) {
	for _, other := range c.q.Items {
		if other.Name == nzb.Name && (other.DupeKey != "" || other.DupeScore != 0) {
			nzb.DupeKey = other.DupeKey
			nzb.DupeScore = other.DupeScore
			return
		}
	}
	for _, h := range c.q.History {
		if h.Kind != queue.HistoryNzb {
			continue
		}
		if h.Nzb.Name == nzb.Name && (h.Nzb.DupeKey != "" || h.Nzb.DupeScore != 0) {
			nzb.DupeKey = h.Nzb.DupeKey
			nzb.DupeScore = h.Nzb.DupeScore
			return
		}
	}
}

func (c *Coordinator) deleteQueuedFile(nzb *queue.NzbInfo) {
	if nzb.QueuedFilename == "" {
		return
	}
	if err := c.fs.Remove(nzb.QueuedFilename); err != nil {
		c.log.Warn("Cannot delete admitted nzb file", "file", nzb.QueuedFilename, "error", err)
	}
}

func resetForRedownload(n *queue.NzbInfo) {
	n.DeleteStatus = queue.DeleteNone
	n.Deleted = false
	n.Deleting = false
	n.ParStatus = queue.ParNone
	n.UnpackStatus = queue.UnpackNone
	n.MoveStatus = queue.MoveNone
	n.ParRenameStatus = queue.RenameNone
	n.RarRenameStatus = queue.RenameNone
	n.MarkStatus = queue.MarkNone
	for _, fi := range n.FileList {
		fi.Paused = false
		fi.Deleted = false
	}
	n.Changed = true
}

type identity struct {
	name string
	key  string
}

func otherIdentity(n *queue.NzbInfo) identity {
	return identity{n.Name, n.DupeKey}
}

// sameNameOrKey: when both items carry non-empty dupe keys the keys decide;
// otherwise the names do.
func sameNameOrKey(n *queue.NzbInfo, other identity) bool {
	return sameNameOrKeyIdent(identity{n.Name, n.DupeKey}, other)
}

func sameNameOrKeyIdent(a, b identity) bool {
	if a.key != "" && b.key != "" {
		return a.key == b.key
	}
	return a.name == b.name
}
