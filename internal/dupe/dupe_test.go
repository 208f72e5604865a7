package dupe

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbd/internal/cache"
	"github.com/javi11/nzbd/internal/coordinator"
	"github.com/javi11/nzbd/internal/diskstate"
	"github.com/javi11/nzbd/internal/queue"
	"github.com/javi11/nzbd/internal/writer"
)

func newDupeRig(t *testing.T) (*Coordinator, *queue.Queue) {
	t.Helper()
	fs := afero.NewMemMapFs()
	q := queue.NewQueue()
	store := diskstate.NewStore(fs, "/queue", false)
	c := cache.New(0, nil)
	qc := coordinator.New(q, store, c, writer.NewAssembler(fs, c, writer.Options{}))
	return New(q, qc, fs), q
}

func dupeJob(q *queue.Queue, name, key string, score int, mode queue.DupeMode) *queue.NzbInfo {
	n := queue.NewNzbInfo()
	n.ID = q.NextNzbID()
	n.Name = name
	n.DupeKey = key
	n.DupeScore = score
	n.DupeMode = mode
	n.Size = 1000
	return n
}

func historyEntry(n *queue.NzbInfo) *queue.HistoryInfo {
	return &queue.HistoryInfo{Kind: queue.HistoryNzb, Time: time.Now(), Nzb: n}
}

func TestAdmit_IdenticalContentInQueue(t *testing.T) {
	d, q := newDupeRig(t)
	queued := dupeJob(q, "show.s01e01", "", 0, queue.DupeScore)
	queued.FullContentHash = 0xabc
	q.AddBack(queued)

	incoming := dupeJob(q, "other.name", "", 0, queue.DupeScore)
	incoming.FullContentHash = 0xabc

	assert.Equal(t, VerdictDiscard, d.Admit(incoming))
	assert.Equal(t, queue.DeleteManual, incoming.DeleteStatus)
	assert.True(t, incoming.Deleted)
}

func TestAdmit_ForceModeAlwaysQueues(t *testing.T) {
	d, q := newDupeRig(t)
	q.AddHistory(historyEntry(dupeJob(q, "show", "k", 50, queue.DupeScore)))

	incoming := dupeJob(q, "show", "k", 10, queue.DupeForce)
	assert.Equal(t, VerdictQueue, d.Admit(incoming))
}

func TestAdmit_GoodHistoryDuplicateSkips(t *testing.T) {
	d, q := newDupeRig(t)
	good := dupeJob(q, "show", "k", 50, queue.DupeScore)
	good.MarkStatus = queue.MarkGood
	q.AddHistory(historyEntry(good))

	incoming := dupeJob(q, "show", "k", 90, queue.DupeScore)
	assert.Equal(t, VerdictDiscard, d.Admit(incoming))
	assert.Equal(t, queue.DeleteGood, incoming.DeleteStatus)
}

func TestAdmit_SuccessfulHistoryDuplicateBecomesBackup(t *testing.T) {
	d, q := newDupeRig(t)
	done := dupeJob(q, "show", "k", 50, queue.DupeScore)
	q.AddHistory(historyEntry(done))

	incoming := dupeJob(q, "show", "k", 30, queue.DupeScore)
	assert.Equal(t, VerdictBackup, d.Admit(incoming))
	assert.Equal(t, queue.DeleteDupe, incoming.DeleteStatus)

	// Higher score than the finished item still downloads.
	better := dupeJob(q, "show", "k", 90, queue.DupeScore)
	assert.Equal(t, VerdictQueue, d.Admit(better))
}

func TestAdmit_LowerScoreAgainstQueueParks(t *testing.T) {
	d, q := newDupeRig(t)
	queued := dupeJob(q, "show", "k", 50, queue.DupeScore)
	q.AddBack(queued)

	incoming := dupeJob(q, "show", "k", 40, queue.DupeScore)
	assert.Equal(t, VerdictBackup, d.Admit(incoming))

	// The queued item stays untouched.
	assert.Len(t, q.Items, 1)
	assert.False(t, queued.Deleted)
}

func TestAdmit_HigherScoreDemotesQueuedItem(t *testing.T) {
	d, q := newDupeRig(t)
	queued := dupeJob(q, "show", "k", 40, queue.DupeScore)
	q.AddBack(queued)

	incoming := dupeJob(q, "show", "k", 60, queue.DupeScore)
	assert.Equal(t, VerdictQueue, d.Admit(incoming))

	assert.Empty(t, q.Items)
	require.Len(t, q.History, 1)
	assert.Same(t, queued, q.History[0].Nzb)
	assert.Equal(t, queue.DeleteDupe, queued.DeleteStatus)
}

func TestAdmit_InheritsDupeIdentity(t *testing.T) {
	d, q := newDupeRig(t)
	existing := dupeJob(q, "show", "inherited-key", 33, queue.DupeScore)
	q.AddBack(existing)

	incoming := dupeJob(q, "show", "", 0, queue.DupeScore)
	verdict := d.Admit(incoming)

	assert.Equal(t, "inherited-key", incoming.DupeKey)
	assert.Equal(t, 33, incoming.DupeScore)
	// Equal score against the queue: the incoming one parks.
	assert.Equal(t, VerdictBackup, verdict)
}

func TestReturnBestDupe_PromotesHighestBackup(t *testing.T) {
	d, q := newDupeRig(t)

	low := dupeJob(q, "show", "k", 10, queue.DupeScore)
	low.DeleteStatus = queue.DeleteDupe
	low.Deleted = true
	q.AddHistory(historyEntry(low))

	high := dupeJob(q, "show", "k", 20, queue.DupeScore)
	high.DeleteStatus = queue.DeleteDupe
	high.Deleted = true
	high.ParStatus = queue.ParFailure
	high.FileList = []*queue.FileInfo{{ID: 1, Paused: true}}
	q.AddHistory(historyEntry(high))

	d.ReturnBestDupe("show", "k")

	require.Len(t, q.Items, 1)
	got := q.Items[0]
	assert.Same(t, high, got)
	assert.Equal(t, queue.DeleteNone, got.DeleteStatus)
	assert.False(t, got.Deleted)
	assert.Equal(t, queue.ParNone, got.ParStatus)
	assert.False(t, got.FileList[0].Paused)
	assert.Len(t, q.History, 1)
}

func TestReturnBestDupe_BlockedByAliveQueueDuplicate(t *testing.T) {
	d, q := newDupeRig(t)

	backup := dupeJob(q, "show", "k", 20, queue.DupeScore)
	backup.DeleteStatus = queue.DeleteDupe
	q.AddHistory(historyEntry(backup))

	alive := dupeJob(q, "show", "k", 30, queue.DupeScore)
	q.AddBack(alive)

	d.ReturnBestDupe("show", "k")
	assert.Len(t, q.Items, 1)
	assert.Len(t, q.History, 1)
}

func TestMarkGood_CollapsesBackups(t *testing.T) {
	d, q := newDupeRig(t)

	winner := dupeJob(q, "show", "k", 50, queue.DupeScore)
	q.AddHistory(historyEntry(winner))

	backup := dupeJob(q, "show", "k", 30, queue.DupeScore)
	backup.DeleteStatus = queue.DeleteDupe
	backup.Size = 4321
	q.AddHistory(historyEntry(backup))

	d.MarkGood(winner.ID)

	assert.Equal(t, queue.MarkGood, winner.MarkStatus)
	h := q.FindHistory(backup.ID)
	require.NotNil(t, h)
	assert.Equal(t, queue.HistoryDup, h.Kind)
	assert.Nil(t, h.Nzb)
	require.NotNil(t, h.Dup)
	assert.Equal(t, int64(4321), h.Dup.Size)
	assert.Equal(t, queue.DupDupe, h.Dup.Status)
}

func TestMarkBad_PromotesBackup(t *testing.T) {
	d, q := newDupeRig(t)

	failed := dupeJob(q, "show", "k", 50, queue.DupeScore)
	q.AddHistory(historyEntry(failed))

	backup := dupeJob(q, "show", "k", 30, queue.DupeScore)
	backup.DeleteStatus = queue.DeleteDupe
	q.AddHistory(historyEntry(backup))

	d.MarkBad(failed.ID)

	assert.Equal(t, queue.MarkBad, failed.MarkStatus)
	require.Len(t, q.Items, 1)
	assert.Same(t, backup, q.Items[0])
}

func TestOnCompleted_FailureTriggersBackup(t *testing.T) {
	d, q := newDupeRig(t)

	backup := dupeJob(q, "show", "k", 30, queue.DupeScore)
	backup.DeleteStatus = queue.DeleteDupe
	q.AddHistory(historyEntry(backup))

	failed := dupeJob(q, "show", "k", 50, queue.DupeScore)
	failed.ParStatus = queue.ParFailure

	d.OnCompleted(failed)
	assert.Len(t, q.Items, 1)

	// A successful completion leaves the backups alone.
	q.Items = nil
	backup.DeleteStatus = queue.DeleteDupe
	q.AddHistory(historyEntry(backup))
	ok := dupeJob(q, "show", "k", 50, queue.DupeScore)
	d.OnCompleted(ok)
	assert.Empty(t, q.Items)
}

func TestAdmit_UnsetContentHashesNeverMatch(t *testing.T) {
	d, q := newDupeRig(t)

	// Subject-keyed jobs and url placeholders carry no content hashes; two
	// of them are not the same content.
	queued := dupeJob(q, "show.a", "key-a", 0, queue.DupeScore)
	q.AddBack(queued)
	done := dupeJob(q, "show.b", "key-b", 0, queue.DupeScore)
	q.AddHistory(historyEntry(done))

	incoming := dupeJob(q, "show.c", "key-c", 0, queue.DupeScore)
	assert.Equal(t, VerdictQueue, d.Admit(incoming))
	assert.Equal(t, queue.DeleteNone, incoming.DeleteStatus)
	assert.False(t, incoming.Deleted)

	// A real hash on one side only is still no match.
	hashed := dupeJob(q, "show.d", "key-d", 0, queue.DupeScore)
	hashed.FullContentHash = 0xabc
	assert.Equal(t, VerdictQueue, d.Admit(hashed))
}
