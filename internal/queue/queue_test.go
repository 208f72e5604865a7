package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeJob(q *Queue, name string, files int) *NzbInfo {
	job := NewNzbInfo()
	job.ID = q.NextNzbID()
	job.Name = name
	for i := 0; i < files; i++ {
		fi := &FileInfo{ID: q.NextFileID(), NzbID: job.ID, Filename: name, Size: 1000}
		job.FileList = append(job.FileList, fi)
		job.Size += fi.Size
	}
	return job
}

func TestQueue_AddAndFind(t *testing.T) {
	q := NewQueue()
	a := makeJob(q, "a", 1)
	b := makeJob(q, "b", 1)
	q.AddBack(a)
	q.AddFront(b)

	require.Len(t, q.Items, 2)
	assert.Same(t, b, q.Items[0])
	assert.Same(t, a, q.Items[1])
	assert.Same(t, a, q.Find(a.ID))
	assert.Nil(t, q.Find(999))
	assert.Equal(t, 0, q.IndexOf(b))
}

func TestQueue_MoveClampsToBounds(t *testing.T) {
	q := NewQueue()
	var jobs []*NzbInfo
	for _, name := range []string{"a", "b", "c"} {
		j := makeJob(q, name, 0)
		q.AddBack(j)
		jobs = append(jobs, j)
	}

	require.NoError(t, q.Move(jobs[2].ID, -5))
	assert.Same(t, jobs[2], q.Items[0])

	require.NoError(t, q.Move(jobs[0].ID, 100))
	assert.Same(t, jobs[0], q.Items[len(q.Items)-1])

	assert.Error(t, q.Move(999, 0))
}

func TestQueue_Merge(t *testing.T) {
	q := NewQueue()
	dst := makeJob(q, "dst", 2)
	src := makeJob(q, "src", 3)
	src.SuccessSize = 500
	src.ServerStats = []ServerStat{{ServerID: 1, SuccessArticles: 7}}
	q.AddBack(dst)
	q.AddBack(src)

	srcFileID := src.FileList[0].ID
	require.NoError(t, q.Merge(src.ID, dst.ID))

	require.Len(t, q.Items, 1)
	assert.Len(t, dst.FileList, 5)
	assert.Equal(t, int64(5000), dst.Size)
	assert.Equal(t, int64(500), dst.SuccessSize)
	assert.Equal(t, 7, dst.ServerStatFor(1).SuccessArticles)

	// File ids survive, ownership moves.
	found := false
	for _, fi := range dst.FileList {
		if fi.ID == srcFileID {
			found = true
			assert.Equal(t, dst.ID, fi.NzbID)
		}
	}
	assert.True(t, found)

	assert.Error(t, q.Merge(dst.ID, dst.ID))
	assert.Error(t, q.Merge(src.ID, dst.ID)) // src no longer queued
}

func TestQueue_ParkMovesToHistoryHead(t *testing.T) {
	q := NewQueue()
	a := makeJob(q, "a", 0)
	b := makeJob(q, "b", 0)
	q.AddBack(a)
	q.AddBack(b)

	a.PostInfo = NewPostInfo(a.ID)
	q.Park(a, time.Now())
	q.Park(b, time.Now())

	assert.Empty(t, q.Items)
	require.Len(t, q.History, 2)
	assert.Equal(t, b.ID, q.History[0].ID())
	assert.Nil(t, a.PostInfo)
	assert.Same(t, a, q.FindHistory(a.ID).Nzb)
}

func TestQueue_MaxIDsAndEnsureIDsAbove(t *testing.T) {
	q := NewQueue()
	job := NewNzbInfo()
	job.ID = 40
	job.FileList = []*FileInfo{{ID: 90}}
	q.AddBack(job)
	q.AddHistory(&HistoryInfo{Kind: HistoryDup, Time: time.Now(), Dup: &DupInfo{ID: 55}})

	maxNzb, maxFile := q.MaxIDs()
	assert.Equal(t, 55, maxNzb)
	assert.Equal(t, 90, maxFile)

	q.EnsureIDsAbove(maxNzb, maxFile)
	assert.Equal(t, 56, q.NextNzbID())
	assert.Equal(t, 91, q.NextFileID())
}

func TestQueue_ChangedItems(t *testing.T) {
	q := NewQueue()
	a := makeJob(q, "a", 0)
	b := makeJob(q, "b", 0)
	q.AddBack(a)
	q.AddBack(b)
	q.ClearChanged()

	a.Changed = true
	changed := q.ChangedItems()
	require.Len(t, changed, 1)
	assert.Same(t, a, changed[0])

	q.ClearChanged()
	assert.Empty(t, q.ChangedItems())
}
