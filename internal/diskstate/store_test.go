package diskstate

import (
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbd/internal/queue"
)

func newTestStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	return NewStore(fs, "/queue", false), fs
}

func sampleJob(id int) *queue.NzbInfo {
	n := queue.NewNzbInfo()
	n.ID = id
	n.Kind = queue.KindNzb
	n.Name = fmt.Sprintf("job-%d", id)
	n.Filename = n.Name + ".nzb"
	n.DestDir = "/dst/" + n.Name
	n.Category = "tv"
	n.Priority = 50
	n.DupeKey = "key-" + n.Name
	n.DupeScore = 10
	n.Size = 5 << 30 // past 32 bits, exercises the hi,lo encoding
	n.SuccessSize = 1 << 31
	n.TotalArticles = 100
	n.SuccessArticles = 40
	n.MinTime = time.Unix(1700000000, 0)
	n.MaxTime = time.Unix(1700003600, 0)
	n.ParStatus = queue.ParSuccess
	n.UnpackStatus = queue.UnpackSkipped
	n.HealthPaused = true
	n.SetParameter("*Unpack:", "yes")
	n.ScriptStatuses = append(n.ScriptStatuses, queue.ScriptStatusEntry{Name: "notify.sh", Status: queue.ScriptSuccess})
	n.ServerStats = append(n.ServerStats, queue.ServerStat{ServerID: 1, SuccessArticles: 40, FailedArticles: 2})
	n.FileList = append(n.FileList,
		&queue.FileInfo{ID: id*10 + 1, NzbID: id, Paused: true},
		&queue.FileInfo{ID: id*10 + 2, NzbID: id},
	)
	return n
}

func TestStore_QueueRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	q := queue.NewQueue()
	q.AddBack(sampleJob(3))
	q.AddBack(sampleJob(4))

	require.NoError(t, s.SaveQueue(q))

	loaded := queue.NewQueue()
	require.NoError(t, s.LoadQueue(loaded))
	require.Len(t, loaded.Items, 2)

	got := loaded.Items[0]
	want := q.Items[0]
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.DestDir, got.DestDir)
	assert.Equal(t, want.Size, got.Size)
	assert.Equal(t, want.SuccessSize, got.SuccessSize)
	assert.Equal(t, want.DupeKey, got.DupeKey)
	assert.Equal(t, want.ParStatus, got.ParStatus)
	assert.Equal(t, want.UnpackStatus, got.UnpackStatus)
	assert.True(t, got.HealthPaused)
	assert.Equal(t, "yes", got.GetParameter("*Unpack:"))
	assert.Equal(t, want.ScriptStatuses, got.ScriptStatuses)
	assert.Equal(t, want.ServerStats, got.ServerStats)
	assert.Equal(t, want.MinTime.Unix(), got.MinTime.Unix())

	// File entries carry id, owner and pause flag; the summary holds the rest.
	require.Len(t, got.FileList, 2)
	assert.Equal(t, want.FileList[0].ID, got.FileList[0].ID)
	assert.Equal(t, got.ID, got.FileList[0].NzbID)
	assert.True(t, got.FileList[0].Paused)
	assert.False(t, got.FileList[1].Paused)
}

func TestStore_SaveQueueResetsDelta(t *testing.T) {
	s, _ := newTestStore(t)
	q := queue.NewQueue()
	job := sampleJob(1)
	q.AddBack(job)

	job.Changed = true
	require.NoError(t, s.SaveProgress(q))
	assert.True(t, s.Exists(FileProgress))

	// A full save commits everything, so the overlay and flags reset.
	require.NoError(t, s.SaveQueue(q))
	assert.False(t, s.Exists(FileProgress))
	assert.Empty(t, q.ChangedItems())
}

func TestStore_ProgressOverlayMerge(t *testing.T) {
	s, _ := newTestStore(t)
	q := queue.NewQueue()
	a := sampleJob(1)
	b := sampleJob(2)
	q.AddBack(a)
	q.AddBack(b)
	require.NoError(t, s.SaveQueue(q))

	b.Category = "movies"
	b.SuccessArticles = 99
	b.Changed = true
	require.NoError(t, s.SaveProgress(q))

	loaded := queue.NewQueue()
	require.NoError(t, s.LoadQueue(loaded))
	require.Len(t, loaded.Items, 2)
	assert.Equal(t, "tv", loaded.Items[0].Category)
	assert.Equal(t, "movies", loaded.Items[1].Category)
	assert.Equal(t, 99, loaded.Items[1].SuccessArticles)
}

func TestStore_HistoryRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	q := queue.NewQueue()
	now := time.Unix(1700000000, 0)
	q.History = append(q.History,
		&queue.HistoryInfo{Kind: queue.HistoryNzb, Time: now, Nzb: sampleJob(1)},
		&queue.HistoryInfo{Kind: queue.HistoryURL, Time: now, URL: &queue.UrlInfo{
			ID: 2, Name: "remote", URL: "http://x/a.nzb", Category: "tv",
			Priority: 100, Status: queue.URLFinished,
		}},
		&queue.HistoryInfo{Kind: queue.HistoryDup, Time: now, Dup: &queue.DupInfo{
			ID: 3, Name: "dup", DupeKey: "k", DupeScore: 5, Size: 1 << 33,
			FullHash: 0xdeadbeef, Status: queue.DupSuccess,
		}},
	)
	require.NoError(t, s.SaveHistory(q))

	loaded := queue.NewQueue()
	require.NoError(t, s.LoadHistory(loaded))
	require.Len(t, loaded.History, 3)

	assert.Equal(t, queue.HistoryNzb, loaded.History[0].Kind)
	assert.Equal(t, "job-1", loaded.History[0].Nzb.Name)

	url := loaded.History[1].URL
	require.NotNil(t, url)
	assert.Equal(t, "http://x/a.nzb", url.URL)
	assert.Equal(t, queue.URLFinished, url.Status)

	dup := loaded.History[2].Dup
	require.NotNil(t, dup)
	assert.Equal(t, int64(1<<33), dup.Size)
	assert.Equal(t, uint32(0xdeadbeef), dup.FullHash)
	assert.Equal(t, now.Unix(), loaded.History[2].Time.Unix())
}

func TestStore_RecoversInterruptedSave(t *testing.T) {
	s, fs := newTestStore(t)
	q := queue.NewQueue()
	q.AddBack(sampleJob(7))
	require.NoError(t, s.SaveQueue(q))

	// Simulate a crash between unlink and rename: only queue.new on disk.
	require.NoError(t, fs.Rename("/queue/queue", "/queue/queue.new"))
	assert.True(t, s.Exists(FileQueue))

	loaded := queue.NewQueue()
	require.NoError(t, s.LoadQueue(loaded))
	require.Len(t, loaded.Items, 1)
	assert.Equal(t, 7, loaded.Items[0].ID)

	// The recovered file was renamed into place.
	ok, _ := afero.Exists(fs, "/queue/queue")
	assert.True(t, ok)
}

func TestStore_ExistsAndDiscard(t *testing.T) {
	s, _ := newTestStore(t)
	assert.False(t, s.Exists(FileQueue))

	q := queue.NewQueue()
	require.NoError(t, s.SaveQueue(q))
	assert.True(t, s.Exists(FileQueue))

	s.Discard(FileQueue)
	assert.False(t, s.Exists(FileQueue))

	// Discarding an absent file is a no-op.
	s.Discard(FileQueue)
}

func TestStore_RejectsBadSignature(t *testing.T) {
	s, fs := newTestStore(t)
	require.NoError(t, afero.WriteFile(fs, "/queue/queue", []byte("not a state file\n0\n"), 0o644))
	err := s.LoadQueue(queue.NewQueue())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")

	futureVersion := fmt.Sprintf("%s%d\n0\n", signaturePrefix, StateVersion+1)
	require.NoError(t, afero.WriteFile(fs, "/queue/queue", []byte(futureVersion), 0o644))
	assert.Error(t, s.LoadQueue(queue.NewQueue()))

	ancient := fmt.Sprintf("%s%d\n0\n", signaturePrefix, VersionFloor-1)
	require.NoError(t, afero.WriteFile(fs, "/queue/queue", []byte(ancient), 0o644))
	assert.Error(t, s.LoadQueue(queue.NewQueue()))
}

func sampleFileInfo(id int) *queue.FileInfo {
	fi := &queue.FileInfo{
		ID:                id,
		Subject:           `"archive.part01.rar" yEnc (1/3)`,
		Filename:          "archive.part01.rar",
		Time:              time.Unix(1700000000, 0),
		FilenameConfirmed: true,
		Size:              3 << 20,
		Priority:          50,
		Groups:            []string{"alt.binaries.test"},
	}
	for i := 0; i < 3; i++ {
		fi.Articles = append(fi.Articles, &queue.ArticleInfo{
			PartNumber:    i + 1,
			Size:          1 << 20,
			SegmentSize:   1 << 20,
			SegmentOffset: int64(i) << 20,
			MessageID:     fmt.Sprintf("<part%d@test>", i+1),
		})
	}
	fi.TotalArticles = len(fi.Articles)
	return fi
}

func TestStore_FileInfoRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	fi := sampleFileInfo(12)
	require.NoError(t, s.SaveFileInfo(fi))

	got := &queue.FileInfo{ID: 12}
	require.NoError(t, s.LoadFileInfo(got))
	assert.Equal(t, fi.Subject, got.Subject)
	assert.Equal(t, fi.Filename, got.Filename)
	assert.True(t, got.FilenameConfirmed)
	assert.Equal(t, fi.Size, got.Size)
	assert.Equal(t, fi.Groups, got.Groups)
	require.Len(t, got.Articles, 3)
	assert.Equal(t, "<part2@test>", got.Articles[1].MessageID)
	assert.Equal(t, int64(1)<<20, got.Articles[1].SegmentOffset)
	assert.Equal(t, 3, got.TotalArticles)
}

func TestStore_FileStateRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	fi := sampleFileInfo(13)
	fi.Articles[0].Status = queue.ArticleFinished
	fi.Articles[1].Status = queue.ArticleRunning // persists as undefined
	fi.Articles[2].Status = queue.ArticleFailed
	fi.SuccessArticles = 1
	fi.FailedArticles = 1
	fi.CompletedArticles = 2
	fi.SuccessSize = 1 << 20
	fi.FailedSize = 1 << 20
	require.NoError(t, s.SaveFileState(fi))

	got := sampleFileInfo(13)
	require.NoError(t, s.LoadFileState(got))
	assert.Equal(t, 1, got.SuccessArticles)
	assert.Equal(t, 1, got.FailedArticles)
	assert.Equal(t, 2, got.CompletedArticles)
	assert.Equal(t, int64(1)<<20, got.SuccessSize)
	assert.Equal(t, queue.ArticleFinished, got.Articles[0].Status)
	assert.Equal(t, queue.ArticleUndefined, got.Articles[1].Status)
	assert.Equal(t, queue.ArticleFailed, got.Articles[2].Status)
	assert.Equal(t, queue.PartialPartial, got.PartialState)
}

func TestStore_FileStateArticleCountMismatch(t *testing.T) {
	s, _ := newTestStore(t)
	fi := sampleFileInfo(14)
	require.NoError(t, s.SaveFileState(fi))

	got := sampleFileInfo(14)
	got.Articles = got.Articles[:2]
	assert.Error(t, s.LoadFileState(got))
}

func TestStore_LoadAll(t *testing.T) {
	s, _ := newTestStore(t)
	q := queue.NewQueue()
	job := sampleJob(1)
	job.FileList = []*queue.FileInfo{sampleFileInfo(11)}
	job.FileList[0].NzbID = 1
	q.AddBack(job)
	require.NoError(t, s.SaveAll(q))

	fi := job.FileList[0]
	fi.Articles[0].Status = queue.ArticleFinished
	fi.SuccessArticles = 1
	fi.SuccessSize = 1 << 20
	require.NoError(t, s.SaveFileState(fi))

	loaded := queue.NewQueue()
	require.NoError(t, s.LoadAll(loaded))
	require.Len(t, loaded.Items, 1)
	got := loaded.Items[0].FileList[0]
	assert.Equal(t, "archive.part01.rar", got.Filename)
	assert.Equal(t, queue.ArticleFinished, got.Articles[0].Status)
	assert.Equal(t, 1, got.SuccessArticles)
	assert.Equal(t, int64(1)<<20, loaded.Items[0].CurrentSuccessSize)

	// Restored ids never collide with persisted ones.
	assert.Greater(t, loaded.NextNzbID(), 1)
	assert.Greater(t, loaded.NextFileID(), 11)
}

func TestStore_LoadAllDropsStalePartialState(t *testing.T) {
	s, _ := newTestStore(t)
	q := queue.NewQueue()
	job := sampleJob(1)
	job.FileList = []*queue.FileInfo{sampleFileInfo(11)}
	job.FileList[0].NzbID = 1
	q.AddBack(job)
	require.NoError(t, s.SaveAll(q))

	fi := job.FileList[0]
	fi.Articles[0].Status = queue.ArticleFinished
	fi.SuccessArticles = 1
	require.NoError(t, s.SaveFileState(fi))

	// Sentinel on disk means cached articles never hit the output file:
	// the partial state lies and must be dropped.
	require.NoError(t, s.SetArticleCacheSentinel(true))

	loaded := queue.NewQueue()
	require.NoError(t, s.LoadAll(loaded))
	got := loaded.Items[0].FileList[0]
	assert.Equal(t, 0, got.SuccessArticles)
	assert.Equal(t, queue.ArticleUndefined, got.Articles[0].Status)
	assert.False(t, s.Exists(strconv.Itoa(11)+"s"))
	assert.False(t, s.ArticleCacheSentinelPresent())
}

func TestStore_CleanupRemovesOrphans(t *testing.T) {
	s, fs := newTestStore(t)
	q := queue.NewQueue()
	job := sampleJob(1)
	job.FileList = []*queue.FileInfo{{ID: 11, NzbID: 1}}
	q.AddBack(job)

	live := sampleFileInfo(11)
	orphan := sampleFileInfo(99)
	require.NoError(t, s.SaveFileInfo(live))
	require.NoError(t, s.SaveFileInfo(orphan))
	require.NoError(t, s.SaveFileState(orphan))
	require.NoError(t, afero.WriteFile(fs, "/queue/n1.log", []byte("x\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/queue/n99.log", []byte("x\n"), 0o644))

	s.Cleanup(q)

	assert.True(t, s.Exists("11"))
	assert.False(t, s.Exists("99"))
	assert.False(t, s.Exists("99s"))
	ok, _ := afero.Exists(fs, "/queue/n1.log")
	assert.True(t, ok)
	ok, _ = afero.Exists(fs, "/queue/n99.log")
	assert.False(t, ok)
}

func TestStore_StatsRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	// Absence is a normal first start.
	volumes, err := s.LoadStats()
	require.NoError(t, err)
	assert.Empty(t, volumes)

	in := []ServerVolume{
		{ServerID: 1, TotalBytes: 5 << 31, CustomTime: time.Unix(1700000000, 0)},
		{ServerID: 2, TotalBytes: 42, CustomTime: time.Unix(1700000100, 0)},
	}
	require.NoError(t, s.SaveStats(in))

	volumes, err = s.LoadStats()
	require.NoError(t, err)
	require.Len(t, volumes, 2)
	assert.Equal(t, int64(5)<<31, volumes[0].TotalBytes)
	assert.Equal(t, in[1].CustomTime.Unix(), volumes[1].CustomTime.Unix())
}

func TestStore_LoadAllReattachesPostState(t *testing.T) {
	s, _ := newTestStore(t)
	q := queue.NewQueue()

	// Fully downloaded job: its post-processing was interrupted by shutdown.
	done := sampleJob(1)
	done.FileList = nil
	q.AddBack(done)

	// Still downloading: must not enter post-processing.
	pending := sampleJob(2)
	q.AddBack(pending)

	// Remote-fetch placeholder: empty file list but nothing to post-process.
	url := sampleJob(3)
	url.Kind = queue.KindURL
	url.FileList = nil
	q.AddBack(url)

	require.NoError(t, s.SaveAll(q))

	loaded := queue.NewQueue()
	require.NoError(t, s.LoadAll(loaded))
	require.Len(t, loaded.Items, 3)

	require.NotNil(t, loaded.Items[0].PostInfo)
	assert.Equal(t, queue.StageQueued, loaded.Items[0].PostInfo.Stage)
	assert.Nil(t, loaded.Items[1].PostInfo)
	assert.Nil(t, loaded.Items[2].PostInfo)
}
