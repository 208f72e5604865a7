package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNzbInfo_CalcHealth(t *testing.T) {
	n := NewNzbInfo()
	n.Size = 10000
	n.ParSize = 2000

	assert.Equal(t, 1000, n.CalcHealth())

	// 800 non-par bytes failed out of 8000 non-par bytes: 10% damage.
	n.CurrentFailedSize = 800
	assert.Equal(t, 900, n.CalcHealth())

	// Par failures do not count against health.
	n.CurrentFailedSize = 1000
	n.ParCurrentFailedSize = 200
	assert.Equal(t, 900, n.CalcHealth())

	// Pure par job is always healthy.
	par := NewNzbInfo()
	par.Size = 500
	par.ParSize = 500
	par.CurrentFailedSize = 400
	assert.Equal(t, 1000, par.CalcHealth())
}

func TestNzbInfo_CalcCriticalHealth(t *testing.T) {
	n := NewNzbInfo()
	n.Size = 10000
	n.ParSize = 2000

	// 2000 good par bytes against 8000 data bytes: repair covers 25%.
	assert.Equal(t, 750, n.CalcCriticalHealth(true))

	// No pars and no estimation allowed: any damage is fatal.
	bare := NewNzbInfo()
	bare.Size = 10000
	assert.Equal(t, 1000, bare.CalcCriticalHealth(false))

	// Overwhelming par coverage clamps to zero.
	rich := NewNzbInfo()
	rich.Size = 10000
	rich.ParSize = 8000
	assert.Equal(t, 0, rich.CalcCriticalHealth(true))
}

func TestNzbInfo_RemainingAndPausedSize(t *testing.T) {
	n := NewNzbInfo()
	n.Size = 3000
	n.SuccessSize = 1000
	n.FailedSize = 500
	assert.Equal(t, int64(1500), n.RemainingSize())

	n.FileList = []*FileInfo{
		{Size: 800, Paused: true},
		{Size: 700, Paused: false},
		{Size: 600, Paused: true, SuccessSize: 100},
	}
	assert.Equal(t, int64(1300), n.PausedSize())
}

func TestNzbInfo_EffectivePriority(t *testing.T) {
	n := NewNzbInfo()
	n.Priority = 50
	assert.Equal(t, 50, n.EffectivePriority())
	n.ExtraPriority = true
	assert.Greater(t, n.EffectivePriority(), 1000000)
}

func TestNzbInfo_Parameters(t *testing.T) {
	n := NewNzbInfo()
	n.SetParameter("key", "v1")
	assert.Equal(t, "v1", n.GetParameter("key"))

	n.SetParameter("key", "v2")
	assert.Equal(t, "v2", n.GetParameter("key"))
	assert.Len(t, n.Parameters, 1)

	n.SetParameter("key", "")
	assert.Equal(t, "", n.GetParameter("key"))
	assert.Empty(t, n.Parameters)

	// Setting empty on a missing key does not create it.
	n.SetParameter("other", "")
	assert.Empty(t, n.Parameters)
}

func TestNzbInfo_AddMessageCapsRing(t *testing.T) {
	n := NewNzbInfo()
	for i := 0; i < 1100; i++ {
		n.AddMessage(MessageInfo, "msg")
	}
	assert.Len(t, n.Messages, 1000)
	// Ids keep increasing even after trimming.
	assert.Equal(t, 1100, n.Messages[len(n.Messages)-1].ID)
}

func TestNzbInfo_IsDupeSuccess(t *testing.T) {
	n := NewNzbInfo()
	n.Size = 1000
	assert.True(t, n.IsDupeSuccess())

	n.MarkStatus = MarkBad
	assert.False(t, n.IsDupeSuccess())

	n.MarkStatus = MarkNone
	n.ParStatus = ParFailure
	assert.False(t, n.IsDupeSuccess())

	n.ParStatus = ParSuccess
	n.DeleteStatus = DeleteDupe
	assert.False(t, n.IsDupeSuccess())
}

func TestNzbInfo_UpdateCompletedStats(t *testing.T) {
	n := NewNzbInfo()
	fi := &FileInfo{
		Size:            1000,
		SuccessSize:     700,
		FailedSize:      200,
		MissedSize:      100,
		SuccessArticles: 7,
		FailedArticles:  2,
		MissedArticles:  1,
		ParFile:         true,
	}
	n.UpdateCompletedStats(fi)
	assert.Equal(t, int64(700), n.SuccessSize)
	assert.Equal(t, int64(300), n.FailedSize)
	assert.Equal(t, 7, n.SuccessArticles)
	assert.Equal(t, 3, n.FailedArticles)
	assert.Equal(t, int64(700), n.ParSuccessSize)
	assert.Equal(t, int64(300), n.ParFailedSize)
}

func TestNzbInfo_IsDownloadCompleted(t *testing.T) {
	n := NewNzbInfo()
	assert.True(t, n.IsDownloadCompleted(false))

	n.FileList = []*FileInfo{{Filename: "a.bin"}}
	assert.False(t, n.IsDownloadCompleted(false))

	// A deleted file is terminal: none of its articles run again.
	n.FileList[0].Deleted = true
	assert.True(t, n.IsDownloadCompleted(false))

	n.FileList = append(n.FileList, &FileInfo{ParFile: true, Paused: true})
	assert.False(t, n.IsDownloadCompleted(false))
	assert.True(t, n.IsDownloadCompleted(true))
}
