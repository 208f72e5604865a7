package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbd/internal/cache"
	"github.com/javi11/nzbd/internal/coordinator"
	"github.com/javi11/nzbd/internal/diskstate"
	"github.com/javi11/nzbd/internal/queue"
	"github.com/javi11/nzbd/internal/scripts"
	"github.com/javi11/nzbd/internal/writer"
)

func newSchedRig(t *testing.T) (*Scheduler, *coordinator.Coordinator) {
	t.Helper()
	fs := afero.NewMemMapFs()
	q := queue.NewQueue()
	store := diskstate.NewStore(fs, "/queue", false)
	c := cache.New(0, nil)
	qc := coordinator.New(q, store, c, writer.NewAssembler(fs, c, writer.Options{}))
	return New(qc, scripts.NewRunner(), time.Second, nil), qc
}

func at(hour, minute int) time.Time {
	// A Wednesday.
	return time.Date(2026, 8, 19, hour, minute, 0, 0, time.UTC)
}

func TestAddTask_ValidatesTime(t *testing.T) {
	s, _ := newSchedRig(t)
	assert.Error(t, s.AddTask(Task{Hour: 24, Minute: 0}))
	assert.Error(t, s.AddTask(Task{Hour: 0, Minute: 60}))
	assert.NoError(t, s.AddTask(Task{Hour: 23, Minute: 59}))
}

func TestCheck_FiresDueTask(t *testing.T) {
	s, qc := newSchedRig(t)
	require.NoError(t, s.AddTask(Task{Hour: 8, Minute: 0, Command: CommandPauseDownload}))

	ctx := context.Background()
	s.Check(ctx, at(7, 59)) // first check only arms the window
	assert.False(t, qc.Paused())

	s.Check(ctx, at(8, 1))
	assert.True(t, qc.Paused())
}

func TestCheck_MissedInstantFiresOnce(t *testing.T) {
	s, qc := newSchedRig(t)
	require.NoError(t, s.AddTask(Task{Hour: 8, Minute: 0, Command: CommandDownloadRate, Param: "500"}))

	ctx := context.Background()
	s.Check(ctx, at(7, 30))
	// 45 minutes pass without a tick; the 08:00 instant is caught up.
	s.Check(ctx, at(8, 15))
	assert.Equal(t, int64(500*1024), qc.SpeedLimit())

	// Re-checking the same window does not replay it.
	qc.SetSpeedLimit(0)
	s.Check(ctx, at(8, 20))
	assert.Equal(t, int64(0), qc.SpeedLimit())
}

func TestCheck_ClockJumpResets(t *testing.T) {
	s, qc := newSchedRig(t)
	require.NoError(t, s.AddTask(Task{Hour: 8, Minute: 0, Command: CommandPauseDownload}))

	ctx := context.Background()
	s.Check(ctx, at(7, 30))

	// Beyond the detectable window: no replay of 08:00.
	s.Check(ctx, at(11, 0))
	assert.False(t, qc.Paused())

	// Backwards jump resets too.
	s.Check(ctx, at(6, 0))
	assert.False(t, qc.Paused())

	// Normal operation resumes from the reset point.
	s.Check(ctx, at(6, 30))
	assert.False(t, qc.Paused())
}

func TestCheck_WeekdayMask(t *testing.T) {
	s, qc := newSchedRig(t)
	// Thursday-only task (bit 4); checks run on a Wednesday.
	require.NoError(t, s.AddTask(Task{Hour: 8, Minute: 0, WeekDays: 1 << 4, Command: CommandPauseDownload}))

	ctx := context.Background()
	s.Check(ctx, at(7, 59))
	s.Check(ctx, at(8, 1))
	assert.False(t, qc.Paused())
}

func TestCheck_UnpauseAndRate(t *testing.T) {
	s, qc := newSchedRig(t)
	qc.SetPaused(true)
	require.NoError(t, s.AddTask(Task{Hour: 8, Minute: 0, Command: CommandUnpauseDownload}))
	require.NoError(t, s.AddTask(Task{Hour: 8, Minute: 5, Command: CommandDownloadRate, Param: "bogus"}))

	ctx := context.Background()
	s.Check(ctx, at(7, 59))
	s.Check(ctx, at(8, 10))

	assert.False(t, qc.Paused())
	// A bad rate param logs and leaves the limit unchanged.
	assert.Equal(t, int64(0), qc.SpeedLimit())
}

func TestDowList(t *testing.T) {
	assert.Equal(t, "*", dowList(0))
	assert.Equal(t, "*", dowList(0x7f))
	assert.Equal(t, "0,6", dowList(1|1<<6))
	assert.Equal(t, "1,2,3,4,5", dowList(0x3e))
}
