package scripts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbd/internal/coordinator"
	"github.com/javi11/nzbd/internal/diskstate"
	"github.com/javi11/nzbd/internal/queue"
)

func newHookFixture(t *testing.T, script string, interval time.Duration) (*Hook, *queue.Queue) {
	t.Helper()
	q := queue.NewQueue()
	store := diskstate.NewStore(afero.NewMemMapFs(), "/queue", false)
	hook := NewHook(q, store, NewRunner(), HookConfig{
		Scripts:       func() []string { return []string{script} },
		Options:       func() map[string]string { return nil },
		EventInterval: func() time.Duration { return interval },
	})
	return hook, q
}

func addJob(q *queue.Queue, name string) *queue.NzbInfo {
	job := queue.NewNzbInfo()
	job.ID = q.NextNzbID()
	job.Name = name
	q.Lock()
	q.AddBack(job)
	q.Unlock()
	return job
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return strings.Fields(strings.TrimSpace(string(data)))
}

func TestHook_SerializesAndDrainsByPriority(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}

	dir := t.TempDir()
	results := filepath.Join(dir, "results.txt")
	script := filepath.Join(dir, "hook.sh")
	// The first invocation sleeps so the later events pile up while it runs.
	require.NoError(t, os.WriteFile(script, []byte(
		"#!/bin/sh\n"+
			"echo \"$NZBNA_EVENT\" >> "+results+"\n"+
			"if [ \"$NZBNA_EVENT\" = FILE_DOWNLOADED ]; then sleep 0.5; fi\n"), 0o755))

	hook, q := newHookFixture(t, script, 0)
	job := addJob(q, "a")

	hook.OnEvent(coordinator.Event{Kind: coordinator.EventFileDownloaded, NzbID: job.ID})
	// Let the first script start before queueing the rest.
	require.Eventually(t, func() bool {
		return len(readLines(t, results)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	hook.OnEvent(coordinator.Event{Kind: coordinator.EventNzbAdded, NzbID: job.ID})
	hook.OnEvent(coordinator.Event{Kind: coordinator.EventNzbDownloaded, NzbID: job.ID})

	require.Eventually(t, func() bool {
		return len(readLines(t, results)) == 3
	}, 5*time.Second, 10*time.Millisecond)

	// The running script was never interrupted; the pending events drained
	// highest priority first.
	assert.Equal(t, []string{"FILE_DOWNLOADED", "NZB_DOWNLOADED", "NZB_ADDED"},
		readLines(t, results))
}

func TestHook_FileDownloadedCooldown(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}

	dir := t.TempDir()
	results := filepath.Join(dir, "results.txt")
	script := filepath.Join(dir, "hook.sh")
	require.NoError(t, os.WriteFile(script, []byte(
		"#!/bin/sh\necho \"$NZBNA_NZBID\" >> "+results+"\n"), 0o755))

	hook, q := newHookFixture(t, script, time.Hour)
	a := addJob(q, "a")
	b := addJob(q, "b")

	hook.OnEvent(coordinator.Event{Kind: coordinator.EventFileDownloaded, NzbID: a.ID})
	hook.OnEvent(coordinator.Event{Kind: coordinator.EventFileDownloaded, NzbID: a.ID})
	hook.OnEvent(coordinator.Event{Kind: coordinator.EventFileDownloaded, NzbID: b.ID})

	require.Eventually(t, func() bool {
		return len(readLines(t, results)) == 2
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	// The cooldown is per job: the repeat for job a was suppressed.
	lines := readLines(t, results)
	assert.Len(t, lines, 2)
	assert.Contains(t, lines, "1")
	assert.Contains(t, lines, "2")
}

func TestHook_NegativeIntervalSuppressesFileEvents(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "hook.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	hook, q := newHookFixture(t, script, -1)
	job := addJob(q, "a")

	hook.OnEvent(coordinator.Event{Kind: coordinator.EventFileDownloaded, NzbID: job.ID})

	hook.mu.Lock()
	defer hook.mu.Unlock()
	assert.Empty(t, hook.pending)
	assert.False(t, hook.active)
}
