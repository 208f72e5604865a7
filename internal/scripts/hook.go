package scripts

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/javi11/nzbd/internal/coordinator"
	"github.com/javi11/nzbd/internal/diskstate"
	"github.com/javi11/nzbd/internal/queue"
)

// HookConfig wires the queue-script hook to its collaborators.
type HookConfig struct {
	// Scripts returns the configured queue-script paths, in order.
	Scripts func() []string
	// Options returns the configuration map exposed as NZBOP_*.
	Options func() map[string]string
	// EventInterval is the per-job cooldown for FILE_DOWNLOADED events.
	EventInterval func() time.Duration
	// MarkBad is invoked for the `[NZB] MARK=BAD` directive.
	MarkBad func(nzbID int)
}

// Hook dispatches user scripts on queue lifecycle events, serialising
// at-most-one active invocation. Pending events drain by priority.
type Hook struct {
	q      *queue.Queue
	store  *diskstate.Store
	runner *Runner
	cfg    HookConfig
	log    *slog.Logger

	mu            sync.Mutex
	pending       []*invocation
	active        bool
	lastFileEvent map[int]time.Time
}

type invocation struct {
	nzbID    int
	event    string
	priority int
}

// NewHook creates the queue-script hook. Register its OnEvent with the
// queue coordinator.
func NewHook(q *queue.Queue, store *diskstate.Store, runner *Runner, cfg HookConfig) *Hook {
	return &Hook{
		q:             q,
		store:         store,
		runner:        runner,
		cfg:           cfg,
		log:           slog.Default().With("component", "queue-script"),
		lastFileEvent: make(map[int]time.Time),
	}
}

// eventPriority ranks hook events; later lifecycle events preempt earlier
// ones in the pending queue (but never interrupt a running script).
func eventPriority(kind coordinator.EventKind) int {
	switch kind {
	case coordinator.EventFileDownloaded:
		return 1
	case coordinator.EventURLCompleted:
		return 2
	case coordinator.EventNzbMarked:
		return 3
	case coordinator.EventNzbAdded:
		return 4
	case coordinator.EventNzbNamed:
		return 5
	case coordinator.EventNzbDownloaded:
		return 6
	case coordinator.EventNzbDeleted:
		return 7
	default:
		return 0
	}
}

// OnEvent enqueues a script invocation for a queue event.
func (h *Hook) OnEvent(ev coordinator.Event) {
	if ev.Kind == coordinator.EventFileDeleted {
		return
	}
	if len(h.cfg.Scripts()) == 0 {
		return
	}

	h.mu.Lock()
	if ev.Kind == coordinator.EventFileDownloaded {
		interval := h.cfg.EventInterval()
		if interval < 0 {
			h.mu.Unlock()
			return
		}
		if last, ok := h.lastFileEvent[ev.NzbID]; ok && time.Since(last) < interval {
			h.mu.Unlock()
			return
		}
		h.lastFileEvent[ev.NzbID] = time.Now()
	}

	h.pending = append(h.pending, &invocation{
		nzbID:    ev.NzbID,
		event:    ev.Kind.String(),
		priority: eventPriority(ev.Kind),
	})
	start := !h.active
	if start {
		h.active = true
	}
	h.mu.Unlock()

	if start {
		go h.drain()
	}
}

// drain promotes the highest-priority pending invocation until the queue is
// empty; FIFO order within equal priority.
func (h *Hook) drain() {
	for {
		h.mu.Lock()
		if len(h.pending) == 0 {
			h.active = false
			h.mu.Unlock()
			return
		}
		sort.SliceStable(h.pending, func(i, j int) bool {
			return h.pending[i].priority > h.pending[j].priority
		})
		inv := h.pending[0]
		h.pending = h.pending[1:]
		h.mu.Unlock()

		h.run(inv)
	}
}

func (h *Hook) run(inv *invocation) {
	env, ok := h.buildEnv(inv)
	if !ok {
		return
	}

	for _, script := range h.cfg.Scripts() {
		h.log.Info("Executing queue-script", "script", script, "event", inv.event, "nzb_id", inv.nzbID)
		exitCode, err := h.runner.Run(context.Background(), Command{Path: script, Env: env}, Output{
			Log: func(kind, text string) {
				h.logToJob(inv.nzbID, kind, text)
			},
			Directive: func(d Directive) {
				h.applyDirective(inv.nzbID, d)
			},
		})
		if err != nil {
			h.log.Error("Queue-script failed to run", "script", script, "error", err)
			continue
		}
		h.log.Debug("Queue-script finished", "script", script, "exit_code", exitCode)
	}
}

// buildEnv snapshots the job under the queue lock; scripts run without it.
func (h *Hook) buildEnv(inv *invocation) ([]string, bool) {
	h.q.Lock()
	defer h.q.Unlock()

	nzb := h.q.Find(inv.nzbID)
	if nzb == nil {
		if hist := h.q.FindHistory(inv.nzbID); hist != nil && hist.Kind == queue.HistoryNzb {
			nzb = hist.Nzb
		}
	}
	if nzb == nil {
		return nil, false
	}

	env := BuildOptionEnv(h.cfg.Options())
	env = AppendJobEnv(env, nzb)
	env = AppendEventEnv(env, nzb, inv.event)
	return env, true
}

func (h *Hook) logToJob(nzbID int, kind, text string) {
	mk := queue.MessageInfo
	switch kind {
	case "WARNING":
		mk = queue.MessageWarning
	case "ERROR":
		mk = queue.MessageError
	case "DETAIL":
		mk = queue.MessageDetail
	case "DEBUG":
		mk = queue.MessageDebug
	}

	h.q.Lock()
	nzb := h.q.Find(nzbID)
	if nzb == nil {
		if hist := h.q.FindHistory(nzbID); hist != nil && hist.Kind == queue.HistoryNzb {
			nzb = hist.Nzb
		}
	}
	var msg queue.Message
	if nzb != nil {
		msg = nzb.AddMessage(mk, text)
	}
	h.q.Unlock()

	if nzb != nil {
		if err := h.store.AppendNzbLog(nzbID, msg); err != nil {
			h.log.Warn("Cannot append to nzb log", "nzb_id", nzbID, "error", err)
		}
	}
}

func (h *Hook) applyDirective(nzbID int, d Directive) {
	switch {
	case d.Key == "MARK" && d.Value == "BAD":
		if h.cfg.MarkBad != nil {
			h.cfg.MarkBad(nzbID)
		}
		return
	case d.Key == "DIRECTORY":
		h.q.Lock()
		if nzb := h.q.Find(nzbID); nzb != nil {
			nzb.FinalDir = d.Value
			nzb.Changed = true
		}
		h.q.Unlock()
		return
	}

	name := d.Key
	if after, ok := cutPrefix(name, "NZBPR_"); ok {
		name = after
	}
	h.q.Lock()
	if nzb := h.q.Find(nzbID); nzb != nil {
		nzb.SetParameter(name, d.Value)
	} else if hist := h.q.FindHistory(nzbID); hist != nil && hist.Kind == queue.HistoryNzb {
		hist.Nzb.SetParameter(name, d.Value)
	}
	h.q.Unlock()
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return s, false
}
