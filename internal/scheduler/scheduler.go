package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/javi11/nzbd/internal/coordinator"
	"github.com/javi11/nzbd/internal/scripts"
)

// maxDetectableJump is the clock jump beyond which catch-up execution is
// abandoned and task history reset.
const maxDetectableJump = 90 * time.Minute

// Command is what a task does when its instant arrives.
type Command int

const (
	CommandPauseDownload Command = iota
	CommandUnpauseDownload
	CommandDownloadRate
	CommandScript
)

func (c Command) String() string {
	switch c {
	case CommandPauseDownload:
		return "PAUSEDOWNLOAD"
	case CommandUnpauseDownload:
		return "UNPAUSEDOWNLOAD"
	case CommandDownloadRate:
		return "DOWNLOADRATE"
	default:
		return "SCRIPT"
	}
}

// Task fires at hour:minute on the weekdays set in the mask. Bit 0 is
// Sunday, matching time.Weekday numbering. A zero mask means every day.
// Param carries the rate in KiB/s or the script path list.
type Task struct {
	Hour     int
	Minute   int
	WeekDays uint8
	Command  Command
	Param    string
}

type scheduledTask struct {
	Task
	schedule     cron.Schedule
	lastExecuted time.Time
}

// Scheduler executes time-of-day tasks with catch-up: every missed instant
// between two checks fires exactly once, unless the clock jumped too far.
type Scheduler struct {
	qc          *coordinator.Coordinator
	runner      *scripts.Runner
	log         *slog.Logger
	scriptGrace time.Duration
	options     func() map[string]string

	mu        sync.Mutex
	tasks     []*scheduledTask
	lastCheck time.Time
}

// New creates an empty scheduler.
func New(qc *coordinator.Coordinator, runner *scripts.Runner, scriptGrace time.Duration, options func() map[string]string) *Scheduler {
	return &Scheduler{
		qc:          qc,
		runner:      runner,
		log:         slog.Default().With("component", "scheduler"),
		scriptGrace: scriptGrace,
		options:     options,
	}
}

// AddTask registers a task; returns an error for out-of-range times.
func (s *Scheduler) AddTask(t Task) error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("scheduler: invalid time %02d:%02d", t.Hour, t.Minute)
	}
	spec := fmt.Sprintf("%d %d * * %s", t.Minute, t.Hour, dowList(t.WeekDays))
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("scheduler: parse %q: %w", spec, err)
	}

	s.mu.Lock()
	s.tasks = append(s.tasks, &scheduledTask{Task: t, schedule: schedule})
	s.mu.Unlock()
	return nil
}

func dowList(mask uint8) string {
	if mask == 0 || mask == 0x7f {
		return "*"
	}
	var days []string
	for d := 0; d < 7; d++ {
		if mask&(1<<uint(d)) != 0 {
			days = append(days, strconv.Itoa(d))
		}
	}
	return strings.Join(days, ",")
}

// Run ticks every second until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Check(ctx, time.Now())
		}
	}
}

// Check advances the scheduler to now, firing every task instant that falls
// in (lastCheck, now]. A clock jump beyond the detectable window resets task
// history instead of replaying it.
func (s *Scheduler) Check(ctx context.Context, now time.Time) {
	s.mu.Lock()

	if s.lastCheck.IsZero() {
		s.lastCheck = now
		s.mu.Unlock()
		return
	}
	if now.Before(s.lastCheck) || now.Sub(s.lastCheck) > maxDetectableJump {
		s.log.Warn("Clock jump detected, resetting scheduler",
			"last_check", s.lastCheck, "now", now)
		for _, t := range s.tasks {
			t.lastExecuted = time.Time{}
		}
		s.lastCheck = now
		s.mu.Unlock()
		return
	}

	type firing struct {
		task *scheduledTask
		at   time.Time
	}
	var due []firing
	for _, t := range s.tasks {
		for at := t.schedule.Next(s.lastCheck); !at.After(now); at = t.schedule.Next(at) {
			if at.After(t.lastExecuted) {
				due = append(due, firing{t, at})
				t.lastExecuted = at
			}
		}
	}
	s.lastCheck = now
	s.mu.Unlock()

	for _, f := range due {
		s.execute(ctx, &f.task.Task, f.at)
	}
}

func (s *Scheduler) execute(ctx context.Context, t *Task, at time.Time) {
	s.log.Info("Executing scheduled task", "command", t.Command, "at", at, "param", t.Param)

	switch t.Command {
	case CommandPauseDownload:
		s.qc.SetPaused(true)
	case CommandUnpauseDownload:
		s.qc.SetPaused(false)
	case CommandDownloadRate:
		kib, err := strconv.ParseInt(t.Param, 10, 64)
		if err != nil {
			s.log.Error("Bad download rate in scheduled task", "param", t.Param, "error", err)
			return
		}
		s.qc.SetSpeedLimit(kib * 1024)
	case CommandScript:
		for _, script := range strings.Split(t.Param, ";") {
			script = strings.TrimSpace(script)
			if script == "" {
				continue
			}
			var options map[string]string
			if s.options != nil {
				options = s.options()
			}
			_, err := s.runner.Run(ctx, scripts.Command{
				Path:  script,
				Env:   scripts.BuildOptionEnv(options),
				Grace: s.scriptGrace,
			}, scripts.Output{
				Log: func(kind, text string) {
					s.log.Info("Scheduled script: "+text, "kind", kind, "script", script)
				},
			})
			if err != nil {
				s.log.Error("Scheduled script failed", "script", script, "error", err)
			}
		}
	}
}
