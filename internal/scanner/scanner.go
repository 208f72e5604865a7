package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/javi11/nzbd/internal/coordinator"
	"github.com/javi11/nzbd/internal/dupe"
	"github.com/javi11/nzbd/internal/nzb"
	"github.com/javi11/nzbd/internal/queue"
	"github.com/javi11/nzbd/internal/scripts"
)

// Suffixes appended to processed incoming files.
const (
	suffixQueued    = ".queued"
	suffixError     = ".error"
	suffixProcessed = ".nzb_processed"
)

// maxPassesPerTick bounds the rescans done when a scan-script extracts new
// nzb files into the incoming directory.
const maxPassesPerTick = 3

// Config controls the incoming-directory watcher.
type Config struct {
	Dir          string
	TickInterval time.Duration
	// MinAge is how long size and mtime must be stable before a file is
	// admitted; guards against partially copied files.
	MinAge      time.Duration
	ScanScript  string
	ScriptGrace time.Duration
	Options     func() map[string]string

	// DownloadDir is where job directories are created while downloading:
	// the intermediate directory when one is configured, the destination
	// directory otherwise.
	DownloadDir string
	// FinalDirRoot, when non-empty, is where the post-processor moves the
	// finished job. Empty means downloads already land in their final place.
	FinalDirRoot string
}

type snapshot struct {
	size   int64
	mtime  time.Time
	stable time.Time
}

// Scanner watches the incoming directory and feeds admitted NZB files
// through the scan-script, the parser and the duplicate coordinator.
type Scanner struct {
	fs     afero.Fs
	parser *nzb.Parser
	dupes  *dupe.Coordinator
	qc     *coordinator.Coordinator
	runner *scripts.Runner
	cfg    Config
	log    *slog.Logger

	seen map[string]snapshot
}

// New creates the scanner.
func New(fs afero.Fs, parser *nzb.Parser, dupes *dupe.Coordinator, qc *coordinator.Coordinator, runner *scripts.Runner, cfg Config) *Scanner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	return &Scanner{
		fs:     fs,
		parser: parser,
		dupes:  dupes,
		qc:     qc,
		runner: runner,
		cfg:    cfg,
		log:    slog.Default().With("component", "scanner"),
		seen:   make(map[string]snapshot),
	}
}

// Run watches the directory until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan performs one tick: up to three passes over the directory so files a
// scan-script extracted during the pass are picked up in the same tick.
func (s *Scanner) Scan(ctx context.Context) {
	for pass := 0; pass < maxPassesPerTick; pass++ {
		if s.scanPass(ctx) == 0 {
			return
		}
	}
}

func (s *Scanner) scanPass(ctx context.Context) int {
	entries, err := afero.ReadDir(s.fs, s.cfg.Dir)
	if err != nil {
		s.log.Warn("Cannot read incoming directory", "dir", s.cfg.Dir, "error", err)
		return 0
	}

	admitted := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return admitted
		}
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".nzb") {
			continue
		}
		path := filepath.Join(s.cfg.Dir, e.Name())
		if !s.isStable(path, e) {
			continue
		}
		delete(s.seen, path)
		s.admit(ctx, path)
		admitted++
	}
	return admitted
}

// isStable tracks size and mtime; a file qualifies once both have been
// unchanged for the configured minimum age.
func (s *Scanner) isStable(path string, info os.FileInfo) bool {
	now := time.Now()
	prev, ok := s.seen[path]
	if !ok || prev.size != info.Size() || !prev.mtime.Equal(info.ModTime()) {
		s.seen[path] = snapshot{size: info.Size(), mtime: info.ModTime(), stable: now}
		return false
	}
	return now.Sub(prev.stable) >= s.cfg.MinAge
}

// scanMutation collects the [NZB] directives a scan-script may emit.
type scanMutation struct {
	name      string
	category  string
	priority  *int
	top       bool
	paused    bool
	dupeKey   string
	dupeScore *int
	dupeMode  *queue.DupeMode
	skip      bool
}

func (s *Scanner) admit(ctx context.Context, path string) {
	mut, ok := s.runScanScript(ctx, path)
	if mut.skip {
		s.renameProcessed(path, suffixProcessed)
		s.log.Info("Scan-script skipped nzb", "file", filepath.Base(path))
		return
	}
	if !ok {
		s.renameProcessed(path, suffixError)
		return
	}

	f, err := s.fs.Open(path)
	if err != nil {
		s.log.Error("Cannot open incoming nzb", "file", path, "error", err)
		s.renameProcessed(path, suffixError)
		return
	}
	job, err := s.parser.Parse(f, filepath.Base(path))
	f.Close()
	if err != nil {
		s.log.Error("Cannot parse incoming nzb", "file", filepath.Base(path), "error", err)
		s.renameProcessed(path, suffixError)
		return
	}

	applyMutation(job, mut)
	job.DestDir = filepath.Join(s.cfg.DownloadDir, sanitizeName(job.Name))
	if s.cfg.FinalDirRoot != "" {
		job.FinalDir = filepath.Join(s.cfg.FinalDirRoot, sanitizeName(job.Name))
	}
	job.QueuedFilename = s.renameProcessed(path, suffixQueued)

	switch s.dupes.Admit(job) {
	case dupe.VerdictDiscard:
		return
	case dupe.VerdictBackup:
		s.dupes.ParkBackup(job)
		return
	}

	if err := s.qc.Enqueue(job, mut.top); err != nil {
		s.log.Error("Cannot enqueue nzb", "name", job.Name, "error", err)
	}
}

// runScanScript executes the configured scan-script. ok=false means the file
// should be marked as failed.
func (s *Scanner) runScanScript(ctx context.Context, path string) (scanMutation, bool) {
	var mut scanMutation
	if s.cfg.ScanScript == "" {
		return mut, true
	}

	var options map[string]string
	if s.cfg.Options != nil {
		options = s.cfg.Options()
	}
	env := scripts.BuildOptionEnv(options)
	env = append(env,
		fmt.Sprintf("NZBNP_DIRECTORY=%s", s.cfg.Dir),
		fmt.Sprintf("NZBNP_FILENAME=%s", path),
		fmt.Sprintf("NZBNP_NZBNAME=%s", strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))),
	)

	code, err := s.runner.Run(ctx, scripts.Command{
		Path:  s.cfg.ScanScript,
		Dir:   s.cfg.Dir,
		Env:   env,
		Grace: s.cfg.ScriptGrace,
	}, scripts.Output{
		Log: func(kind, text string) {
			s.log.Info("Scan-script: "+text, "kind", kind, "file", filepath.Base(path))
		},
		Directive: func(d scripts.Directive) { applyDirective(&mut, d) },
	})
	if err != nil {
		s.log.Error("Scan-script failed to run", "script", s.cfg.ScanScript, "error", err)
		return mut, false
	}

	switch code {
	case scripts.ExitError:
		return mut, false
	case scripts.ExitNone:
		mut.skip = true
	}
	return mut, true
}

func applyDirective(mut *scanMutation, d scripts.Directive) {
	switch d.Key {
	case "NZBNAME":
		mut.name = d.Value
	case "CATEGORY":
		mut.category = d.Value
	case "PRIORITY":
		if n, err := strconv.Atoi(d.Value); err == nil {
			mut.priority = &n
		}
	case "TOP":
		mut.top = d.Value != "0"
	case "PAUSED":
		mut.paused = d.Value != "0"
	case "DUPEKEY":
		mut.dupeKey = d.Value
	case "DUPESCORE":
		if n, err := strconv.Atoi(d.Value); err == nil {
			mut.dupeScore = &n
		}
	case "DUPEMODE":
		var m queue.DupeMode
		switch strings.ToUpper(d.Value) {
		case "ALL":
			m = queue.DupeAll
		case "FORCE":
			m = queue.DupeForce
		default:
			m = queue.DupeScore
		}
		mut.dupeMode = &m
	}
}

func applyMutation(job *queue.NzbInfo, mut scanMutation) {
	if mut.name != "" {
		job.Name = mut.name
	}
	if mut.category != "" {
		job.Category = mut.category
	}
	if mut.priority != nil {
		job.Priority = *mut.priority
		for _, fi := range job.FileList {
			fi.Priority = *mut.priority
		}
	}
	if mut.paused {
		for _, fi := range job.FileList {
			fi.Paused = true
		}
	}
	if mut.dupeKey != "" {
		job.DupeKey = mut.dupeKey
	}
	if mut.dupeScore != nil {
		job.DupeScore = *mut.dupeScore
	}
	if mut.dupeMode != nil {
		job.DupeMode = *mut.dupeMode
	}
}

// sanitizeName makes a job name safe as a single directory component.
func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	name = strings.Trim(name, " .")
	if name == "" {
		name = "unnamed"
	}
	return name
}

// renameProcessed appends the suffix, picking a numbered variant when the
// target already exists. Returns the final path.
func (s *Scanner) renameProcessed(path, suffix string) string {
	target := path + suffix
	for i := 2; ; i++ {
		exists, _ := afero.Exists(s.fs, target)
		if !exists {
			break
		}
		target = fmt.Sprintf("%s%s%d", path, suffix, i)
	}
	if err := s.fs.Rename(path, target); err != nil {
		s.log.Warn("Cannot rename processed nzb", "file", path, "error", err)
		return path
	}
	return target
}
