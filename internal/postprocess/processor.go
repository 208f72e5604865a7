package postprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/javi11/nzbd/internal/coordinator"
	"github.com/javi11/nzbd/internal/diskstate"
	"github.com/javi11/nzbd/internal/dupe"
	parfile "github.com/javi11/nzbd/internal/nzb"
	"github.com/javi11/nzbd/internal/queue"
	"github.com/javi11/nzbd/internal/scripts"
)

// Config controls the post-processing stages.
type Config struct {
	// ParCheck verifies every download; when false only damaged downloads
	// are checked.
	ParCheck  bool
	ParRepair bool
	// ParTimeLimit cancels a repair predicted to exceed it; zero disables
	// the guard.
	ParTimeLimit time.Duration
	Unpack       bool
	// CleanupExts are deleted from the destination when unpack did not run
	// but verification succeeded.
	CleanupExts []string
	KeepHistory bool
	ScriptGrace time.Duration
	PostScripts func() []string
	Options     func() map[string]string
}

// Processor runs the post-processing stage machine: one job at a time, the
// highest-priority job with post state attached and not already working.
type Processor struct {
	q          *queue.Queue
	qc         *coordinator.Coordinator
	store      *diskstate.Store
	dupes      *dupe.Coordinator
	fs         afero.Fs
	runner     *scripts.Runner
	parChecker ParChecker
	parRenamer ParRenamer
	cfg        Config
	log        *slog.Logger

	mu      sync.Mutex
	cancels map[int]context.CancelFunc
}

// New creates the processor. parChecker and parRenamer may be nil; the
// corresponding stages are then skipped.
func New(q *queue.Queue, qc *coordinator.Coordinator, store *diskstate.Store, dupes *dupe.Coordinator, fs afero.Fs, runner *scripts.Runner, parChecker ParChecker, parRenamer ParRenamer, cfg Config) *Processor {
	return &Processor{
		q:          q,
		qc:         qc,
		store:      store,
		dupes:      dupes,
		fs:         fs,
		runner:     runner,
		parChecker: parChecker,
		parRenamer: parRenamer,
		cfg:        cfg,
		log:        slog.Default().With("component", "post-processor"),
		cancels:    make(map[int]context.CancelFunc),
	}
}

// OnEvent attaches post state when a job finishes downloading. Register with
// the queue coordinator.
func (p *Processor) OnEvent(ev coordinator.Event) {
	if ev.Kind != coordinator.EventNzbDownloaded {
		return
	}
	p.q.Lock()
	defer p.q.Unlock()
	job := p.q.Find(ev.NzbID)
	if job == nil || job.PostInfo != nil || job.Deleting {
		return
	}
	job.PostInfo = queue.NewPostInfo(job.ID)
}

// Run drives the stage machine until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if id, ok := p.pick(); ok {
				p.process(ctx, id)
			}
		}
	}
}

// Cancel requests cooperative stop of a running post job. The active stage
// gets a grace period before it is killed.
func (p *Processor) Cancel(nzbID int) {
	p.q.Lock()
	if job := p.q.Find(nzbID); job != nil && job.PostInfo != nil {
		job.PostInfo.Stop = true
	}
	p.q.Unlock()

	p.mu.Lock()
	cancel := p.cancels[nzbID]
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// pick selects the highest-priority job awaiting post-processing and marks
// it working.
func (p *Processor) pick() (int, bool) {
	p.q.Lock()
	defer p.q.Unlock()

	var best *queue.NzbInfo
	for _, job := range p.q.Items {
		if job.PostInfo == nil || job.PostInfo.Working {
			continue
		}
		if best == nil || job.EffectivePriority() > best.EffectivePriority() {
			best = job
		}
	}
	if best == nil {
		return 0, false
	}
	best.PostInfo.Working = true
	return best.ID, true
}

type stepResult int

const (
	stepContinue stepResult = iota
	stepSuspend
	stepDone
)

// process runs the job's stages sequentially until it finishes, suspends
// (waiting for more par blocks) or is cancelled.
func (p *Processor) process(ctx context.Context, nzbID int) {
	jobCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancels[nzbID] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.cancels, nzbID)
		p.mu.Unlock()
	}()

	for {
		if p.stopped(nzbID) || jobCtx.Err() != nil {
			p.finish(nzbID)
			return
		}
		switch p.step(jobCtx, nzbID) {
		case stepContinue:
		case stepSuspend:
			return
		case stepDone:
			p.finish(nzbID)
			return
		}
	}
}

func (p *Processor) stopped(nzbID int) bool {
	p.q.Lock()
	defer p.q.Unlock()
	job := p.q.Find(nzbID)
	return job == nil || job.PostInfo == nil || job.PostInfo.Stop
}

// snapshot of the fields a stage decision needs, taken under the queue lock.
type jobView struct {
	pi           *queue.PostInfo
	destDir      string
	finalDir     string
	parStatus    queue.ParStatus
	unpackStatus queue.UnpackStatus
	moveStatus   queue.MoveStatus
	renameStatus queue.RenameStatus
	cleanedUp    bool
	damaged      bool
	health       int
	critical     int
	unpackParam  string
	password     string
}

func (p *Processor) view(nzbID int) (*jobView, bool) {
	p.q.Lock()
	defer p.q.Unlock()
	job := p.q.Find(nzbID)
	if job == nil || job.PostInfo == nil {
		return nil, false
	}
	return &jobView{
		pi:           job.PostInfo,
		destDir:      job.DestDir,
		finalDir:     job.FinalDir,
		parStatus:    job.ParStatus,
		unpackStatus: job.UnpackStatus,
		moveStatus:   job.MoveStatus,
		renameStatus: job.ParRenameStatus,
		cleanedUp:    job.UnpackCleanedUpDisk,
		damaged:      job.CurrentFailedArticles > 0,
		health:       job.CalcHealth(),
		critical:     job.CalcCriticalHealth(true),
		unpackParam:  job.GetParameter("*Unpack:"),
		password:     job.GetParameter("*Unpack:Password"),
	}, true
}

// step decides and executes the next stage per the fixed order: par-rename,
// par-check (with health shortcuts), unpack, cleanup, move, post-scripts.
func (p *Processor) step(ctx context.Context, nzbID int) stepResult {
	v, ok := p.view(nzbID)
	if !ok {
		return stepSuspend
	}

	hasPars, hasMainPars := p.scanPars(v.destDir)

	if v.renameStatus == queue.RenameNone {
		return p.runParRename(ctx, nzbID, v, hasPars)
	}

	if v.pi.RequestParCheck && v.parStatus == queue.ParSkipped {
		p.mutate(nzbID, func(job *queue.NzbInfo) {
			job.ParStatus = queue.ParNone
			job.PostInfo.RequestParCheck = false
		})
		return stepContinue
	}

	if v.parStatus == queue.ParNone {
		switch {
		case hasMainPars && p.parChecker != nil && (p.cfg.ParCheck || v.damaged || v.pi.RequestParCheck || v.pi.NeedParCheck):
			return p.runParCheck(ctx, nzbID, v)
		case v.health < v.critical:
			p.log.Warn("Health below critical, skipping repair", "nzb_id", nzbID,
				"health", v.health, "critical", v.critical)
			p.mutate(nzbID, func(job *queue.NzbInfo) { job.ParStatus = queue.ParFailure })
		default:
			p.mutate(nzbID, func(job *queue.NzbInfo) { job.ParStatus = queue.ParSkipped })
		}
		return stepContinue
	}

	if v.unpackStatus == queue.UnpackNone {
		return p.runUnpack(ctx, nzbID, v)
	}

	if !v.cleanedUp && v.unpackStatus == queue.UnpackSkipped &&
		(v.parStatus == queue.ParSuccess || v.parStatus == queue.ParRepairPossible) {
		p.runCleanup(nzbID, v)
		return stepContinue
	}

	if v.pi.Stage < queue.StageMoving {
		return p.runMove(nzbID, v)
	}

	if v.pi.Stage < queue.StageExecutingScript {
		return p.runScripts(ctx, nzbID, v)
	}

	return stepDone
}

// mutate applies fn to the job under the queue lock, skipping vanished jobs.
func (p *Processor) mutate(nzbID int, fn func(job *queue.NzbInfo)) {
	p.q.Lock()
	defer p.q.Unlock()
	job := p.q.Find(nzbID)
	if job == nil || job.PostInfo == nil {
		return
	}
	fn(job)
	job.Changed = true
}

func (p *Processor) scanPars(destDir string) (hasPars, hasMainPars bool) {
	entries, err := afero.ReadDir(p.fs, destDir)
	if err != nil {
		return false, false
	}
	for _, e := range entries {
		if e.IsDir() || !parfile.IsParFile(e.Name()) {
			continue
		}
		hasPars = true
		if !parfile.IsVolParFile(e.Name()) {
			hasMainPars = true
		}
	}
	return hasPars, hasMainPars
}

func (p *Processor) runParRename(ctx context.Context, nzbID int, v *jobView, hasPars bool) stepResult {
	if !hasPars || p.parRenamer == nil {
		p.mutate(nzbID, func(job *queue.NzbInfo) { job.ParRenameStatus = queue.RenameSkipped })
		return stepContinue
	}

	p.mutate(nzbID, func(job *queue.NzbInfo) {
		job.PostInfo.SetStage(queue.StageRenaming)
		job.PostInfo.ProgressLabel = "Checking renamed files"
	})

	renamed, err := p.parRenamer.Rename(ctx, v.destDir)
	status := queue.RenameSuccess
	if err != nil {
		p.log.Warn("Par-rename failed", "nzb_id", nzbID, "error", err)
		status = queue.RenameFailure
	} else if renamed == 0 {
		status = queue.RenameSkipped
	} else {
		p.log.Info("Par-rename restored filenames", "nzb_id", nzbID, "renamed", renamed)
	}
	p.mutate(nzbID, func(job *queue.NzbInfo) { job.ParRenameStatus = status })
	return stepContinue
}

// runParCheck drives the external par2 engine under a temporary download
// pause. A more-blocks request unpauses queued par files and suspends the
// post job until they arrive.
func (p *Processor) runParCheck(ctx context.Context, nzbID int, v *jobView) stepResult {
	p.qc.SetTempPaused(true, "par-check")
	defer p.qc.SetTempPaused(false, "")

	p.mutate(nzbID, func(job *queue.NzbInfo) {
		job.PostInfo.SetStage(queue.StageVerifyingSources)
		job.PostInfo.ProgressLabel = "Verifying " + job.Name
	})

	checkCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if p.cfg.ParTimeLimit > 0 {
		go p.watchParTime(checkCtx, nzbID, cancel)
	}

	var neededBlocks int
	start := time.Now()
	result, err := p.parChecker.Check(checkCtx, ParCheckRequest{
		NzbID:       nzbID,
		DestDir:     v.destDir,
		ForceRepair: v.pi.ForceRepair || p.cfg.ParRepair,
		Progress: func(permille int) {
			p.mutate(nzbID, func(job *queue.NzbInfo) { job.PostInfo.StageProgress = permille })
		},
		NeededBlocks: func(blocks int) { neededBlocks = blocks },
	})
	elapsed := int(time.Since(start).Seconds())

	if errors.Is(err, ErrMoreBlocksNeeded) {
		unpaused := p.unpauseExtraPars(nzbID, neededBlocks)
		if unpaused > 0 {
			p.log.Info("Par repair needs more blocks, resuming par files",
				"nzb_id", nzbID, "blocks", neededBlocks, "files", unpaused)
			p.mutate(nzbID, func(job *queue.NzbInfo) {
				job.PostInfo = nil
				job.ParSec += elapsed
			})
			return stepSuspend
		}
		err = fmt.Errorf("no par files left to resume: %w", err)
	}

	status := queue.ParFailure
	if err != nil {
		p.log.Error("Par-check failed", "nzb_id", nzbID, "error", err)
	} else {
		switch result {
		case ParResultRepaired, ParResultRepairNotNeeded:
			status = queue.ParSuccess
		case ParResultRepairPossible:
			status = queue.ParRepairPossible
		}
	}

	p.mutate(nzbID, func(job *queue.NzbInfo) {
		job.ParStatus = status
		job.ParSec += elapsed
		job.PostInfo.RequestParCheck = false
		job.PostInfo.NeedParCheck = false
	})
	p.log.Info("Par-check finished", "nzb_id", nzbID, "status", status, "sec", elapsed)
	return stepContinue
}

// watchParTime cancels a par run whose predicted total time exceeds the
// configured limit. Time spent globally paused does not count.
func (p *Processor) watchParTime(ctx context.Context, nzbID int, cancel context.CancelFunc) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	start := time.Now()
	var pausedFor time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if p.qc.Paused() {
			pausedFor += time.Second
			continue
		}
		var progress int
		p.mutate(nzbID, func(job *queue.NzbInfo) { progress = job.PostInfo.StageProgress })
		if progress <= 0 {
			continue
		}
		elapsed := time.Since(start) - pausedFor
		predicted := elapsed * 1000 / time.Duration(progress)
		if predicted > p.cfg.ParTimeLimit {
			p.log.Warn("Cancelling par repair, predicted time over limit",
				"nzb_id", nzbID, "predicted", predicted, "limit", p.cfg.ParTimeLimit)
			cancel()
			return
		}
	}
}

var volBlocksRE = regexp.MustCompile(`(?i)\.vol\d+\+(\d+)\.par2$`)

// unpauseExtraPars resumes the smallest sufficient set of paused par files,
// judged by the block counts encoded in their names. Returns how many files
// were resumed.
func (p *Processor) unpauseExtraPars(nzbID, neededBlocks int) int {
	p.q.Lock()
	defer p.q.Unlock()

	job := p.q.Find(nzbID)
	if job == nil {
		return 0
	}

	type parCandidate struct {
		fi     *queue.FileInfo
		blocks int
	}
	var candidates []parCandidate
	for _, fi := range job.FileList {
		if !fi.ParFile || !fi.Paused {
			continue
		}
		blocks := 1
		if m := volBlocksRE.FindStringSubmatch(fi.Filename); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				blocks = n
			}
		}
		candidates = append(candidates, parCandidate{fi, blocks})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].blocks < candidates[j].blocks })

	// Prefer the single smallest file covering the need; otherwise collect
	// ascending until covered.
	for _, c := range candidates {
		if c.blocks >= neededBlocks {
			c.fi.Paused = false
			job.Changed = true
			return 1
		}
	}
	resumed, got := 0, 0
	for _, c := range candidates {
		c.fi.Paused = false
		resumed++
		got += c.blocks
		if got >= neededBlocks {
			break
		}
	}
	if resumed > 0 {
		job.Changed = true
	}
	return resumed
}

func (p *Processor) runUnpack(ctx context.Context, nzbID int, v *jobView) stepResult {
	disabled := !p.cfg.Unpack || strings.EqualFold(v.unpackParam, "no")
	if disabled || v.parStatus == queue.ParFailure {
		p.mutate(nzbID, func(job *queue.NzbInfo) { job.UnpackStatus = queue.UnpackSkipped })
		return stepContinue
	}

	var archives []string
	entries, err := afero.ReadDir(p.fs, v.destDir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if isFirstRarVolume(e.Name()) || isFirstSevenZipVolume(e.Name()) {
				archives = append(archives, filepath.Join(v.destDir, e.Name()))
			}
		}
	}
	if len(archives) == 0 {
		p.mutate(nzbID, func(job *queue.NzbInfo) { job.UnpackStatus = queue.UnpackSkipped })
		return stepContinue
	}

	p.mutate(nzbID, func(job *queue.NzbInfo) {
		job.PostInfo.SetStage(queue.StageUnpacking)
		job.PostInfo.ProgressLabel = "Unpacking " + filepath.Base(archives[0])
	})

	unpackDir := filepath.Join(v.destDir, unpackSubdir)
	status := queue.UnpackSuccess
	start := time.Now()
	for _, archive := range archives {
		if ctx.Err() != nil {
			status = queue.UnpackFailure
			break
		}
		wrongPassword, err := p.unpackArchive(archive, v.password, unpackDir)
		if err == nil {
			continue
		}
		if wrongPassword {
			p.log.Warn("Unpack failed, wrong or missing password",
				"nzb_id", nzbID, "archive", filepath.Base(archive))
			status = queue.UnpackPassword
		} else {
			p.log.Error("Unpack failed", "nzb_id", nzbID,
				"archive", filepath.Base(archive), "error", err)
			status = queue.UnpackFailure
		}
		break
	}

	if status == queue.UnpackSuccess {
		if err := p.promoteUnpacked(v.destDir); err != nil {
			p.log.Error("Cannot finalize unpacked files", "nzb_id", nzbID, "error", err)
			status = queue.UnpackFailure
		}
	} else {
		_ = p.fs.RemoveAll(unpackDir)
	}

	p.mutate(nzbID, func(job *queue.NzbInfo) {
		job.UnpackStatus = status
		job.UnpackSec += int(time.Since(start).Seconds())
		if status == queue.UnpackSuccess {
			job.UnpackCleanedUpDisk = true
		}
	})
	p.log.Info("Unpack finished", "nzb_id", nzbID, "status", status, "archives", len(archives))
	return stepContinue
}

// runCleanup deletes leftover repair files when no unpack happened but the
// download verified fine.
func (p *Processor) runCleanup(nzbID int, v *jobView) {
	exts := p.cfg.CleanupExts
	if len(exts) == 0 {
		exts = []string{".par2", ".sfv"}
	}

	entries, err := afero.ReadDir(p.fs, v.destDir)
	if err == nil {
		removed := 0
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			for _, ext := range exts {
				if strings.EqualFold(filepath.Ext(e.Name()), ext) {
					if p.fs.Remove(filepath.Join(v.destDir, e.Name())) == nil {
						removed++
					}
					break
				}
			}
		}
		if removed > 0 {
			p.log.Info("Cleaned up leftover files", "nzb_id", nzbID, "removed", removed)
		}
	}

	p.mutate(nzbID, func(job *queue.NzbInfo) { job.UnpackCleanedUpDisk = true })
}

// runMove relocates everything from the intermediate directory to the final
// directory, unless a stage failure forbids it.
func (p *Processor) runMove(nzbID int, v *jobView) stepResult {
	markMoving := func(job *queue.NzbInfo) { job.PostInfo.SetStage(queue.StageMoving) }

	blocked := v.parStatus == queue.ParFailure ||
		v.unpackStatus == queue.UnpackFailure || v.unpackStatus == queue.UnpackPassword
	if blocked || v.finalDir == "" || v.finalDir == v.destDir {
		p.mutate(nzbID, markMoving)
		return stepContinue
	}

	p.mutate(nzbID, func(job *queue.NzbInfo) {
		markMoving(job)
		job.PostInfo.ProgressLabel = "Moving to " + v.finalDir
	})

	status := queue.MoveSuccess
	if err := p.moveDir(v.destDir, v.finalDir); err != nil {
		p.log.Error("Cannot move download to final directory",
			"nzb_id", nzbID, "final_dir", v.finalDir, "error", err)
		status = queue.MoveFailure
	}

	p.mutate(nzbID, func(job *queue.NzbInfo) {
		job.MoveStatus = status
		if status == queue.MoveSuccess {
			job.DestDir = v.finalDir
		}
	})
	return stepContinue
}

func (p *Processor) moveDir(src, dst string) error {
	if err := p.fs.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := afero.ReadDir(p.fs, src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := p.fs.Rename(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return fmt.Errorf("move %s: %w", e.Name(), err)
		}
	}
	_ = p.fs.Remove(src)
	return nil
}

// runScripts executes the configured post-scripts in order, mapping their
// exit codes and [NZB] directives onto the job.
func (p *Processor) runScripts(ctx context.Context, nzbID int, v *jobView) stepResult {
	p.mutate(nzbID, func(job *queue.NzbInfo) { job.PostInfo.SetStage(queue.StageExecutingScript) })

	var list []string
	if p.cfg.PostScripts != nil {
		list = p.cfg.PostScripts()
	}
	if len(list) == 0 {
		return stepContinue
	}

	env, destDir, ok := p.scriptEnv(nzbID)
	if !ok {
		return stepSuspend
	}

	for _, script := range list {
		name := filepath.Base(script)
		p.mutate(nzbID, func(job *queue.NzbInfo) {
			job.PostInfo.ProgressLabel = "Executing script " + name
		})

		code, err := p.runner.Run(ctx, scripts.Command{
			Path:  script,
			Dir:   destDir,
			Env:   env,
			Grace: p.cfg.ScriptGrace,
		}, scripts.Output{
			Log:       func(kind, text string) { p.logToJob(nzbID, kind, text) },
			Directive: func(d scripts.Directive) { p.applyDirective(nzbID, d) },
		})

		status := queue.ScriptNone
		switch {
		case err != nil:
			p.log.Error("Post-script failed to run", "script", name, "error", err)
			status = queue.ScriptFailure
		case code == scripts.ExitSuccess:
			status = queue.ScriptSuccess
		case code == scripts.ExitError:
			status = queue.ScriptFailure
		case code == scripts.ExitParCheckCurrent, code == scripts.ExitParCheckAll:
			status = queue.ScriptSuccess
			p.mutate(nzbID, func(job *queue.NzbInfo) {
				job.PostInfo.RequestParCheck = true
				job.PostInfo.ForceParFull = code == scripts.ExitParCheckAll
			})
		case code == scripts.ExitNone || code == 0:
			status = queue.ScriptNone
		default:
			status = queue.ScriptFailure
		}
		p.mutate(nzbID, func(job *queue.NzbInfo) { job.SetScriptStatus(name, status) })
	}

	// A script may request a fresh par-check; rewind the machine for it.
	rewound := false
	p.mutate(nzbID, func(job *queue.NzbInfo) {
		if job.PostInfo.RequestParCheck {
			job.ParStatus = queue.ParNone
			job.PostInfo.RequestParCheck = false
			job.PostInfo.NeedParCheck = true
			job.PostInfo.SetStage(queue.StageQueued)
			rewound = true
		}
	})
	if rewound {
		p.log.Info("Post-script requested par-check", "nzb_id", nzbID)
	}
	return stepContinue
}

func (p *Processor) scriptEnv(nzbID int) (env []string, destDir string, ok bool) {
	p.q.Lock()
	defer p.q.Unlock()
	job := p.q.Find(nzbID)
	if job == nil {
		return nil, "", false
	}
	var options map[string]string
	if p.cfg.Options != nil {
		options = p.cfg.Options()
	}
	env = scripts.BuildOptionEnv(options)
	env = scripts.AppendJobEnv(env, job)
	env = scripts.AppendPostEnv(env, job)
	return env, job.DestDir, true
}

func (p *Processor) logToJob(nzbID int, kind, text string) {
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

	p.q.Lock()
	job := p.q.Find(nzbID)
	var msg queue.Message
	if job != nil {
		msg = job.AddMessage(mk, text)
	}
	p.q.Unlock()

	if job != nil {
		if err := p.store.AppendNzbLog(nzbID, msg); err != nil {
			p.log.Warn("Cannot append to nzb log", "nzb_id", nzbID, "error", err)
		}
	}
}

func (p *Processor) applyDirective(nzbID int, d scripts.Directive) {
	switch {
	case d.Key == "MARK" && d.Value == "BAD":
		p.mutate(nzbID, func(job *queue.NzbInfo) { job.MarkStatus = queue.MarkBad })
	case d.Key == "DIRECTORY", d.Key == "FINALDIR":
		p.mutate(nzbID, func(job *queue.NzbInfo) { job.FinalDir = d.Value })
	case d.Key == "CATEGORY":
		p.mutate(nzbID, func(job *queue.NzbInfo) { job.Category = d.Value })
	case strings.HasPrefix(d.Key, "NZBPR_"):
		name := strings.TrimPrefix(d.Key, "NZBPR_")
		p.mutate(nzbID, func(job *queue.NzbInfo) { job.SetParameter(name, d.Value) })
	default:
		p.mutate(nzbID, func(job *queue.NzbInfo) { job.SetParameter(d.Key, d.Value) })
	}
}

// finish detaches post state, parks the job to history and notifies the
// duplicate coordinator.
func (p *Processor) finish(nzbID int) {
	p.q.Lock()
	job := p.q.Find(nzbID)
	if job == nil {
		p.q.Unlock()
		return
	}
	pi := job.PostInfo
	if pi == nil {
		p.q.Unlock()
		return
	}
	job.PostSec += int(time.Since(pi.StartTime).Seconds())
	pi.SetStage(queue.StageFinished)

	park := p.cfg.KeepHistory && !job.AvoidHistory
	if park {
		p.q.Park(job, time.Now())
	} else {
		job.PostInfo = nil
		p.q.Remove(job)
	}
	if err := p.store.SaveAll(p.q); err != nil {
		p.log.Warn("Cannot persist queue after post-processing", "error", err)
	}
	p.q.Unlock()

	p.log.Info("Post-processing finished", "nzb_id", nzbID, "name", job.Name,
		"par", job.ParStatus, "unpack", job.UnpackStatus, "move", job.MoveStatus,
		"history", park)
	p.dupes.OnCompleted(job)
}
