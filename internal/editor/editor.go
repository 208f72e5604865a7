package editor

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/javi11/nzbd/internal/coordinator"
	"github.com/javi11/nzbd/internal/diskstate"
	"github.com/javi11/nzbd/internal/queue"
)

// Action selects the edit operation. File actions take file ids, group
// actions take nzb ids.
type Action int

const (
	ActionFilePause Action = iota
	ActionFileResume
	ActionFileDelete
	ActionFileReorder

	ActionGroupPause
	ActionGroupResume
	ActionGroupDelete
	ActionGroupMoveOffset
	ActionGroupMoveTop
	ActionGroupMoveBottom
	ActionGroupSmartOffset
	ActionGroupPauseAllPars
	ActionGroupPauseExtraPars
	ActionGroupSetPriority
	ActionGroupSetCategory
	ActionGroupSetName
	ActionGroupSetParameter
	ActionGroupMerge

	ActionPostDelete
)

// Editor is the single entry point for queue manipulation.
type Editor struct {
	q     *queue.Queue
	qc    *coordinator.Coordinator
	store *diskstate.Store
	log   *slog.Logger

	// KeepHistory parks deleted jobs that already downloaded something.
	KeepHistory bool
	// CancelPost aborts a running post job for ActionPostDelete; may be nil.
	CancelPost func(nzbID int)
}

// New creates the editor around the shared queue.
func New(q *queue.Queue, qc *coordinator.Coordinator, store *diskstate.Store) *Editor {
	return &Editor{
		q:     q,
		qc:    qc,
		store: store,
		log:   slog.Default().With("component", "queue-editor"),
	}
}

// Edit applies one action to the given ids. offset is used by the move
// actions, text by the set-* actions.
func (e *Editor) Edit(ids []int, action Action, offset int, text string) error {
	if len(ids) == 0 {
		return fmt.Errorf("edit: no ids given")
	}

	var err error
	switch action {
	case ActionFilePause, ActionFileResume, ActionFileDelete:
		var downloaded []int
		downloaded, err = e.editFiles(ids, action)
		for _, nzbID := range downloaded {
			e.qc.Publish(coordinator.Event{Kind: coordinator.EventNzbDownloaded, NzbID: nzbID})
		}
	case ActionFileReorder:
		err = e.reorderFiles(ids)
	case ActionGroupPause, ActionGroupResume:
		err = e.pauseGroups(ids, action == ActionGroupPause)
	case ActionGroupDelete:
		err = e.deleteGroups(ids)
	case ActionGroupMoveOffset, ActionGroupMoveTop, ActionGroupMoveBottom:
		err = e.moveGroups(ids, action, offset)
	case ActionGroupSmartOffset:
		err = e.smartMove(ids, offset)
	case ActionGroupPauseAllPars:
		err = e.pausePars(ids, false)
	case ActionGroupPauseExtraPars:
		err = e.pausePars(ids, true)
	case ActionGroupSetPriority, ActionGroupSetCategory, ActionGroupSetName, ActionGroupSetParameter:
		err = e.setGroupField(ids, action, text)
	case ActionGroupMerge:
		err = e.merge(ids)
	case ActionPostDelete:
		if e.CancelPost != nil {
			for _, id := range ids {
				e.CancelPost(id)
			}
		}
		return nil
	default:
		return fmt.Errorf("edit: unknown action %d", action)
	}
	if err != nil {
		return err
	}

	e.q.Lock()
	defer e.q.Unlock()
	return e.store.SaveAll(e.q)
}

// editFiles toggles pause or marks deleted on individual files. Caller ids
// refer to FileInfo ids across all groups. Returns the ids of jobs whose
// download completed because the delete removed their last pending file.
func (e *Editor) editFiles(ids []int, action Action) ([]int, error) {
	e.q.Lock()
	defer e.q.Unlock()

	want := make(map[int]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var downloaded []int
	touched := 0
	for _, job := range e.q.Items {
		changed := false
		for _, fi := range job.FileList {
			if !want[fi.ID] {
				continue
			}
			switch action {
			case ActionFilePause:
				fi.Paused = true
			case ActionFileResume:
				fi.Paused = false
			case ActionFileDelete:
				fi.Paused = true
				fi.Deleted = true
			}
			touched++
			changed = true
		}
		if changed {
			job.Changed = true
			if action == ActionFileDelete && !job.Deleting &&
				activeDownloads(job) == 0 && job.IsDownloadCompleted(false) {
				downloaded = append(downloaded, job.ID)
			}
		}
	}
	if touched == 0 {
		return nil, fmt.Errorf("edit: no matching files for ids %v", ids)
	}
	return downloaded, nil
}

// reorderFiles places the listed files first, in the given order; unlisted
// files of the group keep their relative order behind them. All ids must
// belong to one group.
func (e *Editor) reorderFiles(ids []int) error {
	e.q.Lock()
	defer e.q.Unlock()

	var job *queue.NzbInfo
	for _, j := range e.q.Items {
		for _, fi := range j.FileList {
			if fi.ID == ids[0] {
				job = j
			}
		}
	}
	if job == nil {
		return fmt.Errorf("edit: file %d not found in queue", ids[0])
	}

	byID := make(map[int]*queue.FileInfo, len(job.FileList))
	for _, fi := range job.FileList {
		byID[fi.ID] = fi
	}

	reordered := make([]*queue.FileInfo, 0, len(job.FileList))
	picked := make(map[int]bool, len(ids))
	for _, id := range ids {
		fi, ok := byID[id]
		if !ok {
			return fmt.Errorf("edit: file %d not in group %d", id, job.ID)
		}
		reordered = append(reordered, fi)
		picked[id] = true
	}
	for _, fi := range job.FileList {
		if !picked[fi.ID] {
			reordered = append(reordered, fi)
		}
	}
	job.FileList = reordered
	job.Changed = true
	return nil
}

func (e *Editor) pauseGroups(ids []int, pause bool) error {
	e.q.Lock()
	defer e.q.Unlock()

	for _, id := range ids {
		job := e.q.Find(id)
		if job == nil {
			return fmt.Errorf("edit: nzb %d not found in queue", id)
		}
		for _, fi := range job.FileList {
			fi.Paused = pause
		}
		job.Changed = true
	}
	return nil
}

// deleteGroups soft-deletes: files are marked, the job is flagged Deleting
// and finalized immediately when no download is in flight. In-flight jobs
// are finalized by the coordinator once their active articles return.
func (e *Editor) deleteGroups(ids []int) error {
	var finalize []*queue.NzbInfo

	e.q.Lock()
	for _, id := range ids {
		job := e.q.Find(id)
		if job == nil {
			return e.unlockErr(fmt.Errorf("edit: nzb %d not found in queue", id))
		}
		job.Deleting = true
		job.DeleteStatus = queue.DeleteManual
		for _, fi := range job.FileList {
			fi.Paused = true
			fi.Deleted = true
		}
		job.Changed = true
		if activeDownloads(job) == 0 {
			finalize = append(finalize, job)
		}
	}
	e.q.Unlock()

	for _, job := range finalize {
		e.FinalizeDelete(job)
	}
	return nil
}

func (e *Editor) unlockErr(err error) error {
	e.q.Unlock()
	return err
}

func activeDownloads(job *queue.NzbInfo) int {
	active := 0
	for _, fi := range job.FileList {
		active += fi.ActiveDownloads
	}
	return active
}

// FinalizeDelete removes a soft-deleted job: parked to history when it
// already downloaded something and history is kept, dropped otherwise.
func (e *Editor) FinalizeDelete(job *queue.NzbInfo) {
	e.q.Lock()
	hasContent := len(job.CompletedFiles) > 0 || job.SuccessSize > 0
	if e.KeepHistory && hasContent && !job.AvoidHistory {
		job.Deleted = true
		e.q.Park(job, time.Now())
		e.q.Unlock()
		e.log.Info("Deleted nzb parked to history", "id", job.ID, "name", job.Name)
		e.qc.Publish(coordinator.Event{Kind: coordinator.EventNzbDeleted, NzbID: job.ID})
		return
	}
	e.q.Unlock()
	e.qc.Drop(job)
	e.log.Info("Deleted nzb", "id", job.ID, "name", job.Name)
}

func (e *Editor) moveGroups(ids []int, action Action, offset int) error {
	e.q.Lock()
	defer e.q.Unlock()

	for _, id := range ids {
		job := e.q.Find(id)
		if job == nil {
			return fmt.Errorf("edit: nzb %d not found in queue", id)
		}
		idx := e.q.IndexOf(job)
		target := idx + offset
		switch action {
		case ActionGroupMoveTop:
			target = 0
		case ActionGroupMoveBottom:
			target = len(e.q.Items) - 1
		}
		if err := e.q.Move(id, target); err != nil {
			return err
		}
	}
	return nil
}

// smartMove moves all selected groups by offset while preserving their
// relative order. A selected group never moves past the original position of
// another selected group; positions clamp at the queue boundaries.
func (e *Editor) smartMove(ids []int, offset int) error {
	if offset == 0 {
		return nil
	}

	e.q.Lock()
	defer e.q.Unlock()

	selected := make(map[int]bool, len(ids))
	for _, id := range ids {
		if e.q.Find(id) == nil {
			return fmt.Errorf("edit: nzb %d not found in queue", id)
		}
		selected[id] = true
	}

	type placement struct {
		job    *queue.NzbInfo
		orig   int
		target int
	}
	var moves []placement
	for i, job := range e.q.Items {
		if selected[job.ID] {
			moves = append(moves, placement{job: job, orig: i})
		}
	}

	last := len(e.q.Items) - 1
	if offset < 0 {
		bound := 0
		for i := range moves {
			t := moves[i].orig + offset
			if t < bound {
				t = bound
			}
			moves[i].target = t
			bound = moves[i].orig + 1
		}
	} else {
		bound := last
		for i := len(moves) - 1; i >= 0; i-- {
			t := moves[i].orig + offset
			if t > bound {
				t = bound
			}
			moves[i].target = t
			bound = moves[i].orig - 1
		}
	}

	taken := make(map[int]*queue.NzbInfo, len(moves))
	for _, m := range moves {
		taken[m.target] = m.job
		m.job.Changed = true
	}

	rest := make([]*queue.NzbInfo, 0, len(e.q.Items)-len(moves))
	for _, job := range e.q.Items {
		if !selected[job.ID] {
			rest = append(rest, job)
		}
	}

	result := make([]*queue.NzbInfo, 0, len(e.q.Items))
	for i := 0; i <= last; i++ {
		if job, ok := taken[i]; ok {
			result = append(result, job)
			continue
		}
		if len(rest) > 0 {
			result = append(result, rest[0])
			rest = rest[1:]
		}
	}
	result = append(result, rest...)
	e.q.Items = result
	return nil
}

// pausePars pauses par files of the given groups. With extraOnly, only
// vol-pars are paused; when a group has no plain par2 file, the smallest
// vol-par stays downloadable.
func (e *Editor) pausePars(ids []int, extraOnly bool) error {
	e.q.Lock()
	defer e.q.Unlock()

	for _, id := range ids {
		job := e.q.Find(id)
		if job == nil {
			return fmt.Errorf("edit: nzb %d not found in queue", id)
		}

		if !extraOnly {
			for _, fi := range job.FileList {
				if fi.ParFile {
					fi.Paused = true
				}
			}
			job.Changed = true
			continue
		}

		var vols []*queue.FileInfo
		hasPlainPar := false
		for _, fi := range job.FileList {
			if !fi.ParFile {
				continue
			}
			if strings.Contains(strings.ToLower(fi.Filename), ".vol") {
				vols = append(vols, fi)
			} else {
				hasPlainPar = true
			}
		}
		for _, fi := range vols {
			fi.Paused = true
		}
		if !hasPlainPar && len(vols) > 0 {
			sort.Slice(vols, func(i, j int) bool { return vols[i].Size < vols[j].Size })
			vols[0].Paused = false
		}
		job.Changed = true
	}
	return nil
}

func (e *Editor) setGroupField(ids []int, action Action, text string) error {
	e.q.Lock()
	defer e.q.Unlock()

	for _, id := range ids {
		job := e.q.Find(id)
		if job == nil {
			return fmt.Errorf("edit: nzb %d not found in queue", id)
		}
		switch action {
		case ActionGroupSetPriority:
			prio, err := strconv.Atoi(text)
			if err != nil {
				return fmt.Errorf("edit: bad priority %q: %w", text, err)
			}
			job.Priority = prio
			for _, fi := range job.FileList {
				fi.Priority = prio
			}
		case ActionGroupSetCategory:
			job.Category = text
		case ActionGroupSetName:
			if text == "" {
				return fmt.Errorf("edit: empty name for nzb %d", id)
			}
			job.Name = text
		case ActionGroupSetParameter:
			name, value, found := strings.Cut(text, "=")
			if !found {
				return fmt.Errorf("edit: parameter must be name=value, got %q", text)
			}
			job.SetParameter(name, value)
		}
		job.Changed = true
	}

	if action == ActionGroupSetName {
		for _, id := range ids {
			e.q.Unlock()
			e.qc.Publish(coordinator.Event{Kind: coordinator.EventNzbNamed, NzbID: id})
			e.q.Lock()
		}
	}
	return nil
}

// merge folds all groups after the first into the first one.
func (e *Editor) merge(ids []int) error {
	if len(ids) < 2 {
		return fmt.Errorf("edit: merge needs at least two ids")
	}

	e.q.Lock()
	defer e.q.Unlock()

	for _, src := range ids[1:] {
		if err := e.q.Merge(src, ids[0]); err != nil {
			return err
		}
	}
	e.log.Info("Merged nzbs", "dst", ids[0], "srcs", ids[1:])
	return nil
}
