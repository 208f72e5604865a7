package queue

import "time"

// PostInfo is attached to an NzbInfo while it runs the post-processing stage
// machine and destroyed when it leaves.
type PostInfo struct {
	NzbID int

	Stage           PostStage
	Working         bool
	Deleted         bool
	RequestParCheck bool
	ForceParFull    bool
	ForceRepair     bool
	NeedParCheck    bool

	ProgressLabel string
	StageProgress int
	FileProgress  int

	StartTime time.Time
	StageTime time.Time

	// Stop is the cooperative cancellation flag; stages check it between
	// subtasks.
	Stop bool
}

// NewPostInfo attaches post state to a job entering the stage machine.
func NewPostInfo(nzbID int) *PostInfo {
	now := time.Now()
	return &PostInfo{
		NzbID:     nzbID,
		Stage:     StageQueued,
		StartTime: now,
		StageTime: now,
	}
}

// SetStage advances the machine and resets per-stage bookkeeping.
func (p *PostInfo) SetStage(stage PostStage) {
	p.Stage = stage
	p.StageTime = time.Now()
	p.StageProgress = 0
	p.FileProgress = 0
}
