package queue

import (
	"time"
)

// ServerStat accumulates per-news-server article counters for one job or file.
type ServerStat struct {
	ServerID        int
	SuccessArticles int
	FailedArticles  int
}

// Message is one entry of the per-job message ring.
type Message struct {
	ID   int
	Time time.Time
	Kind MessageKind
	Text string
}

// Parameter is a named per-job value settable by users and scripts.
type Parameter struct {
	Name  string
	Value string
}

// ScriptStatusEntry records the outcome of one post-script for one job.
type ScriptStatusEntry struct {
	Name   string
	Status ScriptStatus
}

// NzbInfo is one queued or historical job.
type NzbInfo struct {
	ID             int
	Kind           Kind
	URL            string
	Name           string
	Filename       string
	QueuedFilename string
	DestDir        string
	FinalDir       string
	Category       string

	Priority      int
	ExtraPriority bool

	DupeKey   string
	DupeScore int
	DupeMode  DupeMode
	DupeHint  string

	FullContentHash     uint32
	FilteredContentHash uint32

	Size            int64
	SuccessSize     int64
	FailedSize      int64
	CurrentSuccessSize int64
	CurrentFailedSize  int64
	ParSize         int64
	ParSuccessSize  int64
	ParFailedSize   int64
	ParCurrentSuccessSize int64
	ParCurrentFailedSize  int64
	DownloadedSize  int64

	TotalArticles   int
	SuccessArticles int
	FailedArticles  int
	CurrentSuccessArticles int
	CurrentFailedArticles  int

	MinTime time.Time
	MaxTime time.Time

	DownloadSec int
	PostSec     int
	ParSec      int
	RepairSec   int
	UnpackSec   int

	ParStatus          ParStatus
	UnpackStatus       UnpackStatus
	MoveStatus         MoveStatus
	ParRenameStatus    RenameStatus
	RarRenameStatus    RenameStatus
	DirectRenameStatus DirectRenameStatus
	DeleteStatus       DeleteStatus
	MarkStatus         MarkStatus
	URLStatus          URLStatus

	Deleted             bool
	Deleting            bool
	AvoidHistory        bool
	HealthPaused        bool
	AddURLPaused        bool
	ManyDupeFiles       bool
	Parking             bool
	ParFull             bool
	ExtraParBlocks      int
	UnpackCleanedUpDisk bool
	FeedID              int

	FileList       []*FileInfo
	CompletedFiles []*CompletedFile
	Parameters     []Parameter
	ScriptStatuses []ScriptStatusEntry
	ServerStats    []ServerStat
	Messages       []Message

	PostInfo *PostInfo

	// Changed marks the job for the next delta save; cleared on full save.
	Changed bool

	messageID int
}

// NewNzbInfo returns a job with zero counters. The caller assigns the id
// through Queue.NextNzbID so ids stay unique within the persisted state.
func NewNzbInfo() *NzbInfo {
	return &NzbInfo{}
}

// RemainingSize returns the bytes not yet accounted as success or failure.
func (n *NzbInfo) RemainingSize() int64 {
	return n.Size - n.SuccessSize - n.FailedSize
}

// RemainingParCount counts paused par files still in the file list.
func (n *NzbInfo) RemainingParCount() int {
	count := 0
	for _, fi := range n.FileList {
		if fi.ParFile && fi.Paused {
			count++
		}
	}
	return count
}

// PausedSize sums sizes of paused files still in the list.
func (n *NzbInfo) PausedSize() int64 {
	var size int64
	for _, fi := range n.FileList {
		if fi.Paused {
			size += fi.RemainingSize()
		}
	}
	return size
}

// EffectivePriority folds the extra-priority boost into the numeric priority.
func (n *NzbInfo) EffectivePriority() int {
	if n.ExtraPriority {
		return n.Priority + 1000000
	}
	return n.Priority
}

// CalcHealth returns the job health in per-mille: 1000 means no damage,
// values sink as non-par bytes fail.
func (n *NzbInfo) CalcHealth() int {
	if n.CurrentFailedSize == 0 || n.Size == n.ParSize {
		return 1000
	}
	health := int(1000 - (n.CurrentFailedSize-n.ParCurrentFailedSize)*1000/(n.Size-n.ParSize))
	if health < 0 {
		health = 0
	}
	return health
}

// CalcCriticalHealth returns the health threshold below which par repair
// cannot recover the job.
func (n *NzbInfo) CalcCriticalHealth(allowEstimation bool) int {
	if n.Size == n.ParSize {
		return 0
	}
	if n.ParSize == 0 && !allowEstimation {
		return 1000
	}
	goodParSize := n.ParSize - n.ParCurrentFailedSize
	criticalHealth := int(1000 - goodParSize*1000/(n.Size-n.ParSize))
	if goodParSize*2 > n.Size-n.ParSize {
		criticalHealth = 0
	} else if criticalHealth == 1000 && n.ParSize > 0 {
		criticalHealth = 999
	}
	return criticalHealth
}

// IsDownloadCompleted reports whether every file reached a terminal state.
// Deleted files are terminal: their articles are never reserved again. When
// ignorePausedPars is set, paused par files do not block completion either.
func (n *NzbInfo) IsDownloadCompleted(ignorePausedPars bool) bool {
	for _, fi := range n.FileList {
		if fi.Deleted {
			continue
		}
		if ignorePausedPars && fi.ParFile && fi.Paused {
			continue
		}
		return false
	}
	return true
}

// IsDupeSuccess is the success criterion the duplicate coordinator compares
// against: not deleted, not marked bad and post stages healthy enough.
func (n *NzbInfo) IsDupeSuccess() bool {
	failure := n.MarkStatus == MarkBad ||
		n.DeleteStatus != DeleteNone ||
		n.ParStatus == ParFailure ||
		n.UnpackStatus == UnpackFailure ||
		n.UnpackStatus == UnpackPassword
	if !failure && n.ParStatus == ParSkipped &&
		n.UnpackStatus == UnpackSkipped &&
		n.CalcHealth() < n.CalcCriticalHealth(true) {
		failure = true
	}
	return !failure
}

// AddMessage appends to the message ring. The caller is expected to mirror
// the message into the per-job log through the diskstate store.
func (n *NzbInfo) AddMessage(kind MessageKind, text string) Message {
	n.messageID++
	msg := Message{ID: n.messageID, Time: time.Now(), Kind: kind, Text: text}
	n.Messages = append(n.Messages, msg)
	if len(n.Messages) > 1000 {
		n.Messages = n.Messages[len(n.Messages)-1000:]
	}
	return msg
}

// Parameter lookup; empty string when unset.
func (n *NzbInfo) GetParameter(name string) string {
	for _, p := range n.Parameters {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

// SetParameter adds, replaces or (with empty value) removes a parameter.
func (n *NzbInfo) SetParameter(name, value string) {
	for i, p := range n.Parameters {
		if p.Name == name {
			if value == "" {
				n.Parameters = append(n.Parameters[:i], n.Parameters[i+1:]...)
			} else {
				n.Parameters[i].Value = value
			}
			n.Changed = true
			return
		}
	}
	if value != "" {
		n.Parameters = append(n.Parameters, Parameter{Name: name, Value: value})
		n.Changed = true
	}
}

// SetScriptStatus records the outcome of one post-script run.
func (n *NzbInfo) SetScriptStatus(name string, status ScriptStatus) {
	for i, s := range n.ScriptStatuses {
		if s.Name == name {
			n.ScriptStatuses[i].Status = status
			return
		}
	}
	n.ScriptStatuses = append(n.ScriptStatuses, ScriptStatusEntry{Name: name, Status: status})
}

// ServerStatFor returns the mutable stat entry for a server id, creating it
// on first use.
func (n *NzbInfo) ServerStatFor(serverID int) *ServerStat {
	for i := range n.ServerStats {
		if n.ServerStats[i].ServerID == serverID {
			return &n.ServerStats[i]
		}
	}
	n.ServerStats = append(n.ServerStats, ServerStat{ServerID: serverID})
	return &n.ServerStats[len(n.ServerStats)-1]
}

// UpdateCompletedStats moves a finished file's counters from the live file
// counters into the job totals. Maintains size = success + failed + remaining.
func (n *NzbInfo) UpdateCompletedStats(fi *FileInfo) {
	n.SuccessSize += fi.SuccessSize
	n.FailedSize += fi.FailedSize + fi.MissedSize
	n.SuccessArticles += fi.SuccessArticles
	n.FailedArticles += fi.FailedArticles + fi.MissedArticles
	if fi.ParFile {
		n.ParSuccessSize += fi.SuccessSize
		n.ParFailedSize += fi.FailedSize + fi.MissedSize
	}
}

// UpdateCurrentStats recalculates the current-* counters from scratch; used
// after merges and deletes where incremental bookkeeping is unsafe.
func (n *NzbInfo) UpdateCurrentStats() {
	n.CurrentSuccessSize = n.SuccessSize
	n.CurrentFailedSize = n.FailedSize
	n.ParCurrentSuccessSize = n.ParSuccessSize
	n.ParCurrentFailedSize = n.ParFailedSize
	n.CurrentSuccessArticles = n.SuccessArticles
	n.CurrentFailedArticles = n.FailedArticles
	for _, fi := range n.FileList {
		n.CurrentSuccessSize += fi.SuccessSize
		n.CurrentFailedSize += fi.FailedSize + fi.MissedSize
		if fi.ParFile {
			n.ParCurrentSuccessSize += fi.SuccessSize
			n.ParCurrentFailedSize += fi.FailedSize + fi.MissedSize
		}
		n.CurrentSuccessArticles += fi.SuccessArticles
		n.CurrentFailedArticles += fi.FailedArticles
	}
}
