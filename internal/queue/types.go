package queue

// Kind distinguishes real NZB jobs from remote-fetch placeholders.
type Kind int

const (
	KindNzb Kind = iota
	KindURL
)

// DeleteStatus records why a job left the queue without completing.
type DeleteStatus int

const (
	DeleteNone DeleteStatus = iota
	DeleteManual
	DeleteHealth
	DeleteDupe
	DeleteBad
	DeleteCopy
	DeleteGood
	DeleteScan
)

func (s DeleteStatus) String() string {
	switch s {
	case DeleteManual:
		return "MANUAL"
	case DeleteHealth:
		return "HEALTH"
	case DeleteDupe:
		return "DUPE"
	case DeleteBad:
		return "BAD"
	case DeleteCopy:
		return "COPY"
	case DeleteGood:
		return "GOOD"
	case DeleteScan:
		return "SCAN"
	default:
		return "NONE"
	}
}

// ParStatus is the outcome of the par-check/repair stage.
type ParStatus int

const (
	ParNone ParStatus = iota
	ParSkipped
	ParFailure
	ParSuccess
	ParRepairPossible
	ParManual
)

// UnpackStatus is the outcome of the unpack stage.
type UnpackStatus int

const (
	UnpackNone UnpackStatus = iota
	UnpackSkipped
	UnpackFailure
	UnpackSuccess
	UnpackSpace
	UnpackPassword
)

// MoveStatus is the outcome of the move-to-final-dir stage.
type MoveStatus int

const (
	MoveNone MoveStatus = iota
	MoveFailure
	MoveSuccess
)

// RenameStatus is shared by the par-rename and rar-rename stages.
type RenameStatus int

const (
	RenameNone RenameStatus = iota
	RenameSkipped
	RenameFailure
	RenameSuccess
)

// DirectRenameStatus tracks early rename performed while still downloading.
type DirectRenameStatus int

const (
	DirectRenameNone DirectRenameStatus = iota
	DirectRenameSuccess
)

// MarkStatus is a user verdict on a finished job.
type MarkStatus int

const (
	MarkNone MarkStatus = iota
	MarkBad
	MarkGood
	MarkSuccess
)

// URLStatus is the outcome of fetching a remote NZB.
type URLStatus int

const (
	URLNone URLStatus = iota
	URLRunning
	URLFinished
	URLFailed
	URLRetry
	URLScanSkipped
	URLScanFailed
)

// DupeMode controls how the duplicate coordinator treats a job.
type DupeMode int

const (
	DupeScore DupeMode = iota
	DupeAll
	DupeForce
)

func (m DupeMode) String() string {
	switch m {
	case DupeAll:
		return "ALL"
	case DupeForce:
		return "FORCE"
	default:
		return "SCORE"
	}
}

// ScriptStatus is the per-script outcome of the post-script stage.
type ScriptStatus int

const (
	ScriptNone ScriptStatus = iota
	ScriptFailure
	ScriptSuccess
)

// ArticleStatus tracks one article through download.
type ArticleStatus int

const (
	ArticleUndefined ArticleStatus = iota
	ArticleRunning
	ArticleFinished
	ArticleFailed
)

// PartialState describes how much per-article state of a file is on disk.
type PartialState int

const (
	PartialNone PartialState = iota
	PartialPartial
	PartialCompleted
)

// CompletedStatus is the terminal status of an assembled file.
type CompletedStatus int

const (
	CompletedNone CompletedStatus = iota
	CompletedSuccess
	CompletedPartial
	CompletedFailure
)

// HistoryKind discriminates the payload owned by a HistoryInfo.
type HistoryKind int

const (
	HistoryNzb HistoryKind = iota
	HistoryURL
	HistoryDup
)

// DupStatus is the compact status kept for collapsed duplicate records.
type DupStatus int

const (
	DupUnknown DupStatus = iota
	DupSuccess
	DupFailed
	DupDeleted
	DupDupe
	DupBad
	DupGood
)

// MessageKind classifies per-job log messages.
type MessageKind int

const (
	MessageInfo MessageKind = iota
	MessageWarning
	MessageError
	MessageDebug
	MessageDetail
)

func (k MessageKind) String() string {
	switch k {
	case MessageWarning:
		return "WARNING"
	case MessageError:
		return "ERROR"
	case MessageDebug:
		return "DEBUG"
	case MessageDetail:
		return "DETAIL"
	default:
		return "INFO"
	}
}

// PostStage enumerates the states of the post-processing machine.
type PostStage int

const (
	StageQueued PostStage = iota
	StageLoadingPars
	StageVerifyingSources
	StageRepairing
	StageVerifyingRepaired
	StageRenaming
	StageUnpacking
	StageMoving
	StageExecutingScript
	StageFinished
)

func (s PostStage) String() string {
	switch s {
	case StageLoadingPars:
		return "LOADING_PARS"
	case StageVerifyingSources:
		return "VERIFYING_SOURCES"
	case StageRepairing:
		return "REPAIRING"
	case StageVerifyingRepaired:
		return "VERIFYING_REPAIRED"
	case StageRenaming:
		return "RENAMING"
	case StageUnpacking:
		return "UNPACKING"
	case StageMoving:
		return "MOVING"
	case StageExecutingScript:
		return "EXECUTING_SCRIPT"
	case StageFinished:
		return "FINISHED"
	default:
		return "QUEUED"
	}
}
