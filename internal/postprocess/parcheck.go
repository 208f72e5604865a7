package postprocess

import (
	"context"
	"errors"
)

// ParResult is the verdict of an external par-check/repair run.
type ParResult int

const (
	ParResultRepaired ParResult = iota
	ParResultRepairNotNeeded
	ParResultRepairPossible
	ParResultFailed
)

// ErrMoreBlocksNeeded is returned by a ParChecker when repair needs more
// recovery blocks than are present on disk. The processor unpauses queued
// par files and suspends post-processing until they arrive.
var ErrMoreBlocksNeeded = errors.New("par repair needs more recovery blocks")

// ParCheckRequest describes one verification run over a job's destination
// directory.
type ParCheckRequest struct {
	NzbID    int
	DestDir  string
	ParSetID string
	// ForceRepair repairs even when verification alone would suffice.
	ForceRepair bool
	// Progress receives per-mille stage progress; may be nil.
	Progress func(permille int)
	// NeededBlocks reports how many recovery blocks are missing when the
	// checker returns ErrMoreBlocksNeeded.
	NeededBlocks func(blocks int)
}

// ParChecker verifies and repairs a download using par2 recovery data. The
// par2 engine itself is an external collaborator; the processor only drives
// it and maps its outcome onto the job status.
type ParChecker interface {
	Check(ctx context.Context, req ParCheckRequest) (ParResult, error)
}

// ParRenamer restores original filenames from par2 hashes after obfuscated
// posts. Returns the number of renamed files.
type ParRenamer interface {
	Rename(ctx context.Context, destDir string) (int, error)
}
