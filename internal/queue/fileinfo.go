package queue

import (
	"sync"
	"time"
)

// ArticleInfo is one NNTP article of one file.
type ArticleInfo struct {
	PartNumber     int
	Size           int
	MessageID      string
	Status         ArticleStatus
	ResultFilename string
	SegmentOffset  int64
	SegmentSize    int
	CRC            uint32

	// Segment holds decoded bytes while the article sits in the cache.
	// Owned by the article cache allocator; nil once flushed to disk.
	Segment []byte
}

// FileInfo is one article file in one NzbInfo. It borrows its parent through
// NzbID and is resolved through the Queue, never through a back pointer.
type FileInfo struct {
	ID                int
	NzbID             int
	Subject           string
	Filename          string
	FilenameConfirmed bool
	Origname          string
	Time              time.Time
	Size              int64
	MissedSize        int64
	SuccessSize       int64
	FailedSize        int64
	ParFile           bool
	Hash16k           string
	ParSetID          string
	Priority          int
	ExtraPriority     bool

	TotalArticles     int
	MissedArticles    int
	FailedArticles    int
	SuccessArticles   int
	CompletedArticles int

	PartialState      PartialState
	PartialChanged    bool
	Paused            bool
	Deleted           bool
	AutoDeleted       bool
	ForceDirectWrite  bool
	OutputInitialized bool
	CachedArticles    int
	ActiveDownloads   int

	Articles []*ArticleInfo
	Groups   []string
	Stats    []ServerStat

	// OutputMu serializes creation and extension of the output file across
	// concurrent article writers.
	OutputMu sync.Mutex
	// FlushMu is held while the cache flusher writes cached segments so a
	// concurrent completion does not observe half-flushed articles.
	FlushMu sync.Mutex

	OutputFilename string
}

// RemainingSize returns bytes not yet downloaded or failed.
func (f *FileInfo) RemainingSize() int64 {
	return f.Size - f.SuccessSize - f.FailedSize - f.MissedSize
}

// PendingArticles returns articles not yet in a terminal state.
func (f *FileInfo) PendingArticles() int {
	return f.TotalArticles - f.SuccessArticles - f.FailedArticles - f.MissedArticles
}

// EffectivePriority folds the extra-priority boost into the numeric value.
func (f *FileInfo) EffectivePriority() int {
	if f.ExtraPriority {
		return f.Priority + 1000000
	}
	return f.Priority
}

// ServerStatFor returns the mutable stat entry for a server id.
func (f *FileInfo) ServerStatFor(serverID int) *ServerStat {
	for i := range f.Stats {
		if f.Stats[i].ServerID == serverID {
			return &f.Stats[i]
		}
	}
	f.Stats = append(f.Stats, ServerStat{ServerID: serverID})
	return &f.Stats[len(f.Stats)-1]
}

// CompletedFile records a file that was fully assembled and left the queue.
type CompletedFile struct {
	ID       int
	Filename string
	Origname string
	Status   CompletedStatus
	CRC      uint32
	ParFile  bool
	Hash16k  string
	ParSetID string
}
