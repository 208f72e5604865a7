package queue

import "time"

// UrlInfo is a compact record for a remote-fetch placeholder kept in history.
type UrlInfo struct {
	ID       int
	Name     string
	URL      string
	Category string
	Priority int
	Status   URLStatus
}

// DupInfo is the compact history record kept for jobs hidden from the main
// history, typically dupe backups collapsed after a good mark.
type DupInfo struct {
	ID           int
	Name         string
	DupeKey      string
	DupeScore    int
	DupeMode     DupeMode
	Size         int64
	FullHash     uint32
	FilteredHash uint32
	Status       DupStatus
}

// HistoryInfo is a terminated job retained for dedupe and the UI. Exactly one
// of Nzb, URL or Dup is non-nil, matching Kind.
type HistoryInfo struct {
	Kind HistoryKind
	Time time.Time

	Nzb *NzbInfo
	URL *UrlInfo
	Dup *DupInfo
}

// ID returns the id of the owned payload.
func (h *HistoryInfo) ID() int {
	switch h.Kind {
	case HistoryURL:
		return h.URL.ID
	case HistoryDup:
		return h.Dup.ID
	default:
		return h.Nzb.ID
	}
}

// Name returns the display name of the owned payload.
func (h *HistoryInfo) Name() string {
	switch h.Kind {
	case HistoryURL:
		return h.URL.Name
	case HistoryDup:
		return h.Dup.Name
	default:
		return h.Nzb.Name
	}
}
