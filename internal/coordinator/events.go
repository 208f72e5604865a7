package coordinator

import "sync"

// EventKind identifies a structured queue event.
type EventKind int

const (
	EventNzbAdded EventKind = iota
	EventNzbNamed
	EventFileDownloaded
	EventFileDeleted
	EventNzbDownloaded
	EventNzbDeleted
	EventNzbMarked
	EventURLCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventNzbAdded:
		return "NZB_ADDED"
	case EventNzbNamed:
		return "NZB_NAMED"
	case EventFileDownloaded:
		return "FILE_DOWNLOADED"
	case EventFileDeleted:
		return "FILE_DELETED"
	case EventNzbDownloaded:
		return "NZB_DOWNLOADED"
	case EventNzbDeleted:
		return "NZB_DELETED"
	case EventNzbMarked:
		return "NZB_MARKED"
	case EventURLCompleted:
		return "URL_COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Event is published on every observable queue change.
type Event struct {
	Kind   EventKind
	NzbID  int
	FileID int
}

// Observer receives queue events. Handlers run outside the queue lock and
// must not block for long.
type Observer func(Event)

type publisher struct {
	mu        sync.RWMutex
	observers []Observer
}

func (p *publisher) register(obs Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, obs)
}

func (p *publisher) publish(ev Event) {
	p.mu.RLock()
	observers := append([]Observer(nil), p.observers...)
	p.mu.RUnlock()
	for _, obs := range observers {
		obs(ev)
	}
}
