package api

import (
	"time"

	"github.com/javi11/nzbd/internal/queue"
)

// QueueItemResponse is the wire shape of one queued job.
type QueueItemResponse struct {
	ID             int               `json:"id"`
	Name           string            `json:"name"`
	Category       string            `json:"category"`
	Priority       int               `json:"priority"`
	Size           int64             `json:"size"`
	RemainingSize  int64             `json:"remaining_size"`
	PausedSize     int64             `json:"paused_size"`
	DownloadedSize int64             `json:"downloaded_size"`
	Health         int               `json:"health"`
	CriticalHealth int               `json:"critical_health"`
	FileCount      int               `json:"file_count"`
	DupeKey        string            `json:"dupe_key,omitempty"`
	DupeScore      int               `json:"dupe_score,omitempty"`
	DupeMode       string            `json:"dupe_mode"`
	PostStage      string            `json:"post_stage,omitempty"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	Files          []FileResponse    `json:"files,omitempty"`
}

// FileResponse is the wire shape of one file of a job.
type FileResponse struct {
	ID        int    `json:"id"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Remaining int64  `json:"remaining"`
	Paused    bool   `json:"paused"`
	ParFile   bool   `json:"par_file"`
}

// HistoryItemResponse is the wire shape of one history entry.
type HistoryItemResponse struct {
	ID           int       `json:"id"`
	Kind         string    `json:"kind"`
	Name         string    `json:"name"`
	Time         time.Time `json:"time"`
	Size         int64     `json:"size,omitempty"`
	Category     string    `json:"category,omitempty"`
	DeleteStatus string    `json:"delete_status,omitempty"`
	MarkStatus   string    `json:"mark_status,omitempty"`
}

// StatusResponse is the wire shape of the daemon status.
type StatusResponse struct {
	Paused         bool   `json:"paused"`
	SpeedLimit     int64  `json:"speed_limit"`
	QueuedCount    int    `json:"queued_count"`
	HistoryCount   int    `json:"history_count"`
	RemainingSize  int64  `json:"remaining_size"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	CacheAllocated int64  `json:"cache_allocated"`
	Version        string `json:"version"`
}

// toQueueItemResponse snapshots a job. Caller holds the queue lock.
func toQueueItemResponse(job *queue.NzbInfo, includeFiles bool) QueueItemResponse {
	item := QueueItemResponse{
		ID:             job.ID,
		Name:           job.Name,
		Category:       job.Category,
		Priority:       job.Priority,
		Size:           job.Size,
		RemainingSize:  job.RemainingSize(),
		PausedSize:     job.PausedSize(),
		DownloadedSize: job.DownloadedSize,
		Health:         job.CalcHealth(),
		CriticalHealth: job.CalcCriticalHealth(true),
		FileCount:      len(job.FileList),
		DupeKey:        job.DupeKey,
		DupeScore:      job.DupeScore,
		DupeMode:       job.DupeMode.String(),
	}
	if job.PostInfo != nil {
		item.PostStage = job.PostInfo.Stage.String()
	}
	if len(job.Parameters) > 0 {
		item.Parameters = make(map[string]string, len(job.Parameters))
		for _, p := range job.Parameters {
			item.Parameters[p.Name] = p.Value
		}
	}
	if includeFiles {
		item.Files = make([]FileResponse, 0, len(job.FileList))
		for _, fi := range job.FileList {
			item.Files = append(item.Files, FileResponse{
				ID:        fi.ID,
				Filename:  fi.Filename,
				Size:      fi.Size,
				Remaining: fi.Size - fi.SuccessSize - fi.FailedSize,
				Paused:    fi.Paused,
				ParFile:   fi.ParFile,
			})
		}
	}
	return item
}

// toHistoryItemResponse snapshots a history entry. Caller holds the queue lock.
func toHistoryItemResponse(hist *queue.HistoryInfo) HistoryItemResponse {
	item := HistoryItemResponse{
		ID:   hist.ID(),
		Time: hist.Time,
	}
	switch hist.Kind {
	case queue.HistoryURL:
		item.Kind = "url"
		item.Name = hist.URL.Name
	case queue.HistoryDup:
		item.Kind = "dup"
		item.Name = hist.Dup.Name
		item.Size = hist.Dup.Size
	default:
		item.Kind = "nzb"
		item.Name = hist.Nzb.Name
		item.Size = hist.Nzb.Size
		item.Category = hist.Nzb.Category
		item.DeleteStatus = hist.Nzb.DeleteStatus.String()
		item.MarkStatus = markStatusLabel(hist.Nzb.MarkStatus)
	}
	return item
}

func markStatusLabel(m queue.MarkStatus) string {
	switch m {
	case queue.MarkGood:
		return "good"
	case queue.MarkBad:
		return "bad"
	case queue.MarkSuccess:
		return "success"
	default:
		return ""
	}
}
