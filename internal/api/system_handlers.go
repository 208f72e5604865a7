package api

import (
	"encoding/json"
	"net/http"
	"time"
)

const version = "1.0.0"

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.q.Lock()
	queued := len(s.q.Items)
	history := len(s.q.History)
	var remaining int64
	for _, job := range s.q.Items {
		remaining += job.RemainingSize()
	}
	s.q.Unlock()

	status := StatusResponse{
		Paused:         s.qc.Paused(),
		SpeedLimit:     s.qc.SpeedLimit(),
		QueuedCount:    queued,
		HistoryCount:   history,
		RemainingSize:  remaining,
		UptimeSeconds:  int64(time.Since(s.startTime).Seconds()),
		CacheAllocated: s.cache.Allocated(),
		Version:        version,
	}
	WriteSuccess(w, status, nil)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.qc.SetPaused(true)
	WriteSuccess(w, map[string]interface{}{"paused": true}, nil)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.qc.SetPaused(false)
	WriteSuccess(w, map[string]interface{}{"paused": false}, nil)
}

// rateRequest is the body of POST /rate.
type rateRequest struct {
	LimitKB int64 `json:"limit_kb"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body", err.Error())
		return
	}
	if req.LimitKB < 0 {
		WriteBadRequest(w, "Rate limit must be non-negative", "")
		return
	}
	s.qc.SetSpeedLimit(req.LimitKB * 1024)
	WriteSuccess(w, map[string]interface{}{"limit_kb": req.LimitKB}, nil)
}
