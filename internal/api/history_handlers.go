package api

import (
	"encoding/json"
	"net/http"
	"strconv"
)

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	s.q.Lock()
	items := make([]HistoryItemResponse, 0, len(s.q.History))
	for _, hist := range s.q.History {
		items = append(items, toHistoryItemResponse(hist))
	}
	s.q.Unlock()

	WriteSuccess(w, items, map[string]interface{}{"count": len(items)})
}

// markRequest is the body of POST /history/{id}/mark.
type markRequest struct {
	Mark string `json:"mark"` // "good" or "bad"
}

func (s *Server) handleMarkHistory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		WriteBadRequest(w, "Invalid history id", err.Error())
		return
	}

	var req markRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body", err.Error())
		return
	}

	s.q.Lock()
	hist := s.q.FindHistory(id)
	s.q.Unlock()
	if hist == nil {
		WriteNotFound(w, "History item not found", "")
		return
	}

	switch req.Mark {
	case "good":
		s.dupes.MarkGood(id)
	case "bad":
		s.dupes.MarkBad(id)
	default:
		WriteBadRequest(w, "Unknown mark", req.Mark)
		return
	}
	WriteSuccess(w, map[string]interface{}{"id": id, "mark": req.Mark}, nil)
}
