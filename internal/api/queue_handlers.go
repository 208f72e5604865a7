package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/javi11/nzbd/internal/editor"
)

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	s.q.Lock()
	items := make([]QueueItemResponse, 0, len(s.q.Items))
	for _, job := range s.q.Items {
		items = append(items, toQueueItemResponse(job, false))
	}
	s.q.Unlock()

	WriteSuccess(w, items, map[string]interface{}{"count": len(items)})
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		WriteBadRequest(w, "Invalid queue id", err.Error())
		return
	}

	s.q.Lock()
	job := s.q.Find(id)
	var item QueueItemResponse
	if job != nil {
		item = toQueueItemResponse(job, true)
	}
	s.q.Unlock()

	if job == nil {
		WriteNotFound(w, "Queue item not found", "")
		return
	}
	WriteSuccess(w, item, nil)
}

// editRequest is the body of POST /queue/edit.
type editRequest struct {
	IDs    []int  `json:"ids"`
	Action string `json:"action"`
	Offset int    `json:"offset,omitempty"`
	Text   string `json:"text,omitempty"`
}

var editActions = map[string]editor.Action{
	"file_pause":       editor.ActionFilePause,
	"file_resume":      editor.ActionFileResume,
	"file_delete":      editor.ActionFileDelete,
	"file_reorder":     editor.ActionFileReorder,
	"pause":            editor.ActionGroupPause,
	"resume":           editor.ActionGroupResume,
	"delete":           editor.ActionGroupDelete,
	"move_offset":      editor.ActionGroupMoveOffset,
	"move_top":         editor.ActionGroupMoveTop,
	"move_bottom":      editor.ActionGroupMoveBottom,
	"smart_offset":     editor.ActionGroupSmartOffset,
	"pause_all_pars":   editor.ActionGroupPauseAllPars,
	"pause_extra_pars": editor.ActionGroupPauseExtraPars,
	"set_priority":     editor.ActionGroupSetPriority,
	"set_category":     editor.ActionGroupSetCategory,
	"set_name":         editor.ActionGroupSetName,
	"set_parameter":    editor.ActionGroupSetParameter,
	"merge":            editor.ActionGroupMerge,
	"post_delete":      editor.ActionPostDelete,
}

func (s *Server) handleEditQueue(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body", err.Error())
		return
	}

	action, ok := editActions[req.Action]
	if !ok {
		WriteBadRequest(w, "Unknown edit action", req.Action)
		return
	}

	if err := s.editor.Edit(req.IDs, action, req.Offset, req.Text); err != nil {
		WriteBadRequest(w, "Edit failed", err.Error())
		return
	}
	WriteSuccess(w, map[string]interface{}{"edited": len(req.IDs)}, nil)
}

// addURLRequest is the body of POST /queue/url.
type addURLRequest struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Category string `json:"category,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Top      bool   `json:"top,omitempty"`
	Paused   bool   `json:"paused,omitempty"`
}

func (s *Server) handleAddURL(w http.ResponseWriter, r *http.Request) {
	var req addURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body", err.Error())
		return
	}
	if req.URL == "" {
		WriteBadRequest(w, "Missing url", "")
		return
	}

	id, err := s.fetcher.AddURL(req.URL, req.Name, req.Category, req.Priority, req.Top, req.Paused)
	if err != nil {
		WriteInternalError(w, "Cannot queue url", err.Error())
		return
	}
	WriteSuccess(w, map[string]interface{}{"id": id}, nil)
}
