package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.io/infrasutra/mailarchive/internal/access"
	"github.io/infrasutra/mailarchive/internal/archive"
	"github.io/infrasutra/mailarchive/internal/index"
)

type mgmtRequest struct {
	Action    string   `json:"action"`
	Documents []string `json:"documents,omitempty"`
	Document  string   `json:"document,omitempty"`

	// Edit fields.
	From    string `json:"from,omitempty"`
	Subject string `json:"subject,omitempty"`
	List    string `json:"list,omitempty"`
	Private bool   `json:"private,omitempty"`
	Body    string `json:"body,omitempty"`

	// Log paging.
	Page int `json:"page,omitempty"`
	Size int `json:"size,omitempty"`
}

// handleMgmt is the admin surface: tombstoning, restoring and editing
// documents plus reading the audit log. Every action is gated inside the
// archive manager, so a non-admin gets 403 regardless of action.
func (s *Server) handleMgmt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ac := s.accessContext(r)

	var payload mgmtRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	actor := archive.Actor{Remote: r.RemoteAddr}
	if !ac.Anonymous() {
		actor.Email = ac.Identity.Email
	}

	switch payload.Action {
	case "delete":
		n, err := s.mgr.Delete(r.Context(), ac, actor, payload.documentSet())
		s.respondMgmt(w, payload.Action, n, err)
	case "restore":
		n, err := s.mgr.Restore(r.Context(), ac, actor, payload.documentSet())
		s.respondMgmt(w, payload.Action, n, err)
	case "edit":
		if payload.Document == "" {
			http.Error(w, "document required", http.StatusBadRequest)
			return
		}
		err := s.mgr.ApplyEdit(r.Context(), ac, actor, payload.Document, archive.Edit{
			From:    payload.From,
			Subject: payload.Subject,
			List:    payload.List,
			Private: payload.Private,
			Body:    payload.Body,
		})
		s.respondMgmt(w, payload.Action, 1, err)
	case "log":
		entries, err := s.mgr.AuditLog(r.Context(), ac, payload.Page, payload.Size)
		if err != nil {
			s.mgmtError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func (p mgmtRequest) documentSet() []string {
	if len(p.Documents) > 0 {
		return p.Documents
	}
	if p.Document != "" {
		return []string{p.Document}
	}
	return nil
}

func (s *Server) respondMgmt(w http.ResponseWriter, action string, affected int, err error) {
	if err != nil {
		s.mgmtError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"action":   action,
		"affected": affected,
	})
}

func (s *Server) mgmtError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, access.ErrDenied):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, index.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		s.logger.Error("management action", "error", err)
		http.Error(w, "management action failed", http.StatusInternalServerError)
	}
}
