package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/chronomap/chronomap/internal/auth"
	"github.com/chronomap/chronomap/internal/models"
	"github.com/chronomap/chronomap/internal/provider"
	"github.com/chronomap/chronomap/internal/store"
)

type pollResponse struct {
	TaskID   string           `json:"task_id"`
	Status   string           `json:"status"`
	Output   string           `json:"output,omitempty"`
	Messages []models.Message `json:"messages,omitempty"`
	Sources  []models.Source  `json:"sources,omitempty"`
	Images   []models.Image   `json:"images,omitempty"`
	Progress *models.Progress `json:"progress,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// handlePoll serves a one-shot snapshot of a task for clients that
// were handed off the stream or reopened the page.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	providerTaskID := r.URL.Query().Get("taskId")
	if providerTaskID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "taskId is required")
		return
	}

	ledger, err := s.store.GetTaskByProviderID(r.Context(), providerTaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown task")
			return
		}
		s.logger.Error("Ledger lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "task lookup failed")
		return
	}
	if !s.canAccessTask(r, ledger) {
		// Same shape as unknown tasks so probing ids leaks nothing.
		writeError(w, http.StatusNotFound, "not_found", "unknown task")
		return
	}

	snap, err := s.orchestrator.Snapshot(r.Context(), providerTaskID)
	if err != nil {
		if errors.Is(err, provider.ErrTaskNotFound) {
			// The provider expired the run; serve the ledger's last word.
			writeJSON(w, http.StatusOK, pollFromLedger(ledger))
			return
		}
		s.logger.Error("Snapshot failed",
			zap.String("provider_task_id", providerTaskID),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "provider_error", "could not fetch task state")
		return
	}

	resp := pollResponse{
		TaskID:   providerTaskID,
		Status:   string(snap.Status),
		Output:   snap.Output,
		Messages: snap.Messages,
		Sources:  snap.Sources,
		Images:   snap.Images,
		Error:    snap.Error,
	}
	if snap.Progress.TotalSteps > 0 {
		p := snap.Progress
		resp.Progress = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

func pollFromLedger(t *models.Task) pollResponse {
	resp := pollResponse{
		TaskID: t.ProviderTaskID,
		Status: string(t.Status),
	}
	if t.Output != nil {
		resp.Output = *t.Output
	}
	if t.ErrorMessage != nil {
		resp.Error = *t.ErrorMessage
	}
	return resp
}

// canAccessTask checks ownership: the owning user, the anonymous
// visitor holding the identity cookie, or anyone with the share token.
func (s *Server) canAccessTask(r *http.Request, t *models.Task) bool {
	if token := r.URL.Query().Get("share_token"); token != "" && t.ShareToken != nil && token == *t.ShareToken {
		return true
	}
	if t.OwnerID != nil {
		userCtx, ok := auth.GetUserContext(r.Context())
		return ok && userCtx.UserID == *t.OwnerID
	}
	if t.AnonymousID != nil {
		if c, err := r.Cookie(anonCookieName); err == nil {
			if state, err := s.cookies.Decode(c.Value); err == nil {
				return state.ID == *t.AnonymousID
			}
		}
		return false
	}
	return true
}
