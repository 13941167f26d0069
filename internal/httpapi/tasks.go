package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chronomap/chronomap/internal/auth"
	"github.com/chronomap/chronomap/internal/models"
	"github.com/chronomap/chronomap/internal/store"
)

const defaultPageSize = 50

// handleListTasks returns the caller's research history, newest first.
// Signed-in users see their account's tasks; anonymous visitors see the
// tasks tied to their identity cookie.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}

	var (
		tasks []models.Task
		err   error
	)
	if userCtx, ok := auth.GetUserContext(r.Context()); ok {
		tasks, err = s.store.ListTasksByOwner(r.Context(), userCtx.UserID, limit, offset)
	} else if c, cerr := r.Cookie(anonCookieName); cerr == nil {
		if state, derr := s.cookies.Decode(c.Value); derr == nil {
			tasks, err = s.store.ListTasksByAnonymousID(r.Context(), state.ID, limit, offset)
		}
	}
	if err != nil {
		s.logger.Error("Task list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "could not list tasks")
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// handleGetTask serves one ledger row by local id, honoring the same
// access rules as the poll endpoint.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed task id")
		return
	}

	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown task")
			return
		}
		s.logger.Error("Task lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "task lookup failed")
		return
	}
	if !s.canAccessTask(r, t) {
		writeError(w, http.StatusNotFound, "not_found", "unknown task")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleDeleteTask removes a task from the caller's history. Deletion
// is always user-initiated; the service never garbage-collects rows.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	userCtx, ok := auth.GetUserContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "sign in to manage tasks")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed task id")
		return
	}

	if err := s.store.DeleteTask(r.Context(), id, userCtx.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown task")
			return
		}
		s.logger.Error("Task delete failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "could not delete task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleShareTask mints (or returns) the public share token for a task.
func (s *Server) handleShareTask(w http.ResponseWriter, r *http.Request) {
	userCtx, ok := auth.GetUserContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "sign in to share tasks")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed task id")
		return
	}

	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown task")
			return
		}
		s.logger.Error("Task lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "task lookup failed")
		return
	}
	if t.OwnerID == nil || *t.OwnerID != userCtx.UserID {
		writeError(w, http.StatusNotFound, "not_found", "unknown task")
		return
	}

	// Sharing is idempotent: an existing token is reused.
	if t.ShareToken != nil && *t.ShareToken != "" {
		writeJSON(w, http.StatusOK, map[string]string{"share_token": *t.ShareToken})
		return
	}

	token := uuid.NewString()
	if err := s.store.SetShareToken(r.Context(), id, token); err != nil {
		s.logger.Error("Share token write failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "could not share task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"share_token": token})
}
