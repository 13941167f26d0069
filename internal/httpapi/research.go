package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chronomap/chronomap/internal/auth"
	"github.com/chronomap/chronomap/internal/models"
	"github.com/chronomap/chronomap/internal/provider"
	"github.com/chronomap/chronomap/internal/quota"
	"github.com/chronomap/chronomap/internal/task"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type locationRef struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

type researchRequest struct {
	Messages           []chatMessage `json:"messages"`
	SessionID          string        `json:"sessionId,omitempty"`
	Location           *locationRef  `json:"location,omitempty"`
	CustomInstructions string        `json:"customInstructions,omitempty"`
}

// handleResearch starts a research task and streams its progress as
// Server-Sent Events. Quota admission happens before the provider
// call; a failed submission refunds the admitted unit.
func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	var req researchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.Location == nil || strings.TrimSpace(req.Location.Name) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "location is required")
		return
	}

	identity, anonState := s.resolveIdentity(r)

	decision, err := s.gate.Admit(r.Context(), identity)
	if err != nil {
		s.logger.Error("Quota admission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "quota check failed")
		return
	}
	if !decision.Allowed {
		resp := map[string]interface{}{
			"error":   "quota_exceeded",
			"message": fmt.Sprintf("%s tier limit of %d reached", decision.Tier, decision.Limit),
			"tier":    decision.Tier,
			"limit":   decision.Limit,
		}
		if decision.ResetAt != nil {
			resp["reset_at"] = decision.ResetAt.UTC().Format(time.RFC3339)
		}
		writeJSON(w, http.StatusTooManyRequests, resp)
		return
	}

	custom := req.CustomInstructions
	if custom == "" {
		custom = lastUserMessage(req.Messages)
	}
	params := task.SubmitParams{
		Location:           req.Location.Name,
		Latitude:           req.Location.Latitude,
		Longitude:          req.Location.Longitude,
		CustomInstructions: custom,
	}
	if identity.UserID != nil {
		params.OwnerID = identity.UserID
	} else {
		params.AnonymousID = identity.AnonID
	}

	createdTask, err := s.orchestrator.Submit(r.Context(), params)
	if err != nil {
		// The admitted unit was never spent at the provider.
		if relErr := s.gate.Release(r.Context(), identity); relErr != nil {
			s.logger.Error("Quota release failed", zap.Error(relErr))
		}
		s.writeSubmitError(w, err)
		return
	}

	// Anonymous identities carry their usage hint in the signed cookie.
	if anonState != nil {
		anonState.Count = decision.Used
		s.setAnonCookie(w, *anonState)
	}

	if req.SessionID != "" {
		if err := s.sessions.SetActiveTask(r.Context(), req.SessionID, createdTask.ProviderTaskID); err != nil {
			s.logger.Debug("Could not pin active task to session", zap.Error(err))
		}
	}

	s.streamSSE(w, r, createdTask.ProviderTaskID)
}

// streamSSE relays progress frames until the task finishes or the
// client disconnects.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, providerTaskID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	emit := func(ev models.ProgressEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := emit(models.TaskCreatedEvent(providerTaskID)); err != nil {
		return
	}

	if err := s.orchestrator.StreamProgress(r.Context(), providerTaskID, emit); err != nil {
		if errors.Is(err, context.Canceled) {
			s.logger.Info("SSE client disconnected",
				zap.String("provider_task_id", providerTaskID),
			)
			return
		}
		s.logger.Warn("Stream ended with error",
			zap.String("provider_task_id", providerTaskID),
			zap.Error(err),
		)
	}
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, provider.ErrInsufficientCredit):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{
			"error":   "insufficient_credit",
			"message": "the research account is out of credit; add funds to continue",
		})
	case errors.Is(err, provider.ErrProviderBusy):
		writeError(w, http.StatusServiceUnavailable, "provider_busy", "the research provider is rate limiting; try again shortly")
	default:
		s.logger.Error("Task submission failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "provider_error", "could not start the research task")
	}
}

// resolveIdentity maps the request to its quota subject: the bearer
// user when present, otherwise the (possibly fresh) anonymous cookie
// identity. A tampered cookie yields a brand-new identity.
func (s *Server) resolveIdentity(r *http.Request) (quota.Identity, *quota.AnonState) {
	if userCtx, ok := auth.GetUserContext(r.Context()); ok {
		uid := userCtx.UserID
		return quota.Identity{UserID: &uid, Tier: userCtx.Tier}, nil
	}

	if c, err := r.Cookie(anonCookieName); err == nil {
		if state, err := s.cookies.Decode(c.Value); err == nil {
			return quota.IdentityForAnon(state.ID), &state
		}
		s.logger.Info("Rejected tampered anonymous cookie")
	}
	state := quota.NewAnonState()
	return quota.IdentityForAnon(state.ID), &state
}

func (s *Server) setAnonCookie(w http.ResponseWriter, state quota.AnonState) {
	value, err := s.cookies.Encode(state)
	if err != nil {
		s.logger.Error("Cookie encode failed", zap.Error(err))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     anonCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func lastUserMessage(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
