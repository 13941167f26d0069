package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/chronomap/chronomap/internal/auth"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type,omitempty"`
	Code         string `json:"code,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

// handleToken is the identity bridge: it trades a PKCE authorization
// code (or a local refresh token) for a local token pair. Errors use
// OAuth error JSON so the frontend's OAuth client handles them as-is.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, &auth.OAuthError{Code: auth.ErrCodeInvalidRequest, Description: "malformed JSON body", Status: http.StatusBadRequest})
		return
	}

	switch req.GrantType {
	case "", "authorization_code":
		s.handleCodeGrant(w, r, req)
	case "refresh_token":
		pair, err := s.authService.Refresh(r.Context(), req.SessionID, req.RefreshToken)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pair)
	default:
		writeOAuthError(w, &auth.OAuthError{Code: auth.ErrCodeInvalidRequest, Description: "unsupported grant_type", Status: http.StatusBadRequest})
	}
}

func (s *Server) handleCodeGrant(w http.ResponseWriter, r *http.Request, req tokenRequest) {
	tokens, err := s.authService.Bridge().ExchangeCode(r.Context(), req.Code, req.CodeVerifier, req.RedirectURI)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	_, signInToken, err := s.authService.EstablishLocalSession(r.Context(), tokens.AccessToken)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	pair, err := s.authService.RedeemSignInToken(r.Context(), signInToken)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}
	if err := s.authService.Logout(r.Context(), req.SessionID); err != nil {
		s.logger.Error("Logout failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "could not revoke session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeOAuthError(w http.ResponseWriter, err error) {
	var oerr *auth.OAuthError
	if errors.As(err, &oerr) {
		status := oerr.Status
		if status == 0 {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, oerr)
		return
	}
	writeJSON(w, http.StatusInternalServerError, &auth.OAuthError{Code: auth.ErrCodeServerError})
}
