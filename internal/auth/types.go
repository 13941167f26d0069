// Package auth bridges the federated OAuth 2.1 PKCE identity into
// local JWT sessions: code exchange against the upstream provider,
// idempotent account provisioning, and bearer-token middleware.
package auth

import (
	"github.com/google/uuid"
)

// UserContext is the authenticated subject attached to a request.
type UserContext struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
	Tier   string    `json:"tier"`
}

// TokenPair is a local access/refresh token set. SessionID names the
// server-side session the refresh token is pinned to; refresh grants
// must present both.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"` // seconds
	SessionID    string `json:"session_id"`
}

// FederatedTokens is the token set returned by the upstream provider.
type FederatedTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// OAuth error codes surfaced to the frontend.
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeInvalidGrant   = "invalid_grant"
	ErrCodeServerError    = "server_error"
)

// OAuthError is a machine-readable OAuth failure. Status is the HTTP
// status the API layer should respond with.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}
