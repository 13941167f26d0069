package session

import (
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// Session is the server-side record behind one signed-in browser. It
// carries the identity the quota gate and task endpoints need without
// re-reading the user row on every request.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Tier      string    `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// RefreshTokenHash pins the session to one refresh token so a
	// stolen token from an older rotation cannot revive it.
	RefreshTokenHash string `json:"refresh_token_hash,omitempty"`

	// ActiveTaskID is the research task currently streaming for this
	// session, if any.
	ActiveTaskID string `json:"active_task_id,omitempty"`
}

// IsExpired checks if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}
