package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chronomap/chronomap/internal/models"
	"github.com/chronomap/chronomap/internal/session"
	"github.com/chronomap/chronomap/internal/store"
)

// Service runs the identity bridge: federated profile in, local JWT
// session out, with a single-use sign-in token in between so the
// federated access token never has to round-trip through the browser.
type Service struct {
	users      store.UserStore
	sessions   *session.Manager
	jwtManager *JWTManager
	bridge     *Bridge
	signInTTL  time.Duration
	logger     *zap.Logger
}

func NewService(users store.UserStore, sessions *session.Manager, jwtManager *JWTManager, bridge *Bridge, signInTTL time.Duration, logger *zap.Logger) *Service {
	if signInTTL <= 0 {
		signInTTL = 2 * time.Minute
	}
	return &Service{
		users:      users,
		sessions:   sessions,
		jwtManager: jwtManager,
		bridge:     bridge,
		signInTTL:  signInTTL,
		logger:     logger,
	}
}

// Bridge exposes the federated client for the token endpoint handler.
func (s *Service) Bridge() *Bridge { return s.bridge }

// EstablishLocalSession resolves a federated access token to a local
// account and mints a single-use sign-in token for it. Provisioning is
// idempotent on email, so concurrent first logins converge on one row.
func (s *Service) EstablishLocalSession(ctx context.Context, federatedAccessToken string) (*models.User, string, error) {
	profile, err := s.bridge.FetchUserInfo(ctx, federatedAccessToken)
	if err != nil {
		return nil, "", err
	}

	user, err := s.users.ProvisionFederatedUser(ctx, *profile)
	if err != nil {
		return nil, "", fmt.Errorf("provision user: %w", err)
	}

	token, err := randomToken()
	if err != nil {
		return nil, "", err
	}
	expiresAt := time.Now().UTC().Add(s.signInTTL)
	if err := s.users.CreateSignInToken(ctx, HashToken(token), user.ID, expiresAt); err != nil {
		return nil, "", fmt.Errorf("create sign-in token: %w", err)
	}

	s.logger.Info("Established local identity",
		zap.String("user_id", user.ID.String()),
		zap.String("issuer", profile.Issuer),
	)
	return user, token, nil
}

// RedeemSignInToken consumes a sign-in token and mints the local token
// pair plus its backing session. A token redeems exactly once.
func (s *Service) RedeemSignInToken(ctx context.Context, token string) (*TokenPair, error) {
	userID, err := s.users.ConsumeSignInToken(ctx, HashToken(token))
	if err != nil {
		if err == store.ErrTokenConsumed || err == store.ErrNotFound {
			return nil, &OAuthError{Code: ErrCodeInvalidGrant, Description: "sign-in token expired or already used", Status: http.StatusUnauthorized}
		}
		return nil, fmt.Errorf("consume sign-in token: %w", err)
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	pair, refreshHash, err := s.jwtManager.GenerateTokenPair(user)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.CreateSession(ctx, user, refreshHash)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	pair.SessionID = sess.ID
	return pair, nil
}

// Refresh rotates a local token pair. The presented refresh token must
// hash-match the one pinned to the session; a mismatch (an old token
// from a previous rotation, or a forgery) ends the session.
func (s *Service) Refresh(ctx context.Context, sessionID, refreshToken string) (*TokenPair, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, &OAuthError{Code: ErrCodeInvalidGrant, Description: "session expired", Status: http.StatusUnauthorized}
	}
	if !CompareTokenHash(sess.RefreshTokenHash, HashToken(refreshToken)) {
		_ = s.sessions.DeleteSession(ctx, sessionID)
		s.logger.Warn("Refresh token mismatch, session revoked",
			zap.String("session_id", sessionID),
		)
		return nil, &OAuthError{Code: ErrCodeInvalidGrant, Description: "refresh token rejected", Status: http.StatusUnauthorized}
	}

	userID, err := parseUserID(sess.UserID)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	pair, refreshHash, err := s.jwtManager.GenerateTokenPair(user)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.RotateRefreshToken(ctx, sessionID, refreshHash); err != nil {
		return nil, fmt.Errorf("rotate session: %w", err)
	}
	pair.SessionID = sessionID
	return pair, nil
}

// Logout revokes the session behind a token pair.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	return s.sessions.DeleteSession(ctx, sessionID)
}

func parseUserID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed user id in session: %w", err)
	}
	return id, nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
