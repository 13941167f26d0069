package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chronomap/chronomap/internal/models"
)

func testUser() *models.User {
	return &models.User{
		ID:                 uuid.New(),
		Email:              "u@example.com",
		SubscriptionStatus: "active",
		SubscriptionTier:   "pro",
	}
}

func TestTokenPairRoundTrip(t *testing.T) {
	mgr := NewJWTManager("test-key", time.Minute, time.Hour)
	user := testUser()

	pair, refreshHash, err := mgr.GenerateTokenPair(user)
	if err != nil {
		t.Fatalf("generate pair: %v", err)
	}
	if pair.TokenType != "Bearer" || pair.ExpiresIn != 60 {
		t.Fatalf("unexpected pair metadata: %+v", pair)
	}
	if !CompareTokenHash(refreshHash, HashToken(pair.RefreshToken)) {
		t.Fatal("refresh hash does not match refresh token")
	}

	userCtx, err := mgr.ValidateAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if userCtx.UserID != user.ID || userCtx.Email != user.Email {
		t.Fatalf("claims mismatch: %+v", userCtx)
	}
	if userCtx.Tier != "pro" {
		t.Fatalf("active pro subscription should carry pro tier, got %q", userCtx.Tier)
	}
}

func TestValidateRejectsWrongKey(t *testing.T) {
	pair, _, _ := NewJWTManager("key-a", time.Minute, time.Hour).GenerateTokenPair(testUser())
	if _, err := NewJWTManager("key-b", time.Minute, time.Hour).ValidateAccessToken(pair.AccessToken); err == nil {
		t.Fatal("token signed with another key must be rejected")
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	mgr := NewJWTManager("test-key", -time.Minute, time.Hour)
	pair, _, _ := mgr.GenerateTokenPair(testUser())
	if _, err := mgr.ValidateAccessToken(pair.AccessToken); err == nil {
		t.Fatal("expired token must be rejected")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	mgr := NewJWTManager("test-key", time.Minute, time.Hour)
	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := mgr.ValidateAccessToken(tok); err == nil {
			t.Fatalf("expected error for %q", tok)
		}
	}
}

func TestExtractBearerToken(t *testing.T) {
	if tok, err := ExtractBearerToken("Bearer abc123"); err != nil || tok != "abc123" {
		t.Fatalf("got %q, %v", tok, err)
	}
	for _, h := range []string{"", "Basic abc", "Bearer", "bearer abc"} {
		if _, err := ExtractBearerToken(h); err == nil {
			t.Fatalf("expected error for header %q", h)
		}
	}
}
