package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/chronomap/chronomap/internal/auth"
)

const codeGrantBody = `{
	"grant_type": "authorization_code",
	"code": "auth-code",
	"code_verifier": "verifier",
	"redirect_uri": "https://app.example.com/callback"
}`

func exchangeCode(t *testing.T, env *testEnv) auth.TokenPair {
	t.Helper()
	resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/v1/auth/token", codeGrantBody, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code grant: expected 200, got %d", resp.StatusCode)
	}
	var pair auth.TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		t.Fatalf("decode pair: %v", err)
	}
	return pair
}

func TestTokenEndpointCodeGrant(t *testing.T) {
	env := newTestEnv(t, &fakeResearchProvider{script: completedScript("out")})

	pair := exchangeCode(t, env)
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.SessionID == "" {
		t.Fatalf("incomplete token pair: %+v", pair)
	}

	// The minted access token works against a protected endpoint.
	resp := doJSON(t, http.MethodGet, env.srv.URL+"/api/v1/tasks", "", pair.AccessToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("minted token rejected: %d", resp.StatusCode)
	}
}

func TestTokenEndpointRejectsForeignRedirect(t *testing.T) {
	env := newTestEnv(t, &fakeResearchProvider{script: completedScript("out")})

	body := `{"grant_type":"authorization_code","code":"c","code_verifier":"v","redirect_uri":"https://evil.example.com/steal"}`
	resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/v1/auth/token", body, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unlisted redirect, got %d", resp.StatusCode)
	}
	var oerr auth.OAuthError
	json.NewDecoder(resp.Body).Decode(&oerr)
	if oerr.Code != auth.ErrCodeInvalidRequest {
		t.Fatalf("expected invalid_request, got %q", oerr.Code)
	}
}

func TestTokenEndpointRefreshGrant(t *testing.T) {
	env := newTestEnv(t, &fakeResearchProvider{script: completedScript("out")})
	pair := exchangeCode(t, env)

	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"session_id":    pair.SessionID,
		"refresh_token": pair.RefreshToken,
	})
	resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/v1/auth/token", string(body), "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh grant: expected 200, got %d", resp.StatusCode)
	}
	var refreshed auth.TokenPair
	json.NewDecoder(resp.Body).Decode(&refreshed)
	if refreshed.RefreshToken == "" || refreshed.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh must rotate the refresh token")
	}

	// Replaying the superseded refresh token revokes the session.
	resp = doJSON(t, http.MethodPost, env.srv.URL+"/api/v1/auth/token", string(body), "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replayed refresh token: expected 401, got %d", resp.StatusCode)
	}
}

func TestTokenEndpointUnsupportedGrant(t *testing.T) {
	env := newTestEnv(t, &fakeResearchProvider{script: completedScript("out")})

	resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/v1/auth/token", `{"grant_type":"password"}`, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	env := newTestEnv(t, &fakeResearchProvider{script: completedScript("out")})
	pair := exchangeCode(t, env)

	body, _ := json.Marshal(map[string]string{"session_id": pair.SessionID})
	resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/v1/auth/logout", string(body), pair.AccessToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d", resp.StatusCode)
	}

	// The session is gone; its refresh token no longer works.
	refreshBody, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"session_id":    pair.SessionID,
		"refresh_token": pair.RefreshToken,
	})
	resp = doJSON(t, http.MethodPost, env.srv.URL+"/api/v1/auth/token", string(refreshBody), "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: expected 401, got %d", resp.StatusCode)
	}
}
