package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chronomap/chronomap/internal/config"
	"github.com/chronomap/chronomap/internal/models"
)

// Bridge talks to the federated identity provider: PKCE code exchange,
// token refresh, and userinfo lookup. The service is a public OAuth
// client, so there is no client secret anywhere in this flow.
type Bridge struct {
	tokenEndpoint    string
	userinfoEndpoint string
	clientID         string
	allowedRedirects []string
	issuer           string
	httpClient       *http.Client
	logger           *zap.Logger
}

func NewBridge(cfg config.AuthConfig, logger *zap.Logger) *Bridge {
	iss := ""
	if u, err := url.Parse(cfg.TokenEndpoint); err == nil {
		iss = u.Scheme + "://" + u.Host
	}
	return &Bridge{
		tokenEndpoint:    cfg.TokenEndpoint,
		userinfoEndpoint: cfg.UserinfoEndpoint,
		clientID:         cfg.ClientID,
		allowedRedirects: cfg.AllowedRedirects,
		issuer:           iss,
		httpClient:       &http.Client{Timeout: 15 * time.Second},
		logger:           logger,
	}
}

// ExchangeCode trades an authorization code plus PKCE verifier for
// federated tokens. The redirect URI is checked against the allow-list
// before any network call so a forged URI never reaches the provider.
func (b *Bridge) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*FederatedTokens, error) {
	if code == "" || verifier == "" {
		return nil, &OAuthError{Code: ErrCodeInvalidRequest, Description: "code and code_verifier are required", Status: http.StatusBadRequest}
	}
	if !b.redirectAllowed(redirectURI) {
		return nil, &OAuthError{Code: ErrCodeInvalidRequest, Description: "redirect_uri is not registered", Status: http.StatusBadRequest}
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {redirectURI},
		"client_id":     {b.clientID},
	}
	return b.tokenRequest(ctx, form)
}

// RefreshTokens trades a federated refresh token for a new token set.
func (b *Bridge) RefreshTokens(ctx context.Context, refreshToken string) (*FederatedTokens, error) {
	if refreshToken == "" {
		return nil, &OAuthError{Code: ErrCodeInvalidRequest, Description: "refresh_token is required", Status: http.StatusBadRequest}
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {b.clientID},
	}
	return b.tokenRequest(ctx, form)
}

// FetchUserInfo resolves the federated profile behind an access token.
func (b *Bridge) FetchUserInfo(ctx context.Context, accessToken string) (*models.FederatedProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.userinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &OAuthError{Code: ErrCodeServerError, Description: "identity provider unreachable", Status: http.StatusBadGateway}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &OAuthError{Code: ErrCodeInvalidGrant, Description: "access token rejected by identity provider", Status: http.StatusUnauthorized}
	case resp.StatusCode != http.StatusOK:
		return nil, &OAuthError{Code: ErrCodeServerError, Description: fmt.Sprintf("userinfo returned %d", resp.StatusCode), Status: http.StatusBadGateway}
	}

	var profile models.FederatedProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	if profile.Email == "" {
		return nil, &OAuthError{Code: ErrCodeInvalidGrant, Description: "identity has no email", Status: http.StatusUnauthorized}
	}
	profile.Issuer = b.issuer
	return &profile, nil
}

func (b *Bridge) tokenRequest(ctx context.Context, form url.Values) (*FederatedTokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.Warn("Token endpoint unreachable", zap.Error(err))
		return nil, &OAuthError{Code: ErrCodeServerError, Description: "identity provider unreachable", Status: http.StatusBadGateway}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// The upstream speaks OAuth error JSON; relay its code when present.
		var upstream struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&upstream)
		code := ErrCodeInvalidGrant
		status := http.StatusUnauthorized
		if resp.StatusCode >= 500 {
			code = ErrCodeServerError
			status = http.StatusBadGateway
		}
		if upstream.Error != "" {
			code = upstream.Error
		}
		return nil, &OAuthError{Code: code, Description: upstream.Description, Status: status}
	}

	var tokens FederatedTokens
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, &OAuthError{Code: ErrCodeServerError, Description: "token response missing access_token", Status: http.StatusBadGateway}
	}
	return &tokens, nil
}

func (b *Bridge) redirectAllowed(redirectURI string) bool {
	for _, allowed := range b.allowedRedirects {
		if redirectURI == allowed {
			return true
		}
	}
	return false
}
