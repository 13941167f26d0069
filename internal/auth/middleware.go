package auth

import (
	"context"
	"fmt"
	"net/http"
)

// ContextKey is the key type for context values.
type ContextKey string

// UserContextKey is the context key for the authenticated subject.
const UserContextKey ContextKey = "user"

// Middleware resolves bearer tokens to a UserContext.
type Middleware struct {
	jwtManager *JWTManager
}

func NewMiddleware(jwtManager *JWTManager) *Middleware {
	return &Middleware{jwtManager: jwtManager}
}

// RequireAuth rejects requests without a valid bearer token.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userCtx, err := m.resolve(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"unauthorized"}`)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserContext(r.Context(), userCtx)))
	})
}

// OptionalAuth attaches a UserContext when a valid bearer token is
// present and passes the request through otherwise. Endpoints that
// serve anonymous visitors use this and fall back to the identity
// cookie.
func (m *Middleware) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userCtx, err := m.resolve(r); err == nil {
			r = r.WithContext(WithUserContext(r.Context(), userCtx))
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) resolve(r *http.Request) (*UserContext, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		// EventSource cannot set headers; streams pass the token in the query.
		if qt := r.URL.Query().Get("access_token"); qt != "" {
			return m.jwtManager.ValidateAccessToken(qt)
		}
		return nil, fmt.Errorf("missing authorization")
	}
	token, err := ExtractBearerToken(authHeader)
	if err != nil {
		return nil, err
	}
	return m.jwtManager.ValidateAccessToken(token)
}

// WithUserContext returns ctx carrying the authenticated subject.
func WithUserContext(ctx context.Context, userCtx *UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey, userCtx)
}

// GetUserContext extracts the authenticated subject, if any.
func GetUserContext(ctx context.Context) (*UserContext, bool) {
	userCtx, ok := ctx.Value(UserContextKey).(*UserContext)
	return userCtx, ok
}
