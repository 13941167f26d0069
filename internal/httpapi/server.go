// Package httpapi exposes the REST and streaming surface of the
// service: research submission (SSE), polling, task history, the
// identity bridge token endpoint, and health probes.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/chronomap/chronomap/internal/auth"
	"github.com/chronomap/chronomap/internal/quota"
	"github.com/chronomap/chronomap/internal/session"
	"github.com/chronomap/chronomap/internal/store"
	"github.com/chronomap/chronomap/internal/streaming"
	"github.com/chronomap/chronomap/internal/task"
)

// anonCookieName is the anonymous identity cookie.
const anonCookieName = "chronomap_anon"

// ProviderProbe is the readiness slice of the provider client.
type ProviderProbe interface {
	Probe(ctx context.Context) error
}

// Server bundles the handlers' dependencies.
type Server struct {
	orchestrator *task.Orchestrator
	store        store.Store
	gate         *quota.Gate
	cookies      *quota.CookieCodec
	authService  *auth.Service
	middleware   *auth.Middleware
	sessions     *session.Manager
	streams      *streaming.Manager
	probe        ProviderProbe
	logger       *zap.Logger
}

func NewServer(
	orchestrator *task.Orchestrator,
	st store.Store,
	gate *quota.Gate,
	cookies *quota.CookieCodec,
	authService *auth.Service,
	middleware *auth.Middleware,
	sessions *session.Manager,
	streams *streaming.Manager,
	probe ProviderProbe,
	logger *zap.Logger,
) *Server {
	return &Server{
		orchestrator: orchestrator,
		store:        st,
		gate:         gate,
		cookies:      cookies,
		authService:  authService,
		middleware:   middleware,
		sessions:     sessions,
		streams:      streams,
		probe:        probe,
		logger:       logger,
	}
}

// RegisterRoutes wires all endpoints onto the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/v1/research", s.middleware.OptionalAuth(http.HandlerFunc(s.handleResearch)))
	mux.Handle("GET /api/v1/research/poll", s.middleware.OptionalAuth(http.HandlerFunc(s.handlePoll)))

	mux.HandleFunc("POST /api/v1/auth/token", s.handleToken)
	mux.Handle("POST /api/v1/auth/logout", s.middleware.RequireAuth(http.HandlerFunc(s.handleLogout)))

	mux.Handle("GET /api/v1/tasks", s.middleware.OptionalAuth(http.HandlerFunc(s.handleListTasks)))
	mux.Handle("GET /api/v1/tasks/{id}", s.middleware.OptionalAuth(http.HandlerFunc(s.handleGetTask)))
	mux.Handle("DELETE /api/v1/tasks/{id}", s.middleware.RequireAuth(http.HandlerFunc(s.handleDeleteTask)))
	mux.Handle("POST /api/v1/tasks/{id}/share", s.middleware.RequireAuth(http.HandlerFunc(s.handleShareTask)))

	mux.Handle("GET /api/v1/stream/ws", s.middleware.OptionalAuth(http.HandlerFunc(s.handleWS)))

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
