package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// handleHealthz reports process liveness only.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz checks the dependencies a request actually needs: the
// store, the session cache, and the research provider.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := s.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		healthy = false
	} else {
		checks["store"] = "ok"
	}

	if err := s.sessions.Ping(ctx); err != nil {
		checks["sessions"] = err.Error()
		healthy = false
	} else {
		checks["sessions"] = "ok"
	}

	if err := s.probe.Probe(ctx); err != nil {
		checks["provider"] = err.Error()
		healthy = false
	} else {
		checks["provider"] = "ok"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
		s.logger.Warn("Readiness check failed", zap.Any("checks", checks))
	}
	writeJSON(w, status, map[string]interface{}{"status": statusWord(healthy), "checks": checks})
}

func statusWord(healthy bool) string {
	if healthy {
		return "ready"
	}
	return "degraded"
}
