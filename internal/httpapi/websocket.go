package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secured at the proxy
}

// handleWS relays a task's progress frames over WebSocket, for clients
// that prefer it over SSE. Supports last_event_id replay from the ring.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	providerTaskID := r.URL.Query().Get("task_id")
	if providerTaskID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "task_id is required")
		return
	}

	ledger, err := s.store.GetTaskByProviderID(r.Context(), providerTaskID)
	if err != nil || !s.canAccessTask(r, ledger) {
		writeError(w, http.StatusNotFound, "not_found", "unknown task")
		return
	}

	var lastID uint64
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.streams.Subscribe(providerTaskID, 256)
	defer s.streams.Unsubscribe(providerTaskID, ch)

	// Events published between Subscribe and ReplaySince land in both the
	// replay and the channel; track the highest delivered seq so the live
	// loop skips what replay already sent.
	var delivered uint64
	var haveDelivered bool
	if lastID > 0 {
		delivered, haveDelivered = lastID, true
		for _, ev := range s.streams.ReplaySince(providerTaskID, lastID) {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			delivered = ev.Seq
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// Reader pump, discards client messages.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if haveDelivered && ev.Seq <= delivered {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				s.logger.Debug("WebSocket ping failed", zap.Error(err))
				return
			}
		}
	}
}
