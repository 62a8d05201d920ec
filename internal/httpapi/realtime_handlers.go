package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/BrandonDHaskell/portunus-nfc/internal/notify"
)

// sseKeepAlive is how often an idle stream gets a heartbeat event so
// proxies do not cut it.
const sseKeepAlive = 30 * time.Second

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := AdminFromContext(r.Context())
	if err := s.sessions.Logout(r.Context(), claims); err != nil {
		s.logger.ErrorContext(r.Context(), "logout failed", "subject", claims.Subject, "error", err)
		writeServiceError(w, err)
		return
	}
	s.logger.InfoContext(r.Context(), "admin session revoked", "subject", claims.Subject, "jti", claims.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Server) handleRealtimeStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"connected_clients": s.hub.Count()})
}

// handleRealtimeEvents streams hub events until the client goes away or is
// evicted by a newer one.
func (s *Server) handleRealtimeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SYSTEM_ERROR", "streaming not supported")
		return
	}

	client := s.hub.Subscribe()
	if client == nil {
		writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "realtime service is shutting down")
		return
	}
	defer s.hub.Unsubscribe(client.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	hello, _ := notify.NewEvent(notify.EventStreamConnect, map[string]any{
		"client_id": client.ID,
		"at":        client.Connected,
	})
	if err := writeSSE(w, hello); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.Done():
			return
		case ev := <-client.Events():
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case t := <-ticker.C:
			if _, err := fmt.Fprintf(w, "event: heartbeat\ndata: {\"at\":%q}\n\n", t.UTC().Format(time.RFC3339)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev notify.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}
