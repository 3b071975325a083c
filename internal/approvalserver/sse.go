package approvalserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const ssePingInterval = 30 * time.Second

// handleEvents streams approval lifecycle events as Server-Sent Events. The
// stream opens with a connected event and a snapshot of the pending requests,
// then relays bus events until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, cancel := s.manager.Subscribe()
	defer cancel()

	s.metrics.sseClients.Inc()
	defer s.metrics.sseClients.Dec()

	send := func(event string, payload any) bool {
		b, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send("connected", map[string]any{"time": time.Now().UnixMilli()}) {
		return
	}
	if !send("initialData", map[string]any{"requests": s.manager.Pending()}) {
		return
	}

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if !send("ping", map[string]any{"time": time.Now().UnixMilli()}) {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !send(string(ev.Type), ev.Request) {
				return
			}
		}
	}
}
