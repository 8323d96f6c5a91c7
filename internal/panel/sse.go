package panel

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rendis/chanops/internal/streaming"
	"github.com/rendis/chanops/pkg/schema"
)

// handleSSEGlobal streams all change events to the client.
func (s *PanelServer) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{Types: eventTypes(r)})
}

// handleSSECollection streams the events of one collection, optionally
// narrowed to a channel.
func (s *PanelServer) handleSSECollection(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{
		Collection: r.PathValue("name"),
		Channel:    r.URL.Query().Get("channel"),
		Types:      eventTypes(r),
	})
}

func eventTypes(r *http.Request) []schema.ChangeType {
	var out []schema.ChangeType
	for _, t := range queryList(r, "types") {
		out = append(out, schema.ChangeType(t))
	}
	return out
}

// serveSSE is the common SSE implementation.
func (s *PanelServer) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming is not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
