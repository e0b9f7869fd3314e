package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/org/agentwall/internal/stream"
	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 64

// EventsHandler handles GET /events as a Server-Sent Events stream: a hello,
// then decision and notification events as they are recorded, with a
// heartbeat while idle.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	tenantID := r.URL.Query().Get("tenantId")
	if !s.tenantAllowed(w, r, tenantID) {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := s.Hub.Subscribe(subscriberBuffer, scopedTenant(r, tenantID))
	defer s.Hub.Unsubscribe(sub)
	streamSubscribers.Inc()
	defer streamSubscribers.Dec()

	send := func(evt stream.Event) bool {
		data, err := json.Marshal(evt)
		if err != nil {
			return true
		}
		if err := sseWrite(w, evt.Type, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(stream.NewEvent(stream.TypeHello, map[string]any{"requestId": requestIDFromCtx(r.Context())})) {
		return
	}
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !send(stream.NewEvent(stream.TypeHeartbeat, nil)) {
				return
			}
		case evt, ok := <-sub:
			if !ok || !send(evt) {
				return
			}
		}
	}
}

// EventsWSHandler handles GET /events/ws, carrying the same events as JSON
// websocket messages.
func (s *Server) EventsWSHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if !s.tenantAllowed(w, r, tenantID) {
		return
	}
	opts := &websocket.AcceptOptions{}
	if len(s.cfg.WSOriginPatterns) > 0 {
		opts.OriginPatterns = s.cfg.WSOriginPatterns
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.Hub.Subscribe(subscriberBuffer, scopedTenant(r, tenantID))
	defer s.Hub.Unsubscribe(sub)
	streamSubscribers.Inc()
	defer streamSubscribers.Dec()

	_ = wsjson.Write(ctx, conn, stream.NewEvent(stream.TypeHello, map[string]any{"requestId": requestIDFromCtx(r.Context())}))

	// Reads only detect the client going away.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	write := func(evt stream.Event) bool {
		writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
		defer cancelWrite()
		return wsjson.Write(writeCtx, conn, evt) == nil
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-ticker.C:
			if !write(stream.NewEvent(stream.TypeHeartbeat, nil)) {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			if !write(evt) {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
