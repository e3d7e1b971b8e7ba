package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/getmockd/interceptor/internal/id"
	"github.com/getmockd/interceptor/pkg/events"
	"github.com/getmockd/interceptor/pkg/httputil"
)

// wsReadLimit caps inbound websocket frames; clients only send control frames.
const wsReadLimit = 512

var upgrader = websocket.Upgrader{
	// Origin policy is enforced by the CORS configuration, not the upgrade.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsMessage is one event as sent over a websocket.
type wsMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// handleEvents handles GET /events, a server-sent event stream of capture
// lifecycle events. Only events published after connecting are delivered.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteInternalError(w, "streaming not supported")
		return
	}

	sub := a.events.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := a.log.With("conn", id.Short(), "remote", r.RemoteAddr)
	log.Debug("event stream opened", "subscribers", a.events.Count())

	ctx := r.Context()
	ticker := time.NewTicker(a.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("event stream closed", "dropped", sub.Dropped())
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if _, err := w.Write(a.encoder.Format(ev)); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := w.Write(a.encoder.FormatKeepalive()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleWebSocket handles GET /ws, the same event feed as JSON messages.
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an error status.
		a.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	sub := a.events.Subscribe()
	log := a.log.With("conn", id.Short(), "remote", r.RemoteAddr)
	log.Debug("websocket client connected")

	done := make(chan struct{})
	go readPump(conn, done)
	a.writePump(conn, sub, done)

	log.Debug("websocket client disconnected", "dropped", sub.Dropped())
}

// readPump discards inbound frames and closes done once the peer goes away.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(wsReadLimit)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (a *API) writePump(conn *websocket.Conn, sub *events.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(a.keepalive)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(a.writeTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			msg := wsMessage{Type: ev.Type, Data: ev.Data, Timestamp: ev.Time.UnixMilli()}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(a.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
