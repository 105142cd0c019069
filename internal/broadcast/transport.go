package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"ops-orchestrator/internal/logx"
)

// ndjsonSink writes one JSON document per line and flushes after each.
type ndjsonSink struct {
	f   http.Flusher
	enc *json.Encoder
}

func (s ndjsonSink) Send(msg Message) error {
	if err := s.enc.Encode(msg); err != nil {
		return fmt.Errorf("write status line: %w", err)
	}
	s.f.Flush()
	return nil
}

// ServeStream serves the status subscription as newline-delimited JSON.
func (b *Broadcaster) ServeStream(w http.ResponseWriter, r *http.Request) {
	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	if err := b.Subscribe(r.Context(), ndjsonSink{f: f, enc: json.NewEncoder(w)}); err != nil {
		b.log.Debug("status stream closed", logx.Err(err))
	}
}

const wsWriteWait = 10 * time.Second

type wsSink struct {
	conn *websocket.Conn
}

func (s wsSink) Send(msg Message) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(msg)
}

// WebSocket serves the status subscription over a WebSocket connection.
type WebSocket struct {
	b        *Broadcaster
	upgrader websocket.Upgrader
}

// NewWebSocket builds the handler. Requests without an Origin header (CLI
// clients) are accepted, as are localhost origins.
func NewWebSocket(b *Broadcaster, allowedOrigins []string) *WebSocket {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &WebSocket{
		b: b,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || allowed["*"] || allowed[origin] {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				host := u.Hostname()
				return host == "localhost" || host == "127.0.0.1" || host == "::1"
			},
		},
	}
}

func (ws *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.b.log.Warn("websocket upgrade failed", logx.Err(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reading is only used to notice the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = ws.b.Subscribe(ctx, wsSink{conn: conn})
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		ws.b.log.Debug("websocket subscriber closed", logx.Err(err))
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}
