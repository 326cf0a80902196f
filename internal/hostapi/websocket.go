package hostapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// StreamState upgrades to a websocket and pushes every engine snapshot as a
// JSON text frame until the client goes away or the engine closes.
func (h *Handler) StreamState(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		h.logger.Warn("Failed to accept state stream", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close state stream", "error", closeErr)
		}
	}()

	// The stream is push-only; CloseRead handles control frames and cancels
	// ctx when the client disconnects.
	ctx := ws.CloseRead(r.Context())

	updates, cancel := h.ctrl.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(st)
			if err != nil {
				h.logger.Error("Failed to encode state", "error", err)
				return
			}
			if err := h.write(ctx, ws, data); err != nil {
				h.logger.Debug("State stream write failed", "error", err)
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

// originPatterns turns allowed origins into host patterns for the handshake check.
func (h *Handler) originPatterns() []string {
	patterns := make([]string, 0, len(h.allowedOrigins))
	for _, o := range h.allowedOrigins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}
