package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"nxmramm/core/types"
)

const (
	wsWriteTimeout = 10 * time.Second
	maxBacklog     = 500
)

// ServeWS upgrades the request and streams events until the client leaves or
// falls behind. The optional backlog query parameter replays that many
// journaled events first.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	backlog := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("backlog")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid backlog", http.StatusBadRequest)
			return
		}
		backlog = min(parsed, maxBacklog)
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := h.stream(ctx, conn, backlog); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (h *Hub) stream(ctx context.Context, conn *websocket.Conn, backlog int) error {
	sub := h.Subscribe()
	defer sub.Close()

	history, err := h.Backlog(ctx, backlog)
	if err != nil {
		return err
	}
	for _, evt := range history {
		if err := writeEvent(ctx, conn, evt); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.Events():
			if !ok {
				return conn.Close(websocket.StatusPolicyViolation, "subscriber fell behind")
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
