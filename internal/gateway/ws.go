package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentmesh/internal/model"
)

// handleWS mirrors the conversation stream over a WebSocket for TUI-style
// clients. The same first-token filter and payload cap apply as for SSE.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversation_id")
	topic := model.StreamTopic(conversationID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway.ws_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader goroutine only watches for the client closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lastID := ""
	filter := &streamFilter{}
	for {
		msgs, err := s.bus.Read(ctx, topic, lastID, 100)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("gateway.ws_read_failed", "conversation_id", conversationID, "error", err)
			}
			return
		}
		for _, m := range msgs {
			lastID = m.ID
			if !filter.pass(m.Payload) {
				continue
			}
			data, err := json.Marshal(m.Payload)
			if err != nil {
				continue
			}
			if capBytes := s.cfg.Gateway.EventCapBytes; capBytes > 0 && len(data) > capBytes {
				data = []byte(truncatedFrame)
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
		if len(msgs) == 0 && !sleepOrDone(ctx, idleSleep) {
			return
		}
	}
}
