package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/model"
)

// idleSleep paces the poll loop when no new events are available.
const idleSleep = 20 * time.Millisecond

const truncatedFrame = `{"event":"truncated","truncated":true}`

// streamFilter passes the first token event per run and everything else.
// An output or user_message event marks a run boundary and re-arms the
// token gate.
type streamFilter struct {
	tokenSeen bool
}

func (f *streamFilter) pass(payload map[string]any) bool {
	switch model.EventKind(payload) {
	case model.EventToken:
		if f.tokenSeen {
			return false
		}
		f.tokenSeen = true
		return true
	case model.EventOutput, model.EventUserMessage:
		f.tokenSeen = false
		return true
	default:
		return true
	}
}

// handleStream serves the per-conversation SSE feed. The Last-Event-ID
// request header resumes after a previous frame.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversation_id")
	topic := model.StreamTopic(conversationID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	maxEvents := s.cfg.Gateway.MaxEventsDefault
	if v := r.URL.Query().Get("max_events"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			maxEvents = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastID := r.Header.Get("Last-Event-ID")
	filter := &streamFilter{}
	sent := 0
	ctx := r.Context()

	for {
		msgs, err := s.bus.Read(ctx, topic, lastID, 100)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("gateway.stream_read_failed", "conversation_id", conversationID, "error", err)
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
			if _, err := fmt.Fprintf(w, "id: %s\ndata: %s\n\n", m.ID, data); err != nil {
				return
			}
			flusher.Flush()
			sent++
			if maxEvents > 0 && sent >= maxEvents {
				return
			}
		}
		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleSleep):
			}
		}
	}
}

// sleepOrDone pauses for d unless the context ends first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
