// Package gateway is the HTTP adapter over the bus: it accepts user sends,
// serves per-conversation event streams (SSE and WebSocket), and exposes
// read-only observer endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agentmesh/internal/bus"
	"github.com/nextlevelbuilder/agentmesh/internal/config"
	"github.com/nextlevelbuilder/agentmesh/internal/model"
	"github.com/nextlevelbuilder/agentmesh/internal/observe"
	"github.com/nextlevelbuilder/agentmesh/internal/routing"
	"github.com/nextlevelbuilder/agentmesh/internal/telemetry"
)

// Server handles HTTP and WebSocket connections for the fabric.
type Server struct {
	cfg      *config.Config
	bus      bus.Bus
	sender   *routing.Sender
	index    *observe.Index
	limiter  *rate.Limiter
	upgrader websocket.Upgrader

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server. index may be nil (observer endpoints
// then return empty structures).
func NewServer(cfg *config.Config, b bus.Bus, index *observe.Index) *Server {
	s := &Server{
		cfg:    cfg,
		bus:    b,
		sender: routing.NewSender(b),
		index:  index,
	}
	if cfg.Gateway.RateLimitRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Gateway.RateLimitRPS), int(cfg.Gateway.RateLimitRPS)+1)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Non-browser clients (CLI, TUI) send no Origin header.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("GET /stream/{conversation_id}", s.handleStream)
	mux.HandleFunc("GET /ws/{conversation_id}", s.handleWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /conversations", s.handleConversations)
	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.HandleFunc("GET /graph/{conversation_id}", s.handleGraph)
	s.mux = mux
	return mux
}

// Start begins serving on the configured address. Blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Gateway.Addr(),
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("gateway.listening", "addr", s.cfg.Gateway.Addr())
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"status": "rate_limited"})
		return
	}

	var env model.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"status": "invalid", "error": "invalid envelope JSON"})
		return
	}
	// id and created_at are optional on the wire.
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	if err := env.Validate(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"status": "invalid", "error": err.Error()})
		return
	}

	ctx, span := telemetry.Tracer().Start(r.Context(), "gateway.send",
		trace.WithAttributes(
			attribute.String("conversation_id", env.ConversationID),
			attribute.String("recipient", env.Recipient),
		))
	defer span.End()

	topic, err := s.sender.Send(ctx, &env)
	if err != nil {
		if errors.Is(err, model.ErrInvalidArgument) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"status": "invalid", "error": err.Error()})
			return
		}
		slog.Error("gateway.send_failed", "conversation_id", env.ConversationID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": "bus publish failed"})
		return
	}

	if err := s.index.RecordSend(&env); err != nil {
		// Indexing is best-effort and never fails the send.
		slog.Warn("gateway.index_failed", "conversation_id", env.ConversationID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "topic": topic})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReady probes the bus with a one-message read.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.bus.Read(ctx, model.StreamTopic("ready-probe"), "", 1); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleConversations(w http.ResponseWriter, _ *http.Request) {
	out, err := s.index.Conversations()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	out, err := s.index.Agents()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	graph, err := s.index.ConversationGraph(r.PathValue("conversation_id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("gateway.write_failed", "error", err)
	}
}
