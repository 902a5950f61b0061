// Package api implements the node's HTTP API: status, agent state,
// configuration, diagnostics, command dispatch, and a WebSocket event
// stream. The server reads whatever bundle the host currently holds,
// so a reload is visible to clients without a restart, and it stays up
// when the configuration is invalid — remote visibility of failure is
// the point.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/cinderd/cinder/internal/buildinfo"
	"github.com/cinderd/cinder/internal/command"
	"github.com/cinderd/cinder/internal/config"
	"github.com/cinderd/cinder/internal/events"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		logger.Debug("failed to write error response", "error", err)
	}
}

// Host is how the server reaches the rest of the node. BundleFunc
// returns the current bundle (never nil); NewContext builds a command
// context around it for POST /v1/command.
type Host struct {
	BundleFunc func() *config.Bundle
	NewContext func() *command.Context
	Router     *command.Router
	Bus        *events.Bus
}

// Server is the HTTP API server.
type Server struct {
	addr      string
	tokenHash string
	host      Host
	logger    *slog.Logger
	server    *http.Server
	upgrader  websocket.Upgrader
}

// NewServer creates an API server. tokenHash is the bcrypt hash from
// api.token_hash; empty disables authentication, which is acceptable
// only because the default listen address is loopback.
func NewServer(addr, tokenHash string, host Host, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:      addr,
		tokenHash: tokenHash,
		host:      host,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Handler builds the route table. Split from Start so tests can drive
// the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/agents", s.handleAgents)
	mux.HandleFunc("GET /v1/config", s.handleConfig)
	mux.HandleFunc("GET /v1/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("POST /v1/command", s.handleCommand)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(s.withAuth(mux))
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the event stream holds connections open
	}
	s.logger.Info("starting API server", "addr", s.addr, "auth", s.tokenHash != "")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// withAuth enforces bearer-token auth when a token hash is
// configured. The health probe stays open so load balancers work
// without credentials.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenHash == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token", s.logger)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(s.tokenHash), []byte(token)); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token", s.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// WebSocket clients cannot always set headers; accept a query
	// parameter for the event stream.
	return r.URL.Query().Get("token")
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "Cinder",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	b := s.host.BundleFunc()
	sources := make([]map[string]string, 0, len(b.Sources))
	for _, src := range b.Sources {
		sources = append(sources, map[string]string{
			"path":   src.Path,
			"origin": string(src.Origin),
		})
	}
	writeJSON(w, map[string]any{
		"node":        b.String("runtime.name", "cinder-node"),
		"readiness":   string(b.Readiness),
		"vault":       b.VaultDir,
		"sources":     sources,
		"diagnostics": len(b.Diagnostics()),
		"uptime":      buildinfo.Uptime().String(),
		"version":     buildinfo.Version,
	}, s.logger)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	b := s.host.BundleFunc()
	writeJSON(w, map[string]any{
		"agents": b.AgentState(),
	}, s.logger)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	b := s.host.BundleFunc()
	writeJSON(w, map[string]any{
		"readiness": string(b.Readiness),
		"merged":    b.Merged,
	}, s.logger)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	b := s.host.BundleFunc()
	diags := b.Diagnostics()
	out := make([]map[string]string, 0, len(diags))
	for _, d := range diags {
		out = append(out, map[string]string{
			"severity": string(d.Severity),
			"message":  d.Message,
			"source":   d.Source,
		})
	}
	writeJSON(w, map[string]any{"diagnostics": out}, s.logger)
}

// commandRequest is the POST /v1/command body.
type commandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err), s.logger)
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required", s.logger)
		return
	}

	ctx := s.host.NewContext()
	ctx.Ctx = r.Context()
	out, err := s.host.Router.Invoke(ctx, req.Command, req.Args)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, command.ErrUnknownCommand):
			status = http.StatusNotFound
		case errors.Is(err, command.ErrPlannerForbidden):
			status = http.StatusForbidden
		case errors.Is(err, command.ErrNotReady):
			status = http.StatusConflict
		}
		writeError(w, status, err.Error(), s.logger)
		return
	}
	writeJSON(w, map[string]string{"output": out}, s.logger)
}

// handleEvents upgrades to WebSocket and forwards bus events until
// the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.host.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available", s.logger)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.host.Bus.Subscribe(64)
	defer s.host.Bus.Unsubscribe(ch)

	// Reader goroutine: we never expect client frames, but reading is
	// how gorilla surfaces close frames and connection loss.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
