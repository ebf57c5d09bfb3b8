// Copyright 2026 Memweave Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server is the daemon's localhost HTTP surface: the hook API,
// the read API, the SSE event stream and the health endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/memweave/memweave/pkg/sessions"
	"github.com/memweave/memweave/pkg/store"
	"github.com/memweave/memweave/pkg/vectorsync"
)

var allowedMethods = []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE"}

// Config tunes the HTTP server.
type Config struct {
	Host string // defaults to 127.0.0.1
	Port int

	// Version is reported by /api/version and /api/health.
	Version string
	// Platform is the host platform string reported by /api/health.
	Platform string

	// LogDir is where daily log files live; /api/logs tails today's file.
	LogDir string

	// ContextObservations bounds how many observations per project the
	// context/inject endpoint renders.
	ContextObservations int

	// ExcludedProjects lists projects whose events are acknowledged but
	// never enqueued.
	ExcludedProjects []string
}

// Server wires the HTTP surface to the store, the session manager and the
// vector index. Requests from non-loopback peers are rejected.
type Server struct {
	cfg     Config
	store   *store.Store
	manager *sessions.Manager
	vector  *vectorsync.Service
	stream  *Stream
	logger  *zap.Logger

	httpServer *http.Server
	health     *HealthState

	// onShutdown and onRestart are invoked (in a goroutine) after the
	// admin endpoints have answered 202.
	onShutdown func()
	onRestart  func()
}

// New creates the server. stream may be nil when SSE is not wanted;
// onShutdown and onRestart may be nil, disabling the admin endpoints.
func New(cfg Config, st *store.Store, mgr *sessions.Manager, vec *vectorsync.Service,
	stream *Stream, logger *zap.Logger) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ContextObservations <= 0 {
		cfg.ContextObservations = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		store:   st,
		manager: mgr,
		vector:  vec,
		stream:  stream,
		logger:  logger,
		health:  NewHealthState(cfg.Version, cfg.Platform),
	}
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     s.middleware(s.routes()),
		ReadTimeout: 30 * time.Second,
		// No write timeout: the SSE stream stays open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// SetAdminHooks installs the callbacks behind /api/admin/shutdown and
// /api/admin/restart. Must be called before Serve.
func (s *Server) SetAdminHooks(onShutdown, onRestart func()) {
	s.onShutdown = onShutdown
	s.onRestart = onRestart
}

// Health exposes the readiness state so the supervisor can flip it once
// core initialization finishes.
func (s *Server) Health() *HealthState {
	return s.health
}

// Listen binds the address without serving yet. The supervisor writes the
// PID file between Listen and Serve, so the file never advertises a port
// that was not actually bound.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", s.httpServer.Addr, err)
	}
	return ln, nil
}

// Serve runs the server on a listener obtained from Listen. Blocks until
// Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and closes the SSE stream.
func (s *Server) Stop(ctx context.Context) error {
	if s.stream != nil {
		s.stream.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the full middleware-wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// middleware enforces loopback-only access, applies the origin policy and
// logs each request on entry.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(r.RemoteAddr) {
			s.logger.Warn("rejected non-local request",
				zap.String("remote", r.RemoteAddr), zap.String("path", r.URL.Path))
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		if origin := r.Header.Get("Origin"); origin != "" && originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(allowedMethods, ", "))
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		s.logger.Debug("request",
			zap.String("method", r.Method), zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

// isLoopback reports whether the peer address is a loopback address.
// Unparseable addresses are rejected.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// originAllowed implements the browser-facing half of the localhost-only
// policy: requests without an Origin header are always served; localhost
// origins on any port get CORS headers; anything else gets none.
func originAllowed(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1"} {
		if origin == prefix || strings.HasPrefix(origin, prefix+":") {
			return true
		}
	}
	return false
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Liveness and administration.
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/readiness", s.handleReadiness)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("POST /api/admin/shutdown", s.handleShutdown)
	mux.HandleFunc("POST /api/admin/restart", s.handleRestart)

	// Hook intake.
	mux.HandleFunc("POST /api/sessions/init", s.handleSessionInit)
	mux.HandleFunc("POST /api/sessions/{id}/init", s.handleSessionInitByID)
	mux.HandleFunc("POST /api/sessions/observations", s.handleObservationEvent)
	mux.HandleFunc("POST /api/sessions/summarize", s.handleSummarizeEvent)
	mux.HandleFunc("POST /api/sessions/complete", s.handleSessionComplete)

	// Read API.
	mux.HandleFunc("GET /api/observations", s.handleListObservations)
	mux.HandleFunc("POST /api/observations/batch", s.handleObservationsBatch)
	mux.HandleFunc("GET /api/observation/{id}", s.handleGetObservation)
	mux.HandleFunc("GET /api/summaries", s.handleListSummaries)
	mux.HandleFunc("POST /api/summaries/batch", s.handleSummariesBatch)
	mux.HandleFunc("GET /api/summary/{id}", s.handleGetSummary)
	mux.HandleFunc("GET /api/prompts", s.handleListPrompts)
	mux.HandleFunc("POST /api/prompts/batch", s.handlePromptsBatch)
	mux.HandleFunc("GET /api/prompt/{id}", s.handleGetPrompt)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions/batch", s.handleSessionsBatch)
	mux.HandleFunc("GET /api/session/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/projects", s.handleProjects)
	mux.HandleFunc("GET /api/search", s.handleSearch)

	// Observability and queue management.
	mux.HandleFunc("GET /api/processing-status", s.handleProcessingStatus)
	mux.HandleFunc("GET /api/pending-queue", s.handlePendingQueue)
	mux.HandleFunc("POST /api/pending-queue/process", s.handlePendingQueueProcess)
	mux.HandleFunc("DELETE /api/pending-queue/failed", s.handleClearFailed)
	mux.HandleFunc("DELETE /api/pending-queue/all", s.handleClearAll)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("GET /api/context/inject", s.handleContextInject)

	if s.stream != nil {
		mux.Handle("GET /api/stream/events", s.stream)
	}

	return mux
}

// writeJSON answers with a JSON body. Encoding failures are logged; the
// status line has already gone out by then.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

// writeError maps store sentinels to HTTP codes and answers with a JSON
// error body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, errBadInput):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errBadInput = errors.New("bad input")

func badInput(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, errBadInput)...)
}
