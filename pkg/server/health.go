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

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

// healthPollInterval paces the wait helpers.
const healthPollInterval = 250 * time.Millisecond

// HealthState tracks what /api/health and /api/readiness report. The
// supervisor flips the flags as initialization progresses; the HTTP
// server only reads them.
type HealthState struct {
	version  string
	platform string

	initialized atomic.Bool
	mcpReady    atomic.Bool
}

// NewHealthState creates the state, not yet initialized.
func NewHealthState(version, platform string) *HealthState {
	return &HealthState{version: version, platform: platform}
}

// SetInitialized marks core initialization (store + search) complete.
func (h *HealthState) SetInitialized() { h.initialized.Store(true) }

// SetMCPReady marks the MCP surface available.
func (h *HealthState) SetMCPReady() { h.mcpReady.Store(true) }

// Ready reports whether core initialization has completed.
func (h *HealthState) Ready() bool { return h.initialized.Load() }

// handleHealth answers 200 whenever the HTTP server is up at all;
// the body carries the finer-grained flags.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"initialized": s.health.initialized.Load(),
		"mcpReady":    s.health.mcpReady.Load(),
		"platform":    s.health.platform,
		"pid":         os.Getpid(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.health.Ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "initializing"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.health.version})
}

// handleShutdown answers 202 and then triggers a graceful shutdown. The
// delay lets the response flush before the listener goes away.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.onShutdown == nil {
		http.Error(w, "shutdown not supported", http.StatusNotImplemented)
		return
	}
	s.logger.Info("shutdown requested over HTTP")
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.onShutdown()
	}()
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if s.onRestart == nil {
		http.Error(w, "restart not supported", http.StatusNotImplemented)
		return
	}
	s.logger.Info("restart requested over HTTP")
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.onRestart()
	}()
}

// PortInUse reports whether something accepts TCP connections on the
// loopback port.
func PortInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// WaitForHealth polls /api/health until the daemon answers or the context
// expires.
func WaitForHealth(ctx context.Context, port int) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/api/health", port)
	client := &http.Client{Timeout: 2 * time.Second}
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon did not become healthy on port %d: %w", port, ctx.Err())
		case <-time.After(healthPollInterval):
		}
	}
}

// WaitForPortFree polls until nothing listens on the port or the context
// expires. Used during version-drift restarts.
func WaitForPortFree(ctx context.Context, port int) error {
	for {
		if !PortInUse(port) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("port %d still in use: %w", port, ctx.Err())
		case <-time.After(healthPollInterval):
		}
	}
}

// FetchVersion asks a running daemon for its version. Returns "" when the
// daemon is unreachable or answers garbage.
func FetchVersion(ctx context.Context, port int) string {
	url := fmt.Sprintf("http://127.0.0.1:%d/api/version", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return ""
	}
	defer func() { _ = resp.Body.Close() }()
	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ""
	}
	return body.Version
}

// RequestShutdown asks a running daemon to exit gracefully.
func RequestShutdown(ctx context.Context, port int) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/api/admin/shutdown", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("shutdown request answered %d", resp.StatusCode)
	}
	return nil
}

// CheckVersionMatch compares two version strings, treating unknown
// versions as equal to anything: an un-versioned dev build should never
// trigger a restart loop.
func CheckVersionMatch(a, b string) bool {
	if a == "" || b == "" || a == "unknown" || b == "unknown" {
		return true
	}
	return a == b
}
