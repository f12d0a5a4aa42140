// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sage-x-project/sage-net/internal/logger"
)

// NodeStats is the live counters the /healthz and /readyz endpoints report
// alongside check results: current peer connections and live ratchet
// sessions.
type NodeStats struct {
	PeerCount    int
	RatchetCount int
}

// Server exposes a HealthChecker over HTTP for orchestrators (k8s
// liveness/readiness probes and the like).
type Server struct {
	checker *HealthChecker
	stats   func() NodeStats
	logger  logger.Logger
	port    int
	server  *http.Server
}

// NewServer creates a health check server bound to port, reporting checker's
// results and stats() on every request.
func NewServer(checker *HealthChecker, stats func() NodeStats, log logger.Logger, port int) *Server {
	if stats == nil {
		stats = func() NodeStats { return NodeStats{} }
	}
	return &Server{
		checker: checker,
		stats:   stats,
		logger:  log,
		port:    port,
	}
}

// Start begins serving /healthz and /readyz in a background goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("starting health server", logger.Int("port", s.port))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server stopped", logger.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleHealthz reports every registered check plus live node stats.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sysHealth := s.checker.GetSystemHealth(r.Context())
	stats := s.stats()

	response := map[string]interface{}{
		"status":        sysHealth.Status,
		"timestamp":     sysHealth.Timestamp.UTC().Format(time.RFC3339),
		"checks":        sysHealth.Checks,
		"peer_count":    stats.PeerCount,
		"ratchet_count": stats.RatchetCount,
	}

	if sysHealth.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleReadyz reports whether the node is ready to serve traffic: no
// registered check may be unhealthy.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := s.checker.GetOverallStatus(r.Context())
	ready := status != StatusUnhealthy

	response := map[string]interface{}{
		"ready":     ready,
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}
