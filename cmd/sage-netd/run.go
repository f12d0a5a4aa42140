// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/sage-net/config"
	"github.com/sage-x-project/sage-net/health"
	"github.com/sage-x-project/sage-net/identity"
	"github.com/sage-x-project/sage-net/internal/logger"
	appmetrics "github.com/sage-x-project/sage-net/internal/metrics"
	"github.com/sage-x-project/sage-net/lighthouse"
	"github.com/sage-x-project/sage-net/socket"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "bind the node socket and serve until interrupted",
	RunE:  runNode,
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadNodeConfig()
	if err != nil {
		return err
	}

	log := newLoggerFromConfig(cfg.Logging)
	logger.SetDefaultLogger(log)

	id, err := loadNodeIdentity(cfg.Node.IdentityKeyPath)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	fingerprint := cfg.Node.Fingerprint
	if fingerprint == "" {
		fingerprint = id.Fingerprint()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sock, err := socket.Bind(ctx, cfg.Node.ListenAddr, fingerprint, id,
		socket.WithAutoAddPeer(cfg.Node.AutoAddPeer),
		socket.WithLogger(log))
	if err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}
	defer sock.Close()

	log.Info("sage-netd listening",
		logger.String("fingerprint", fingerprint))

	for _, addr := range cfg.Node.Peers {
		peerAddr := addr
		go func() {
			a, err := parseAddrPort(peerAddr)
			if err != nil {
				log.Warn("skipping configured peer", logger.String("addr", peerAddr), logger.Error(err))
				return
			}
			if _, err := sock.AddPeer(ctx, a, true); err != nil {
				log.Warn("failed to add configured peer", logger.String("addr", peerAddr), logger.Error(err))
			}
		}()
	}

	var lh *lighthouse.Client
	if cfg.Lighthouse != nil && cfg.Lighthouse.Enabled {
		lh = lighthouse.New(cfg.Lighthouse.URL, id, cfg.Lighthouse.RequestTimeout)
		go runLighthouseRegistration(ctx, lh, cfg, fingerprint, log)
	}

	checker := newHealthChecker(sock, id, lh, log)
	if cfg.Health != nil && cfg.Health.Enabled {
		hsrv := health.NewServer(checker, nodeStatsFunc(sock), log, cfg.Health.Port)
		if err := hsrv.Start(); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		defer hsrv.Stop(context.Background())
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		startMetricsServer(cfg.Metrics, log)
	}

	<-ctx.Done()
	log.Info("sage-netd shutting down")
	return nil
}

func loadNodeConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func loadNodeIdentity(path string) (*identity.Identity, error) {
	if path == "" {
		return nil, fmt.Errorf("node.identity_key_path is not configured")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return identity.Load(f, nil)
}

func newLoggerFromConfig(cfg *config.LoggingConfig) *logger.StructuredLogger {
	out := os.Stdout
	level := logger.InfoLevel
	if cfg != nil {
		switch cfg.Level {
		case "debug":
			level = logger.DebugLevel
		case "warn":
			level = logger.WarnLevel
		case "error":
			level = logger.ErrorLevel
		}
	}
	l := logger.NewLogger(out, level)
	if cfg != nil && cfg.Format != "json" {
		l.SetPrettyPrint(true)
	}
	return l
}

func runLighthouseRegistration(ctx context.Context, lh *lighthouse.Client, cfg *config.Config, fingerprint string, log logger.Logger) {
	interval := cfg.Lighthouse.RegisterInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	register := func() {
		start := time.Now()
		_, err := lh.Register(ctx, cfg.Node.ListenAddr)
		appmetrics.GetGlobalCollector().RecordLighthouseCall(err == nil, time.Since(start))
		if err != nil {
			log.Warn("lighthouse registration failed", logger.Error(err))
			return
		}
		log.Debug("lighthouse registration refreshed", logger.String("fingerprint", fingerprint))
	}

	register()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			register()
		}
	}
}

func newHealthChecker(sock *socket.Socket, id *identity.Identity, lh *lighthouse.Client, log logger.Logger) *health.HealthChecker {
	checker := health.NewHealthChecker(5 * time.Second)
	checker.SetLogger(log)

	checker.RegisterCheck("socket", health.SocketHealthCheck(sock.EstablishedPeerCount, 0))
	checker.RegisterCheck("identity", health.IdentityHealthCheck(func() error {
		if id == nil {
			return fmt.Errorf("no identity loaded")
		}
		return nil
	}))
	if lh != nil {
		checker.RegisterCheck("lighthouse", health.LighthouseHealthCheck(func(ctx context.Context) error {
			_, err := lh.ListKnownPeers(ctx, id.Fingerprint())
			return err
		}))
	}

	return checker
}

func nodeStatsFunc(sock *socket.Socket) func() health.NodeStats {
	return func() health.NodeStats {
		return health.NodeStats{
			PeerCount:    sock.PeerCount(),
			RatchetCount: sock.RatchetCount(),
		}
	}
}

func startMetricsServer(cfg *config.MetricsConfig, log logger.Logger) {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, appmetrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("starting metrics server", logger.Int("port", cfg.Port))
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", logger.Error(err))
		}
	}()
}
