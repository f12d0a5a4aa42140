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

// Package config provides configuration management for a sage-net node.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a sage-net node.
type Config struct {
	Environment string            `yaml:"environment" json:"environment"`
	Node        *NodeConfig       `yaml:"node" json:"node"`
	Lighthouse  *LighthouseConfig `yaml:"lighthouse" json:"lighthouse"`
	Stun        *StunConfig       `yaml:"stun" json:"stun"`
	Gossip      *GossipConfig     `yaml:"gossip" json:"gossip"`
	Logging     *LoggingConfig    `yaml:"logging" json:"logging"`
	Metrics     *MetricsConfig    `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig     `yaml:"health" json:"health"`
}

// NodeConfig describes the local node's identity and socket.
type NodeConfig struct {
	ListenAddr      string   `yaml:"listen_addr" json:"listen_addr"`
	IdentityKeyPath string   `yaml:"identity_key_path" json:"identity_key_path"`
	Fingerprint     string   `yaml:"fingerprint" json:"fingerprint"`
	AutoAddPeer     bool     `yaml:"auto_add_peer" json:"auto_add_peer"`
	Peers           []string `yaml:"peers" json:"peers"`
}

// LighthouseConfig describes how this node reaches its directory server.
type LighthouseConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	URL              string        `yaml:"url" json:"url"`
	RegisterInterval time.Duration `yaml:"register_interval" json:"register_interval"`
	RequestTimeout   time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// StunConfig describes public-address discovery.
type StunConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Server  string `yaml:"server" json:"server"`
}

// GossipConfig tunes the gossip fan-out worker.
type GossipConfig struct {
	FanOut int `yaml:"fan_out" json:"fan_out"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// HealthConfig represents health check configuration.
type HealthConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Port    int      `yaml:"port" json:"port"`
	Path    string   `yaml:"path" json:"path"`
	Checks  []string `yaml:"checks" json:"checks"`
}

// LoadFromFile loads configuration from a file, trying YAML first and
// falling back to JSON so the same logical config can be authored in
// either format.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	cfg := &Config{}
	if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", yamlErr)
		}
	}

	setDefaults(cfg)
	return cfg, nil
}

// SaveToFile saves configuration to a file, choosing JSON or YAML by the
// path's extension.
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setDefaults fills zero-valued fields with the node's operating defaults.
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Node != nil {
		if cfg.Node.ListenAddr == "" {
			cfg.Node.ListenAddr = "0.0.0.0:0"
		}
	}

	if cfg.Lighthouse != nil {
		if cfg.Lighthouse.RegisterInterval == 0 {
			cfg.Lighthouse.RegisterInterval = 5 * time.Minute
		}
		if cfg.Lighthouse.RequestTimeout == 0 {
			cfg.Lighthouse.RequestTimeout = 10 * time.Second
		}
	}

	if cfg.Stun != nil {
		if cfg.Stun.Server == "" {
			cfg.Stun.Server = "stun.l.google.com:19302"
		}
	}

	if cfg.Gossip != nil {
		if cfg.Gossip.FanOut == 0 {
			cfg.Gossip.FanOut = 3
		}
	}

	if cfg.Logging != nil {
		if cfg.Logging.Level == "" {
			cfg.Logging.Level = "info"
		}
		if cfg.Logging.Format == "" {
			cfg.Logging.Format = "json"
		}
		if cfg.Logging.Output == "" {
			cfg.Logging.Output = "stdout"
		}
	}

	if cfg.Metrics != nil {
		if cfg.Metrics.Path == "" {
			cfg.Metrics.Path = "/metrics"
		}
	}

	if cfg.Health != nil {
		if cfg.Health.Path == "" {
			cfg.Health.Path = "/healthz"
		}
	}
}
