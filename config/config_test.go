// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	content := `
environment: staging
node:
  listen_addr: "0.0.0.0:4433"
  identity_key_path: "/etc/sage-net/identity.asc"
  peers:
    - "203.0.113.1:4433"
lighthouse:
  enabled: true
  url: "https://lighthouse.example"
stun:
  enabled: true
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "0.0.0.0:4433", cfg.Node.ListenAddr)
	assert.Equal(t, []string{"203.0.113.1:4433"}, cfg.Node.Peers)
	assert.True(t, cfg.Lighthouse.Enabled)
	assert.Equal(t, "https://lighthouse.example", cfg.Lighthouse.URL)
	assert.Equal(t, "stun.l.google.com:19302", cfg.Stun.Server, "default STUN server should be applied")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 10*time.Second, cfg.Lighthouse.RequestTimeout)
}

func TestLoadFromFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.json")
	content := `{
		"environment": "production",
		"node": {"listen_addr": "0.0.0.0:5000", "identity_key_path": "/keys/id.asc"},
		"gossip": {"fan_out": 5}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 5, cfg.Gossip.FanOut)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open config file")
}

func TestLoadFromFileInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`not: [valid`), 0o644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
}

func TestSaveToFileRoundTrip(t *testing.T) {
	cfg := &Config{
		Environment: "development",
		Node:        &NodeConfig{ListenAddr: "127.0.0.1:1234", IdentityKeyPath: "id.asc"},
	}

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "out.yaml")
	require.NoError(t, SaveToFile(cfg, yamlPath))
	reloaded, err := LoadFromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.Node.ListenAddr, reloaded.Node.ListenAddr)

	jsonPath := filepath.Join(dir, "out.json")
	require.NoError(t, SaveToFile(cfg, jsonPath))
	reloadedJSON, err := LoadFromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.Node.IdentityKeyPath, reloadedJSON.Node.IdentityKeyPath)
}

func TestSetDefaultsAppliesAcrossSections(t *testing.T) {
	cfg := &Config{
		Node:       &NodeConfig{},
		Lighthouse: &LighthouseConfig{},
		Stun:       &StunConfig{},
		Gossip:     &GossipConfig{},
		Logging:    &LoggingConfig{},
		Metrics:    &MetricsConfig{},
		Health:     &HealthConfig{},
	}
	setDefaults(cfg)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "0.0.0.0:0", cfg.Node.ListenAddr)
	assert.Equal(t, 5*time.Minute, cfg.Lighthouse.RegisterInterval)
	assert.Equal(t, 3, cfg.Gossip.FanOut)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "/healthz", cfg.Health.Path)
}
