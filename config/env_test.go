// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubstituteEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:     "simple variable substitution",
			input:    "${TEST_VAR}",
			envVars:  map[string]string{"TEST_VAR": "value123"},
			expected: "value123",
		},
		{
			name:     "variable with default, variable exists",
			input:    "${TEST_VAR:default}",
			envVars:  map[string]string{"TEST_VAR": "value123"},
			expected: "value123",
		},
		{
			name:     "variable with default, variable missing",
			input:    "${MISSING_VAR:fallback}",
			envVars:  map[string]string{},
			expected: "fallback",
		},
		{
			name:     "no substitution needed",
			input:    "plain string",
			envVars:  map[string]string{},
			expected: "plain string",
		},
		{
			name:     "multiple variables",
			input:    "${HOST}:${PORT}",
			envVars:  map[string]string{"HOST": "127.0.0.1", "PORT": "4433"},
			expected: "127.0.0.1:4433",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.expected, SubstituteEnvVars(tt.input))
		})
	}
}

func TestSubstituteEnvVarsInConfig(t *testing.T) {
	t.Setenv("NODE_ADDR", "0.0.0.0:9999")

	cfg := &Config{
		Node:       &NodeConfig{ListenAddr: "${NODE_ADDR}"},
		Lighthouse: &LighthouseConfig{URL: "${LH_URL:http://localhost:7777}"},
	}
	SubstituteEnvVarsInConfig(cfg)

	assert.Equal(t, "0.0.0.0:9999", cfg.Node.ListenAddr)
	assert.Equal(t, "http://localhost:7777", cfg.Lighthouse.URL)
}

func TestSubstituteEnvVarsInConfigNilSafe(t *testing.T) {
	assert.NotPanics(t, func() {
		SubstituteEnvVarsInConfig(nil)
		SubstituteEnvVarsInConfig(&Config{})
	})
}

func TestGetEnvironment(t *testing.T) {
	os.Unsetenv("SAGENET_ENV")
	os.Unsetenv("ENVIRONMENT")
	assert.Equal(t, "development", GetEnvironment())

	t.Setenv("ENVIRONMENT", "Staging")
	assert.Equal(t, "staging", GetEnvironment())

	t.Setenv("SAGENET_ENV", "Production")
	assert.Equal(t, "production", GetEnvironment())
}

func TestIsProductionAndIsDevelopment(t *testing.T) {
	t.Setenv("SAGENET_ENV", "production")
	assert.True(t, IsProduction())
	assert.False(t, IsDevelopment())

	t.Setenv("SAGENET_ENV", "local")
	assert.False(t, IsProduction())
	assert.True(t, IsDevelopment())
}
