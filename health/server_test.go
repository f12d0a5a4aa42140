// SPDX-License-Identifier: LGPL-3.0-or-later

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/sage-net/internal/logger"
)

func TestHandleHealthzReportsStatusAndStats(t *testing.T) {
	checker := NewHealthChecker(time.Second)
	checker.RegisterCheck("ok", func(ctx context.Context) error { return nil })

	srv := NewServer(checker, func() NodeStats { return NodeStats{PeerCount: 2, RatchetCount: 1} }, logger.NewDefaultLogger(), 0)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.handleHealthz(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, string(StatusHealthy), body["status"])
	require.Equal(t, float64(2), body["peer_count"])
	require.Equal(t, float64(1), body["ratchet_count"])
}

func TestHandleHealthzReturns503WhenUnhealthy(t *testing.T) {
	checker := NewHealthChecker(time.Second)
	checker.RegisterCheck("bad", func(ctx context.Context) error { return errors.New("down") })

	srv := NewServer(checker, nil, logger.NewDefaultLogger(), 0)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.handleHealthz(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleReadyzReflectsOverallStatus(t *testing.T) {
	checker := NewHealthChecker(time.Second)
	checker.RegisterCheck("ok", func(ctx context.Context) error { return nil })

	srv := NewServer(checker, nil, logger.NewDefaultLogger(), 0)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	srv.handleReadyz(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, true, body["ready"])
}
