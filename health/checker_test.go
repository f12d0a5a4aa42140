// SPDX-License-Identifier: LGPL-3.0-or-later

package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAllReportsOverallStatus(t *testing.T) {
	h := NewHealthChecker(time.Second)
	h.RegisterCheck("ok", func(ctx context.Context) error { return nil })
	h.RegisterCheck("bad", func(ctx context.Context) error { return errors.New("boom") })

	results := h.CheckAll(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, StatusHealthy, results["ok"].Status)
	assert.Equal(t, StatusUnhealthy, results["bad"].Status)
	assert.Equal(t, StatusUnhealthy, h.GetOverallStatus(context.Background()))
}

func TestGetOverallStatusHealthyWithNoChecks(t *testing.T) {
	h := NewHealthChecker(time.Second)
	assert.Equal(t, StatusHealthy, h.GetOverallStatus(context.Background()))
}

func TestCheckCachesResult(t *testing.T) {
	h := NewHealthChecker(time.Second)
	h.SetCacheTTL(time.Minute)

	calls := 0
	h.RegisterCheck("counted", func(ctx context.Context) error {
		calls++
		return nil
	})

	_, err := h.Check(context.Background(), "counted")
	require.NoError(t, err)
	_, err = h.Check(context.Background(), "counted")
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestClearCacheForcesRecheck(t *testing.T) {
	h := NewHealthChecker(time.Second)
	h.SetCacheTTL(time.Minute)

	calls := 0
	h.RegisterCheck("counted", func(ctx context.Context) error {
		calls++
		return nil
	})

	_, _ = h.Check(context.Background(), "counted")
	h.ClearCache()
	_, _ = h.Check(context.Background(), "counted")

	assert.Equal(t, 2, calls)
}

func TestCheckUnknownNameErrors(t *testing.T) {
	h := NewHealthChecker(time.Second)
	_, err := h.Check(context.Background(), "missing")
	assert.Error(t, err)
}

func TestSocketHealthCheckFailsBelowMinPeers(t *testing.T) {
	check := SocketHealthCheck(func() int { return 1 }, 3)
	assert.Error(t, check(context.Background()))

	check = SocketHealthCheck(func() int { return 3 }, 3)
	assert.NoError(t, check(context.Background()))
}

func TestIdentityHealthCheckPropagatesError(t *testing.T) {
	check := IdentityHealthCheck(func() error { return errors.New("no key") })
	assert.Error(t, check(context.Background()))

	check = IdentityHealthCheck(func() error { return nil })
	assert.NoError(t, check(context.Background()))
}

func TestLighthouseHealthCheckCallsPing(t *testing.T) {
	called := false
	check := LighthouseHealthCheck(func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, check(context.Background()))
	assert.True(t, called)
}
