// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Integration test for save-and-exit across a server restart
//
// This test runs the full service on a real port with an on-disk database,
// pauses a session, restarts the service on the same data directory, and
// checks that the draft, the frozen countdown and the single charge all
// survive.

package integration

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/tattest/pkg/client"
	"github.com/AleutianAI/tattest/pkg/extensions"
	"github.com/AleutianAI/tattest/services/tattest"
	"github.com/AleutianAI/tattest/services/tattest/config"
	"github.com/AleutianAI/tattest/services/tattest/datatypes"
	"github.com/AleutianAI/tattest/services/tattest/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminToken = "admin-token-000001"
	aliceToken = "alice-token-000001"
	exerciseID = "card-restart"
)

// TestPausedSessionSurvivesRestart is the main integration test
func TestPausedSessionSurvivesRestart(t *testing.T) {
	requireIntegration(t)

	ctx := context.Background()
	dir := t.TempDir()
	addr := freeAddr(t)

	// Step 1: First server: fund, start, pause
	t.Log("Starting first server...")
	stop := runService(t, serviceConfig(dir, addr))

	admin := newClient(t, addr, adminToken)
	alice := admin.ForToken(aliceToken)

	_, err := admin.GrantCredits(ctx, "alice", 300, "order-restart")
	require.NoError(t, err)

	started, err := alice.StartSession(ctx, exerciseID)
	require.NoError(t, err)
	sessionID := started.Session.ID

	draft := "The lighthouse keeper counted ships."
	paused, err := alice.PauseSession(ctx, sessionID, draft, 200)
	require.NoError(t, err)
	require.Equal(t, datatypes.StatusPaused, paused.Status)

	t.Log("Stopping first server...")
	stop()

	// Step 2: Second server on the same data directory
	t.Log("Starting second server...")
	stop = runService(t, serviceConfig(dir, addr))
	defer stop()

	t.Run("Draft_And_Countdown_Restored", func(t *testing.T) {
		view, found, err := alice.OpenSession(ctx, exerciseID)
		require.NoError(t, err)
		require.True(t, found, "paused session should be found after restart")
		assert.Equal(t, sessionID, view.ID)
		assert.Equal(t, datatypes.StatusPaused, view.Status)
		assert.Equal(t, draft, view.StoryContent)
		assert.Equal(t, 200, view.RemainingSeconds)
	})

	t.Run("Resume_And_Submit_Charges_Once", func(t *testing.T) {
		resumed, err := alice.ResumeSession(ctx, sessionID)
		require.NoError(t, err)
		assert.InDelta(t, 200, resumed.RemainingSeconds, 2)

		res, err := alice.SubmitSession(ctx, sessionID, strings.Repeat(draft+" ", 15))
		require.NoError(t, err)
		assert.Equal(t, datatypes.StatusCompleted, res.Status)
		assert.Equal(t, int64(100), res.CreditsDeducted)

		again, err := alice.SubmitSession(ctx, sessionID, strings.Repeat(draft+" ", 15))
		assert.True(t, errors.Is(err, datatypes.ErrSessionTerminal), "second submit: %v, %+v", err, again)

		credits, err := alice.Credits(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(200), credits.Balance)
		assert.Len(t, credits.Entries, 2)
	})
}

// =============================================================================
// Helpers
// =============================================================================

func serviceConfig(dir, addr string) config.Config {
	cfg := config.Default()
	cfg.Server.Addr = addr
	cfg.Server.GinMode = "test"
	cfg.Server.RateLimit = 0
	cfg.Storage.Path = filepath.Join(dir, "data")
	cfg.Storage.GCInterval = 0
	cfg.Audit.Path = filepath.Join(dir, "audit", "settlement.log")
	cfg.Sweeper.Enabled = false
	cfg.Telemetry.TraceExporter = telemetry.ExporterNone
	cfg.Telemetry.MetricExporter = telemetry.ExporterNone
	cfg.Telemetry.Registerer = prometheus.NewRegistry()
	cfg.Auth.Tokens = []extensions.StaticToken{
		{Token: adminToken, UserID: "root", Roles: []string{"admin"}},
		{Token: aliceToken, UserID: "alice", Roles: []string{"candidate"}},
	}
	return cfg
}

// runService starts the service and waits until it answers /health. The
// returned func cancels it and waits for Run to return.
func runService(t *testing.T, cfg config.Config) func() {
	t.Helper()
	svc, err := tattest.New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	probe := newClient(t, cfg.Server.Addr, "")
	require.Eventually(t, func() bool {
		return probe.Health(context.Background()) == nil
	}, 10*time.Second, 50*time.Millisecond, "service did not become healthy")

	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Fatal("service did not stop")
		}
	}
}

func newClient(t *testing.T, addr, token string) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{BaseURL: "http://" + addr, Token: token, MaxTries: 1})
	require.NoError(t, err)
	return c
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}
