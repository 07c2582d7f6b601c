// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sweeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/tattest/services/tattest/clock"
	"github.com/AleutianAI/tattest/services/tattest/datatypes"
	"github.com/AleutianAI/tattest/services/tattest/ledger"
	"github.com/AleutianAI/tattest/services/tattest/lifecycle"
	"github.com/AleutianAI/tattest/services/tattest/observability"
	"github.com/AleutianAI/tattest/services/tattest/sessionstore"
	tbadger "github.com/AleutianAI/tattest/services/tattest/storage/badger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sweepStart = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store   sessionstore.Store
	ledger  ledger.Ledger
	engine  *lifecycle.Engine
	clock   *clock.FakeClock
	metrics *observability.LifecycleMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := tbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fc := clock.NewFakeClock(sweepStart)
	f := &fixture{
		store:   sessionstore.New(db),
		ledger:  ledger.New(db, fc),
		clock:   fc,
		metrics: observability.NewLifecycleMetrics(prometheus.NewRegistry()),
	}
	f.engine = lifecycle.NewEngine(f.store, f.ledger, lifecycle.EngineConfig{
		Clock:   fc,
		Sanity:  clock.NewNoopSanityChecker(fc),
		Metrics: f.metrics,
	})
	return f
}

func (f *fixture) startSession(t *testing.T, userID, draft string) string {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.Purchase(ctx, userID, 300, "seed")
	require.NoError(t, err)
	res, err := f.engine.Start(ctx, userID, "card-1")
	require.NoError(t, err)
	if draft != "" {
		_, err = f.engine.Sync(ctx, userID, res.Session.ID, draft)
		require.NoError(t, err)
	}
	return res.Session.ID
}

func (f *fixture) newSweeper(config Config) Sweeper {
	return New(f.store, f.engine, f.clock, f.metrics, config)
}

// stubResolver fails every call.
type stubResolver struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *stubResolver) ExpireSession(context.Context, datatypes.Session) (datatypes.Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return datatypes.Resolution{}, r.err
}

func (r *stubResolver) AbandonStale(context.Context, datatypes.Session) (datatypes.Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return datatypes.Resolution{}, r.err
}

// =============================================================================
// Expired Sessions
// =============================================================================

func TestSweeper_LeavesSessionsWithinGrace(t *testing.T) {
	f := newFixture(t)
	id := f.startSession(t, "user-1", strings.Repeat("a", 600))

	f.clock.Advance(datatypes.SessionDurationSeconds*time.Second + 30*time.Second)

	result, err := f.newSweeper(DefaultConfig()).RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ActiveScanned)
	assert.Zero(t, result.Expired)

	s, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusActive, s.Status)
}

func TestSweeper_ExpiresAndChargesValidDraft(t *testing.T) {
	f := newFixture(t)
	id := f.startSession(t, "user-1", strings.Repeat("a", 600))

	f.clock.Advance(datatypes.SessionDurationSeconds*time.Second + 61*time.Second)

	result, err := f.newSweeper(DefaultConfig()).RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Empty(t, result.Errors)

	s, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, s.Status)

	balance, err := f.ledger.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SweepsTotal.WithLabelValues(string(observability.SweepExpired))))
}

func TestSweeper_ExpiresShortDraftWithoutCharge(t *testing.T) {
	f := newFixture(t)
	id := f.startSession(t, "user-1", "too short")

	f.clock.Advance(time.Hour)

	result, err := f.newSweeper(DefaultConfig()).RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)

	s, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusAbandoned, s.Status)

	balance, err := f.ledger.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), balance)
}

func TestSweeper_SecondRunIsNoop(t *testing.T) {
	f := newFixture(t)
	f.startSession(t, "user-1", strings.Repeat("a", 600))
	f.clock.Advance(time.Hour)

	sw := f.newSweeper(DefaultConfig())
	first, err := sw.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Expired)

	second, err := sw.RunNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.ActiveScanned)
	assert.Zero(t, second.Expired)

	balance, err := f.ledger.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance, "charged once")
}

func TestSweeper_PausedSessionsNeverExpire(t *testing.T) {
	f := newFixture(t)
	id := f.startSession(t, "user-1", "draft")
	f.clock.Advance(10 * time.Second)
	_, err := f.engine.Pause(context.Background(), "user-1", id, "draft", 350)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)

	result, err := f.newSweeper(DefaultConfig()).RunNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Expired)
	assert.Zero(t, result.PausedScanned, "paused TTL disabled by default")

	s, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusPaused, s.Status)
}

func TestSweeper_BatchSizeBoundsWork(t *testing.T) {
	f := newFixture(t)
	for _, user := range []string{"user-1", "user-2", "user-3"} {
		f.startSession(t, user, strings.Repeat("a", 600))
	}
	f.clock.Advance(time.Hour)

	config := DefaultConfig()
	config.BatchSize = 2
	sw := f.newSweeper(config)

	first, err := sw.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, first.ActiveScanned)
	assert.Equal(t, 2, first.Expired)

	second, err := sw.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Expired)
}

// =============================================================================
// Paused TTL
// =============================================================================

func TestSweeper_AbandonsStalePausedSessions(t *testing.T) {
	f := newFixture(t)
	id := f.startSession(t, "user-1", "kept draft")
	f.clock.Advance(10 * time.Second)
	_, err := f.engine.Pause(context.Background(), "user-1", id, "kept draft", 350)
	require.NoError(t, err)

	config := DefaultConfig()
	config.PausedTTL = 24 * time.Hour
	sw := f.newSweeper(config)

	f.clock.Advance(23 * time.Hour)
	result, err := sw.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.PausedScanned)
	assert.Zero(t, result.PausedAbandoned)

	f.clock.Advance(2 * time.Hour)
	result, err = sw.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.PausedAbandoned)

	s, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusAbandoned, s.Status)
	assert.Equal(t, "kept draft", s.StoryContent)

	balance, err := f.ledger.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), balance)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SweepsTotal.WithLabelValues(string(observability.SweepPausedTTL))))
}

// =============================================================================
// Errors and Lifecycle
// =============================================================================

func TestSweeper_CollectsResolverErrors(t *testing.T) {
	f := newFixture(t)
	id := f.startSession(t, "user-1", "draft")
	f.clock.Advance(time.Hour)

	resolver := &stubResolver{err: errors.New("store unavailable")}
	sw := New(f.store, resolver, f.clock, nil, DefaultConfig())

	result, err := sw.RunNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Expired)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, id, result.Errors[0].SessionID)
	assert.Equal(t, "expire", result.Errors[0].Operation)
	assert.Contains(t, result.Errors[0].Message, "store unavailable")
}

func TestSweeper_SkipsSessionsChangedSinceListing(t *testing.T) {
	f := newFixture(t)
	f.startSession(t, "user-1", "draft")
	f.clock.Advance(time.Hour)

	resolver := &stubResolver{err: fmt.Errorf("session changed: %w", datatypes.ErrSessionNotActive)}
	sw := New(f.store, resolver, f.clock, nil, DefaultConfig())

	result, err := sw.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resolver.calls)
	assert.Zero(t, result.Expired)
	assert.Empty(t, result.Errors)
}

func TestSweeper_StartStop(t *testing.T) {
	f := newFixture(t)
	sw := New(f.store, &stubResolver{}, f.clock, nil, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sw.Start(ctx))
	assert.Error(t, sw.Start(ctx), "second start is refused")
	require.NoError(t, sw.Stop())
	require.NoError(t, sw.Stop(), "stop is idempotent")
	require.NoError(t, sw.Start(ctx), "restart after stop")
	require.NoError(t, sw.Stop())
}

func TestNew_AppliesDefaults(t *testing.T) {
	sw := New(nil, nil, nil, nil, Config{Grace: -time.Second}).(*sweeper)

	assert.Equal(t, DefaultConfig().Interval, sw.config.Interval)
	assert.Equal(t, DefaultConfig().BatchSize, sw.config.BatchSize)
	assert.Zero(t, sw.config.Grace)
	assert.Zero(t, sw.config.PausedTTL)
	assert.IsType(t, clock.SystemClock{}, sw.clock)
}
