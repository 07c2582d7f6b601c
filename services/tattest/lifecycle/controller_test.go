// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/tattest/services/tattest/clock"
	"github.com/AleutianAI/tattest/services/tattest/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

var errConnRefused = errors.New("dial tcp 127.0.0.1:12210: connection refused")

// faultyBackend counts calls and fails chosen methods.
type faultyBackend struct {
	Backend
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func newFaultyBackend(b Backend) *faultyBackend {
	return &faultyBackend{Backend: b, fail: map[string]error{}, calls: map[string]int{}}
}

func (f *faultyBackend) failOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[method] = err
}

func (f *faultyBackend) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *faultyBackend) enter(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	return f.fail[method]
}

func (f *faultyBackend) StartSession(ctx context.Context, exerciseID string) (datatypes.StartResult, error) {
	if err := f.enter("start"); err != nil {
		return datatypes.StartResult{}, err
	}
	return f.Backend.StartSession(ctx, exerciseID)
}

func (f *faultyBackend) SyncSession(ctx context.Context, sessionID, text string) (datatypes.RemainingResult, error) {
	if err := f.enter("sync"); err != nil {
		return datatypes.RemainingResult{}, err
	}
	return f.Backend.SyncSession(ctx, sessionID, text)
}

func (f *faultyBackend) PauseSession(ctx context.Context, sessionID, text string, remaining int) (datatypes.SessionView, error) {
	if err := f.enter("pause"); err != nil {
		return datatypes.SessionView{}, err
	}
	return f.Backend.PauseSession(ctx, sessionID, text, remaining)
}

func (f *faultyBackend) SubmitSession(ctx context.Context, sessionID, text string) (datatypes.Resolution, error) {
	if err := f.enter("submit"); err != nil {
		return datatypes.Resolution{}, err
	}
	return f.Backend.SubmitSession(ctx, sessionID, text)
}

func (f *faultyBackend) TimeUp(ctx context.Context, sessionID, text string) (datatypes.Resolution, error) {
	if err := f.enter("timeup"); err != nil {
		return datatypes.Resolution{}, err
	}
	return f.Backend.TimeUp(ctx, sessionID, text)
}

func (f *faultyBackend) AbandonSession(ctx context.Context, sessionID, text string) (datatypes.Resolution, error) {
	if err := f.enter("abandon"); err != nil {
		return datatypes.Resolution{}, err
	}
	return f.Backend.AbandonSession(ctx, sessionID, text)
}

func (f *faultyBackend) Remaining(ctx context.Context, sessionID string) (datatypes.RemainingResult, error) {
	if err := f.enter("remaining"); err != nil {
		return datatypes.RemainingResult{}, err
	}
	return f.Backend.Remaining(ctx, sessionID)
}

// eventLog collects countdown events.
type eventLog struct {
	mu     sync.Mutex
	events []clock.Event
}

func (l *eventLog) add(ev clock.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) warnings() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int
	for _, ev := range l.events {
		if ev.Kind == clock.EventWarning {
			out = append(out, ev.Threshold)
		}
	}
	return out
}

func (l *eventLog) timeUps() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == clock.EventTimeUp {
			n++
		}
	}
	return n
}

func newTestController(t *testing.T, h *harness) (*Controller, *faultyBackend, *eventLog) {
	t.Helper()
	backend := newFaultyBackend(h.engine.ForUser(testUser))
	events := &eventLog{}
	c := NewController(backend, ControllerConfig{
		ExerciseID: testExercise,
		OnEvent:    events.add,
	})
	return c, backend, events
}

// tickSeconds advances the server clock and the local countdown together.
func tickSeconds(c *Controller, h *harness, n int) {
	for i := 0; i < n; i++ {
		h.clock.Advance(time.Second)
		c.Tick(context.Background())
	}
}

// =============================================================================
// Start and Recovery
// =============================================================================

func TestController_StartWalksStates(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 100)
	c, _, _ := newTestController(t, h)

	result, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Recovered)

	assert.Equal(t, []State{
		StateIdle, StateChecking, StateConnecting, StateConnected, StateRunning,
	}, c.History())

	snap := c.Snapshot()
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, result.Session.ID, snap.SessionID)
	assert.Equal(t, datatypes.SessionDurationSeconds, snap.Remaining)
}

func TestController_StartFailureLeavesErrorWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 100)
	c, backend, _ := newTestController(t, h)
	backend.failOn("start", errConnRefused)

	_, err := c.Start(context.Background())
	require.Error(t, err)

	snap := c.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Empty(t, snap.SessionID)
	assert.Contains(t, snap.Message, "Could not reach the server")
	assert.Equal(t, 1, backend.count("start"), "network failures are not retried")

	backend.failOn("start", nil)
	_, err = c.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRunning, c.State())
}

func TestController_StartInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	c, _, _ := newTestController(t, h)

	_, err := c.Start(context.Background())
	assert.ErrorIs(t, err, datatypes.ErrInsufficientBalance)
	snap := c.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Contains(t, snap.Message, "100 credits")
}

func TestController_InitRecoversPausedSession(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 100)
	view := h.start(t)
	h.clock.Advance(170 * time.Second)
	_, err := h.engine.Pause(context.Background(), testUser, view.ID, story(300), 190)
	require.NoError(t, err)
	h.clock.Advance(20 * time.Minute)

	c, _, _ := newTestController(t, h)
	recovered, err := c.Init(context.Background())
	require.NoError(t, err)
	assert.True(t, recovered)

	snap := c.Snapshot()
	assert.Equal(t, StatePaused, snap.State)
	assert.Equal(t, view.ID, snap.SessionID)
	assert.Equal(t, story(300), snap.Text)
	assert.Equal(t, 190, snap.Remaining)
	assert.True(t, snap.Recovered)

	_, err = c.Resume(context.Background())
	require.NoError(t, err)
	tickSeconds(c, h, 5)
	snap = c.Snapshot()
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, 185, snap.Remaining)
}

func TestController_InitWithoutOpenSessionReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	c, _, _ := newTestController(t, h)

	recovered, err := c.Init(context.Background())
	require.NoError(t, err)
	assert.False(t, recovered)
	assert.Equal(t, StateIdle, c.State())
}

func TestController_StartAdoptsOpenSession(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 100)
	view := h.start(t)

	c, backend, _ := newTestController(t, h)
	result, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Recovered)
	assert.Equal(t, view.ID, result.Session.ID)
	assert.Equal(t, 0, backend.count("start"), "no second session is requested")
}

func TestController_InitResolvesExpiredSession(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 100)
	view := h.start(t)
	_, err := h.engine.Sync(context.Background(), testUser, view.ID, story(900))
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)

	c, backend, _ := newTestController(t, h)
	_, err = c.Init(context.Background())
	require.NoError(t, err)

	snap := c.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	require.NotNil(t, snap.Resolution)
	assert.True(t, snap.Resolution.AutoCompleted)
	assert.Equal(t, int64(100), snap.Resolution.CreditsDeducted)
	assert.Equal(t, 1, backend.count("timeup"))
}

// =============================================================================
// Scenarios
// =============================================================================

func TestController_ScenarioA_ManualSubmit(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 300)
	c, _, _ := newTestController(t, h)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	tickSeconds(c, h, 90)
	c.SetText(story(600))
	out, err := c.Submit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Applied, out.Kind)
	require.NotNil(t, out.Resolution)
	assert.Equal(t, datatypes.StatusCompleted, out.Resolution.Status)
	assert.Equal(t, int64(100), out.Resolution.CreditsDeducted)
	assert.Equal(t, StateCompleted, c.State())
	assert.Equal(t, int64(200), h.balance(t, testUser))
}

func TestController_ScenarioB_TimeUpFiresOnce(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 300)
	c, backend, events := newTestController(t, h)
	_, err := c.Start(context.Background())
	require.NoError(t, err)
	c.SetText(story(200))

	tickSeconds(c, h, datatypes.SessionDurationSeconds+30)

	assert.Equal(t, 1, backend.count("timeup"))
	assert.Equal(t, 1, events.timeUps())
	assert.Equal(t, []int{120, 60, 30}, events.warnings())

	snap := c.Snapshot()
	assert.Equal(t, StateError, snap.State)
	require.NotNil(t, snap.Resolution)
	assert.Equal(t, datatypes.StatusAbandoned, snap.Resolution.Status)
	assert.Equal(t, int64(0), snap.Resolution.CreditsDeducted)
	assert.NotEmpty(t, snap.Message)
	assert.Equal(t, int64(300), h.balance(t, testUser))
}

func TestController_ScenarioC_TimeUpAfterResync(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 300)
	c, backend, events := newTestController(t, h)
	_, err := c.Start(context.Background())
	require.NoError(t, err)
	c.SetText(story(1800))

	// The tab slept; the server clock moved on without local ticks.
	h.clock.Advance(7 * time.Minute)
	_, err = c.Resync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, backend.count("timeup"))
	assert.Equal(t, []int{30}, events.warnings(), "a jump emits only the lowest warning")
	snap := c.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	require.NotNil(t, snap.Resolution)
	assert.True(t, snap.Resolution.AutoCompleted)
	assert.Equal(t, int64(100), snap.Resolution.CreditsDeducted)

	c.Tick(context.Background())
	assert.Equal(t, 1, backend.count("timeup"))
}

func TestController_RefusedTimeUpRetriesWhenRemainingUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		recover func(c *Controller)
	}{
		{"next tick", func(c *Controller) { c.Tick(context.Background()) }},
		{"expired resync", func(c *Controller) { _, _ = c.Resync(context.Background()) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.fund(t, testUser, 300)
			c, backend, _ := newTestController(t, h)
			_, err := c.Start(context.Background())
			require.NoError(t, err)
			c.SetText(story(1800))

			// The local countdown runs fast: it reaches zero with 60s left on the server.
			h.clock.Advance(300 * time.Second)
			backend.failOn("remaining", errConnRefused)
			for i := 0; i < datatypes.SessionDurationSeconds; i++ {
				c.Tick(context.Background())
			}
			require.Equal(t, 1, backend.count("timeup"))
			require.Equal(t, StateRunning, c.State())
			assert.Zero(t, c.Snapshot().Remaining)

			h.clock.Advance(60 * time.Second)
			tt.recover(c)

			assert.Equal(t, 2, backend.count("timeup"))
			snap := c.Snapshot()
			assert.Equal(t, StateCompleted, snap.State)
			require.NotNil(t, snap.Resolution)
			assert.True(t, snap.Resolution.AutoCompleted)
			assert.Equal(t, int64(200), h.balance(t, testUser))
		})
	}
}

func TestController_ScenarioD_PauseReloadResume(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 300)
	c, _, _ := newTestController(t, h)
	_, err := c.Start(context.Background())
	require.NoError(t, err)
	c.SetText(story(300))
	tickSeconds(c, h, 170)

	out, err := c.Pause(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Applied, out.Kind)
	assert.Equal(t, StatePaused, c.State())

	// Reload: a fresh controller for the same caller.
	h.clock.Advance(time.Hour)
	reloaded, _, _ := newTestController(t, h)
	recovered, err := reloaded.Init(context.Background())
	require.NoError(t, err)
	require.True(t, recovered)

	snap := reloaded.Snapshot()
	assert.Equal(t, story(300), snap.Text)
	assert.InDelta(t, 190, snap.Remaining, 1)

	_, err = reloaded.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRunning, reloaded.State())
	assert.InDelta(t, 190, reloaded.Snapshot().Remaining, 1)
}

func TestController_ScenarioE_SettlementWarning(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 300)
	c, _, _ := newTestController(t, h)
	_, err := c.Start(context.Background())
	require.NoError(t, err)
	h.ledger.failCharges(errors.New("ledger unavailable"))

	c.SetText(story(900))
	out, err := c.Submit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, AppliedWithWarning, out.Kind)
	assert.ErrorIs(t, out.Cause, ErrSettlementDeferred)
	require.NotNil(t, out.Resolution)
	assert.Equal(t, datatypes.StatusCompleted, out.Resolution.Status)
	assert.Equal(t, int64(0), out.Resolution.CreditsDeducted)
	assert.Equal(t, StateCompleted, c.State())
}

// =============================================================================
// Best-effort Transitions
// =============================================================================

func TestController_PauseStoreFailureStillPauses(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 100)
	c, backend, _ := newTestController(t, h)
	_, err := c.Start(context.Background())
	require.NoError(t, err)
	backend.failOn("pause", fmt.Errorf("write session: %w", datatypes.ErrStore))

	out, err := c.Pause(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Warned())
	assert.ErrorIs(t, out.Cause, datatypes.ErrStore)
	assert.Equal(t, StatePaused, c.State())
}

func TestController_SubmitNetworkFailureResolvesLocally(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 100)
	c, backend, _ := newTestController(t, h)
	_, err := c.Start(context.Background())
	require.NoError(t, err)
	backend.failOn("submit", errConnRefused)

	c.SetText(story(700))
	out, err := c.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AppliedWithWarning, out.Kind)
	assert.ErrorIs(t, out.Cause, errConnRefused)
	require.NotNil(t, out.Resolution)
	assert.Equal(t, datatypes.StatusCompleted, out.Resolution.Status)
	assert.Equal(t, int64(0), out.Resolution.CreditsDeducted)
	assert.Equal(t, StateCompleted, c.State())
}

func TestController_AbandonNetworkFailureResolvesLocally(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 100)
	c, backend, _ := newTestController(t, h)
	_, err := c.Start(context.Background())
	require.NoError(t, err)
	backend.failOn("abandon", errConnRefused)

	out, err := c.Abandon(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Warned())
	require.NotNil(t, out.Resolution)
	assert.Equal(t, datatypes.StatusAbandoned, out.Resolution.Status)
	assert.Equal(t, StateError, c.State())
}

func TestController_EmptySubmitStaysRunning(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 100)
	c, backend, _ := newTestController(t, h)
	_, err := c.Start(context.Background())
	require.NoError(t, err)
	c.SetText("   ")

	_, err = c.Submit(context.Background())
	assert.ErrorIs(t, err, datatypes.ErrEmptySubmission)
	assert.Equal(t, StateRunning, c.State())
	assert.Equal(t, 0, backend.count("submit"))
}

func TestController_PauseAfterServerExpiryResolvesThroughTimeUp(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 100)
	c, backend, _ := newTestController(t, h)
	_, err := c.Start(context.Background())
	require.NoError(t, err)
	c.SetText(story(800))
	h.clock.Advance(400 * time.Second)

	out, err := c.Pause(context.Background())
	require.NoError(t, err)
	require.NotNil(t, out.Resolution)
	assert.True(t, out.Resolution.AutoCompleted)
	assert.Equal(t, datatypes.StatusCompleted, out.Resolution.Status)
	assert.Equal(t, 1, backend.count("timeup"))
	assert.Equal(t, StateCompleted, c.State())
}

func TestController_ResyncAfterSweepAdoptsResolution(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 100)
	c, _, _ := newTestController(t, h)
	result, err := c.Start(context.Background())
	require.NoError(t, err)

	_, err = h.engine.Abandon(context.Background(), testUser, result.Session.ID, "")
	require.NoError(t, err)

	_, err = c.Resync(context.Background())
	require.NoError(t, err)
	snap := c.Snapshot()
	assert.Equal(t, StateError, snap.State)
	require.NotNil(t, snap.Resolution)
	assert.True(t, snap.Resolution.AlreadyTerminal)
	assert.Equal(t, datatypes.StatusAbandoned, snap.Resolution.Status)
}

func TestController_ResyncFailureKeepsRunning(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 100)
	c, backend, _ := newTestController(t, h)
	_, err := c.Start(context.Background())
	require.NoError(t, err)
	backend.failOn("sync", errConnRefused)

	tickSeconds(c, h, 3)
	_, err = c.Resync(context.Background())
	assert.ErrorIs(t, err, errConnRefused)
	assert.Equal(t, StateRunning, c.State())
	assert.Equal(t, 357, c.Snapshot().Remaining)
}

func TestController_InvalidTransitions(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 100)
	c, _, _ := newTestController(t, h)

	_, err := c.Submit(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = c.Pause(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = c.Start(context.Background())
	require.NoError(t, err)
	_, err = c.Resume(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = c.Start(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = c.Init(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestController_RunStopsAtResolution(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 100)
	c, backend, _ := newTestController(t, h)
	_, err := c.Start(context.Background())
	require.NoError(t, err)
	c.SetText(story(650))
	h.clock.Advance(datatypes.SessionDurationSeconds * time.Second)

	ticks := make(chan time.Time, datatypes.SessionDurationSeconds+10)
	for i := 0; i < cap(ticks); i++ {
		ticks <- testStart
	}

	require.NoError(t, c.Run(context.Background(), ticks))
	assert.Equal(t, StateCompleted, c.State())
	assert.Equal(t, 1, backend.count("timeup"))
	assert.NotEmpty(t, ticks, "Run returns once the session resolves")
}

func TestController_RunHonoursCancellation(t *testing.T) {
	h := newHarness(t)
	h.fund(t, testUser, 100)
	c, _, _ := newTestController(t, h)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.Run(ctx, make(chan time.Time))
	assert.ErrorIs(t, err, context.Canceled)
}
