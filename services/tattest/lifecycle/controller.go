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
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/tattest/services/tattest/clock"
	"github.com/AleutianAI/tattest/services/tattest/datatypes"
	"github.com/AleutianAI/tattest/services/tattest/submission"
)

// =============================================================================
// States and Outcomes
// =============================================================================

// State is the Controller's position in the caller-side state machine.
type State string

const (
	StateIdle       State = "idle"
	StateChecking   State = "checking"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

var (
	// ErrInvalidTransition means the operation is not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid controller transition")

	// ErrSettlementDeferred is the cause of a completion whose charge failed.
	ErrSettlementDeferred = errors.New("credits not deducted")
)

// OutcomeKind says whether a best-effort operation fully succeeded.
type OutcomeKind string

const (
	// Applied: the server accepted the transition.
	Applied OutcomeKind = "applied"

	// AppliedWithWarning: the local state advanced but a sub-step failed.
	// Cause holds the failure.
	AppliedWithWarning OutcomeKind = "applied_with_warning"
)

// Outcome is the result of pause, submit, time-up and abandon.
//
// Resolution is set for terminal operations.
type Outcome struct {
	Kind       OutcomeKind
	Cause      error
	Resolution *datatypes.Resolution
}

// Warned reports whether the outcome carries a warning.
func (o Outcome) Warned() bool {
	return o.Kind == AppliedWithWarning
}

// Snapshot is a consistent copy of the Controller's observable state.
type Snapshot struct {
	State      State
	SessionID  string
	Status     datatypes.Status
	Text       string
	Remaining  int
	Recovered  bool
	Message    string
	Resolution *datatypes.Resolution
}

// =============================================================================
// Controller
// =============================================================================

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	// ExerciseID is the exercise this controller runs. Required.
	ExerciseID string

	// Policy supplies warning thresholds and length rules for local
	// fallbacks. Default: datatypes.DefaultPolicy()
	Policy datatypes.Policy

	// OnEvent receives countdown events. Called with the controller locked;
	// it must not call back into the controller.
	OnEvent func(clock.Event)

	// OnStateChange is called on every state change, under the same rule.
	OnStateChange func(from, to State)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Controller runs one caller's session for one exercise.
//
// # Description
//
// The states are Idle, Checking, Connecting, Connected, Running, Paused,
// Completed and Error. Start walks Idle -> Checking -> Connecting ->
// Connected -> Running. A session that resolves to completed ends in
// Completed; one that resolves to abandoned ends in Error with the reason
// in Message, as does a start that failed.
//
// The current session handle is owned by the controller and passed to the
// backend explicitly on every call.
//
// Network failures are never retried automatically. A failed Start leaves
// the controller in Error with no session; call Start again to retry. A
// failed pause, submit, time-up or abandon still advances the local state
// and returns AppliedWithWarning, so the caller always reaches a resolution.
//
// # Thread Safety
//
// Methods are serialized by an internal mutex, so Tick may be driven from a
// timer goroutine while the UI calls Submit.
type Controller struct {
	mu      sync.Mutex
	backend Backend
	cfg     ControllerConfig
	logger  *slog.Logger

	state         State
	history       []State
	session       *datatypes.SessionView
	text          string
	countdown     *clock.Countdown
	recovered     bool
	timeUpInvoked bool
	resolution    *datatypes.Resolution
	message       string
}

// NewController creates an Idle controller.
func NewController(backend Backend, cfg ControllerConfig) *Controller {
	if cfg.Policy.DurationSeconds <= 0 {
		cfg.Policy = datatypes.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		backend: backend,
		cfg:     cfg,
		logger:  cfg.Logger.With("exercise_id", cfg.ExerciseID),
		state:   StateIdle,
		history: []State{StateIdle},
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns every state entered, oldest first.
func (c *Controller) History() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]State, len(c.history))
	copy(out, c.history)
	return out
}

// Snapshot returns a copy of the observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:     c.state,
		Text:      c.text,
		Recovered: c.recovered,
		Message:   c.message,
	}
	if c.session != nil {
		snap.SessionID = c.session.ID
		snap.Status = c.session.Status
	}
	if c.countdown != nil {
		snap.Remaining = c.countdown.Remaining()
	}
	if c.resolution != nil {
		res := *c.resolution
		snap.Resolution = &res
		snap.Status = res.Status
	}
	return snap
}

// SetText replaces the local draft. Ignored unless Running.
func (c *Controller) SetText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		c.text = text
	}
}

// =============================================================================
// Start and Recovery
// =============================================================================

// Init performs recovery for this exercise.
//
// # Description
//
// If the caller already has an active or paused session, it is adopted with
// its stored draft and remaining time and the controller moves to Running
// or Paused. Otherwise the controller returns to Idle.
//
// # Outputs
//
//   - bool: True if a session was recovered.
//   - error: The lookup failure; the controller is then in Error.
func (c *Controller) Init(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return false, fmt.Errorf("init from %s: %w", c.state, ErrInvalidTransition)
	}
	c.setStateLocked(StateChecking)
	view, found, err := c.backend.OpenSession(ctx, c.cfg.ExerciseID)
	if err != nil {
		c.failLocked(err)
		return false, err
	}
	if !found {
		c.setStateLocked(StateIdle)
		return false, nil
	}
	c.setStateLocked(StateConnected)
	c.adoptLocked(ctx, view, true)
	return true, nil
}

// Start begins a session, or adopts the open one.
//
// Allowed from Idle, Error and Completed. On failure the controller is left
// in Error with no session and a human-readable Message.
func (c *Controller) Start(ctx context.Context) (datatypes.StartResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle, StateError, StateCompleted:
	default:
		return datatypes.StartResult{}, fmt.Errorf("start from %s: %w", c.state, ErrInvalidTransition)
	}
	c.resetLocked()

	c.setStateLocked(StateChecking)
	view, found, err := c.backend.OpenSession(ctx, c.cfg.ExerciseID)
	if err != nil {
		c.failLocked(err)
		return datatypes.StartResult{}, err
	}
	if found {
		c.setStateLocked(StateConnected)
		c.adoptLocked(ctx, view, true)
		return datatypes.StartResult{Session: view, Recovered: true}, nil
	}

	c.setStateLocked(StateConnecting)
	result, err := c.backend.StartSession(ctx, c.cfg.ExerciseID)
	if err != nil {
		c.failLocked(err)
		return datatypes.StartResult{}, err
	}
	c.setStateLocked(StateConnected)
	c.adoptLocked(ctx, result.Session, result.Recovered)
	return result, nil
}

// =============================================================================
// Countdown
// =============================================================================

// Tick advances the local countdown by one second.
//
// Warning events are passed to OnEvent. When remaining first reaches zero,
// time-up is invoked exactly once. Ticks outside Running are ignored.
func (c *Controller) Tick(ctx context.Context) []clock.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning || c.countdown == nil {
		return nil
	}
	events := c.countdown.Tick()
	c.handleEventsLocked(ctx, events)
	return events
}

// Resync saves the draft and replaces the local countdown with the server's.
//
// A failed sync leaves the local countdown running and returns the error.
func (c *Controller) Resync(ctx context.Context) ([]clock.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return nil, nil
	}
	result, err := c.backend.SyncSession(ctx, c.session.ID, c.text)
	if err != nil {
		if errors.Is(err, datatypes.ErrSessionTerminal) {
			c.recoverTerminalLocked(ctx)
			return nil, nil
		}
		c.logger.Warn("countdown resync failed", "session_id", c.session.ID, "error", err)
		return nil, err
	}
	events := c.countdown.Resync(result.RemainingSeconds)
	c.handleEventsLocked(ctx, events)
	if result.Expired && c.state == StateRunning && !c.timeUpInvoked {
		if _, err := c.timeUpLocked(ctx); err != nil {
			c.logger.Warn("time-up not applied", "session_id", c.session.ID, "error", err)
		}
	}
	return events, nil
}

// Run calls Tick for every value received on ticks until the session
// resolves, ticks is closed, or ctx is cancelled.
func (c *Controller) Run(ctx context.Context, ticks <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ticks:
			if !ok {
				return nil
			}
			c.Tick(ctx)
			if c.resolved() {
				return nil
			}
		}
	}
}

func (c *Controller) resolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateCompleted || c.state == StateError
}

func (c *Controller) emitLocked(events []clock.Event) {
	if c.cfg.OnEvent == nil {
		return
	}
	for _, ev := range events {
		c.cfg.OnEvent(ev)
	}
}

func (c *Controller) handleEventsLocked(ctx context.Context, events []clock.Event) {
	c.emitLocked(events)
	for _, ev := range events {
		if ev.Kind == clock.EventTimeUp {
			if _, err := c.timeUpLocked(ctx); err != nil {
				c.logger.Warn("time-up not applied", "session_id", c.session.ID, "error", err)
			}
		}
	}
}

// =============================================================================
// Transitions
// =============================================================================

// Pause saves and exits. Allowed only from Running.
//
// If the server reports the time already expired, the session is resolved
// through time-up instead and that outcome is returned.
func (c *Controller) Pause(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return Outcome{}, fmt.Errorf("pause from %s: %w", c.state, ErrInvalidTransition)
	}
	remaining := c.countdown.Remaining()
	view, err := c.backend.PauseSession(ctx, c.session.ID, c.text, remaining)
	switch {
	case err == nil:
		c.session = &view
		c.countdown = clock.NewCountdown(view.RemainingSeconds, c.cfg.Policy.WarningThresholds)
		c.setStateLocked(StatePaused)
		return Outcome{Kind: Applied}, nil

	case errors.Is(err, datatypes.ErrTimeExpired):
		c.emitLocked(c.countdown.Resync(0))
		return c.timeUpLocked(ctx)

	case errors.Is(err, datatypes.ErrSessionTerminal):
		return c.recoverTerminalLocked(ctx), nil

	case isInfrastructure(err):
		c.logger.Error("pause not persisted, continuing locally",
			"session_id", c.session.ID,
			"time_remaining", remaining,
			"error", err,
		)
		c.session.Status = datatypes.StatusPaused
		c.setStateLocked(StatePaused)
		return Outcome{Kind: AppliedWithWarning, Cause: err}, nil

	default:
		c.failLocked(err)
		return Outcome{}, err
	}
}

// Resume continues a paused session from the server's remaining time.
//
// A failed resume leaves the controller Paused.
func (c *Controller) Resume(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePaused {
		return Outcome{}, fmt.Errorf("resume from %s: %w", c.state, ErrInvalidTransition)
	}
	view, err := c.backend.ResumeSession(ctx, c.session.ID)
	switch {
	case err == nil:
		c.adoptLocked(ctx, view, c.recovered)
		return Outcome{Kind: Applied}, nil
	case errors.Is(err, datatypes.ErrSessionNotResumable):
		return c.recoverTerminalLocked(ctx), nil
	default:
		c.logger.Warn("resume failed", "session_id", c.session.ID, "error", err)
		return Outcome{}, err
	}
}

// Submit is the manual submit. Allowed only from Running.
//
// Empty text returns ErrEmptySubmission and the controller keeps running.
func (c *Controller) Submit(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return Outcome{}, fmt.Errorf("submit from %s: %w", c.state, ErrInvalidTransition)
	}
	if submission.TrimmedLength(c.text) == 0 {
		return Outcome{}, datatypes.ErrEmptySubmission
	}

	res, err := c.backend.SubmitSession(ctx, c.session.ID, c.text)
	switch {
	case err == nil:
		return c.finishLocked(res), nil
	case errors.Is(err, datatypes.ErrEmptySubmission):
		return Outcome{}, err
	case errors.Is(err, datatypes.ErrSessionTerminal):
		return c.recoverTerminalLocked(ctx), nil
	case isInfrastructure(err):
		return c.finishLocallyLocked(err, false), nil
	default:
		c.failLocked(err)
		return Outcome{}, err
	}
}

// Abandon ends the session without charging. Allowed from Running and Paused.
func (c *Controller) Abandon(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning && c.state != StatePaused {
		return Outcome{}, fmt.Errorf("abandon from %s: %w", c.state, ErrInvalidTransition)
	}

	res, err := c.backend.AbandonSession(ctx, c.session.ID, c.text)
	switch {
	case err == nil:
		return c.finishLocked(res), nil
	case isInfrastructure(err):
		c.logger.Error("abandon not persisted, continuing locally",
			"session_id", c.session.ID,
			"error", err,
		)
		local := datatypes.Resolution{
			SessionID:      c.session.ID,
			Status:         datatypes.StatusAbandoned,
			CharacterCount: submission.TrimmedLength(c.text),
			Reason:         ReasonUserAbandoned,
		}
		out := c.finishLocked(local)
		out.Kind, out.Cause = AppliedWithWarning, err
		return out, nil
	default:
		c.failLocked(err)
		return Outcome{}, err
	}
}

// timeUpLocked submits the draft as an auto-completion.
//
// Guarded so the backend is called once per countdown. If the server still
// has time left, the countdown is rebuilt from the server's value, or at
// zero when that value cannot be read, so the next tick or an expired
// resync fires time-up again.
func (c *Controller) timeUpLocked(ctx context.Context) (Outcome, error) {
	if c.timeUpInvoked {
		return Outcome{Kind: Applied, Resolution: c.resolution}, nil
	}
	c.timeUpInvoked = true

	res, err := c.backend.TimeUp(ctx, c.session.ID, c.text)
	switch {
	case err == nil:
		return c.finishLocked(res), nil

	case errors.Is(err, datatypes.ErrTimeRemaining):
		remaining := 0
		if r, rerr := c.backend.Remaining(ctx, c.session.ID); rerr == nil {
			remaining = r.RemainingSeconds
		} else {
			c.logger.Warn("remaining time unavailable after refused time-up",
				"session_id", c.session.ID,
				"error", rerr,
			)
		}
		c.countdown = clock.NewCountdown(remaining, c.cfg.Policy.WarningThresholds)
		c.timeUpInvoked = false
		return Outcome{}, err

	case isInfrastructure(err):
		return c.finishLocallyLocked(err, true), nil

	default:
		c.failLocked(err)
		return Outcome{}, err
	}
}

// =============================================================================
// Internal State Changes
// =============================================================================

func (c *Controller) setStateLocked(to State) {
	from := c.state
	c.state = to
	c.history = append(c.history, to)
	if c.cfg.OnStateChange != nil && from != to {
		c.cfg.OnStateChange(from, to)
	}
}

func (c *Controller) resetLocked() {
	c.session = nil
	c.text = ""
	c.countdown = nil
	c.recovered = false
	c.timeUpInvoked = false
	c.resolution = nil
	c.message = ""
}

// adoptLocked makes view the current session and starts its countdown.
func (c *Controller) adoptLocked(ctx context.Context, view datatypes.SessionView, recovered bool) {
	c.session = &view
	c.text = view.StoryContent
	c.recovered = recovered
	c.timeUpInvoked = false
	c.countdown = clock.NewCountdown(view.RemainingSeconds, c.cfg.Policy.WarningThresholds)

	if view.Status == datatypes.StatusPaused {
		c.setStateLocked(StatePaused)
		return
	}
	c.setStateLocked(StateRunning)
	c.handleEventsLocked(ctx, c.countdown.Poll())
}

// finishLocked records a server resolution.
func (c *Controller) finishLocked(res datatypes.Resolution) Outcome {
	c.resolution = &res
	if c.session != nil {
		c.session.Status = res.Status
	}
	if res.Status == datatypes.StatusCompleted {
		c.message = res.Message
		c.setStateLocked(StateCompleted)
	} else {
		c.message = res.Message
		if c.message == "" {
			c.message = "This session was abandoned and no credits were deducted."
		}
		c.setStateLocked(StateError)
	}

	out := Outcome{Kind: Applied, Resolution: &res}
	if res.Warning != "" {
		out.Kind = AppliedWithWarning
		out.Cause = fmt.Errorf("%w: %s", ErrSettlementDeferred, res.Warning)
	}
	return out
}

// finishLocallyLocked resolves from the local validator when the server
// could not be reached.
func (c *Controller) finishLocallyLocked(cause error, isAuto bool) Outcome {
	c.logger.Error("submission not persisted, resolving locally",
		"session_id", c.session.ID,
		"auto_completed", isAuto,
		"error", cause,
	)
	verdict := submission.ValidateWithPolicy(c.cfg.Policy, c.text, isAuto)
	status := datatypes.StatusAbandoned
	if verdict.Outcome == submission.OutcomeCompleted {
		status = datatypes.StatusCompleted
	}
	local := datatypes.Resolution{
		SessionID:      c.session.ID,
		Status:         status,
		AutoCompleted:  isAuto,
		CharacterCount: verdict.Length,
		Reason:         verdict.Reason,
		Message:        verdict.Message,
	}
	out := c.finishLocked(local)
	out.Kind, out.Cause = AppliedWithWarning, cause
	return out
}

// recoverTerminalLocked adopts the resolution of a session that was
// resolved elsewhere. Abandon on a terminal session only reads it.
func (c *Controller) recoverTerminalLocked(ctx context.Context) Outcome {
	res, err := c.backend.AbandonSession(ctx, c.session.ID, "")
	if err != nil {
		c.failLocked(err)
		return Outcome{Kind: AppliedWithWarning, Cause: err}
	}
	return c.finishLocked(res)
}

func (c *Controller) failLocked(err error) {
	c.message = humanMessage(err, c.cfg.Policy)
	c.setStateLocked(StateError)
}

// humanMessage turns an error into text a candidate can act on.
func humanMessage(err error, p datatypes.Policy) string {
	switch {
	case errors.Is(err, datatypes.ErrInsufficientBalance):
		return fmt.Sprintf("You need at least %d credits to start this exercise.", p.Cost)
	case errors.Is(err, datatypes.ErrSessionAlreadyActive):
		return "A session for this exercise is already in progress. Reload to continue it."
	case errors.Is(err, datatypes.ErrClockUnreliable):
		return "The server cannot start timed sessions right now. Please try again later."
	case errors.Is(err, datatypes.ErrSessionNotFound):
		return "This session could not be found."
	case isInfrastructure(err):
		return "Could not reach the server. Check your connection and try again."
	}
	return err.Error()
}

// isInfrastructure reports whether err is a store or transport failure
// rather than a lifecycle precondition.
func isInfrastructure(err error) bool {
	if errors.Is(err, datatypes.ErrStore) {
		return true
	}
	return datatypes.ErrorFromCode(datatypes.ErrorCode(err)) == nil
}
