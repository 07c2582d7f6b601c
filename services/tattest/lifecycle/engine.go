// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle drives timed sessions from start to settlement.
//
// # Description
//
// Two pieces live here:
//
//   - Engine is the server-side authority. It owns every persisted
//     transition, computes remaining time from stored timestamps, and
//     charges a completed session at most once.
//   - Controller is the per-caller state machine (Idle, Checking,
//     Connecting, Connected, Running, Paused, Completed, Error). It talks
//     to an Engine through the Backend interface, either in-process or over
//     HTTP via pkg/client, and keeps the caller moving even when a write
//     fails.
//
// # Transitions
//
//	active  -> paused | completed | abandoned
//	paused  -> active | abandoned
//	completed, abandoned: terminal
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/tattest/services/tattest/audit"
	"github.com/AleutianAI/tattest/services/tattest/clock"
	"github.com/AleutianAI/tattest/services/tattest/datatypes"
	"github.com/AleutianAI/tattest/services/tattest/dispatch"
	"github.com/AleutianAI/tattest/services/tattest/ledger"
	"github.com/AleutianAI/tattest/services/tattest/observability"
	"github.com/AleutianAI/tattest/services/tattest/sessionstore"
	"github.com/AleutianAI/tattest/services/tattest/submission"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultTimeUpTolerance is how much authoritative time may remain when a
	// caller reports time-up. Covers client tick drift and request latency.
	DefaultTimeUpTolerance = 5 * time.Second

	// DefaultCreditsHistory is the number of ledger entries returned by Credits.
	DefaultCreditsHistory = 20

	// ReasonUserAbandoned marks an explicit abandon from the caller.
	ReasonUserAbandoned = "user_abandoned"

	// ReasonPausedTTL marks a paused session abandoned by the sweeper.
	ReasonPausedTTL = "paused_ttl_exceeded"

	settlementWarning = "Your story was submitted, but credits could not be deducted. The charge will be reconciled."
)

// =============================================================================
// Configuration
// =============================================================================

// EngineConfig holds the Engine's collaborators. Zero values are replaced by
// defaults in NewEngine.
type EngineConfig struct {
	// Policy holds the session rules. Default: datatypes.DefaultPolicy()
	Policy datatypes.Policy

	// TimeUpTolerance bounds early time-up reports. Default: 5s
	TimeUpTolerance time.Duration

	// Clock is the time source. Default: clock.SystemClock
	Clock clock.Clock

	// Sanity guards session starts against a broken wall clock.
	// Default: clock.NewSanityChecker(Clock, clock.DefaultSanityConfig())
	Sanity clock.SanityChecker

	// Audit records settlement attempts. Default: audit.NewNopLogger()
	Audit audit.Logger

	// Dispatcher receives completed sessions. Default: dispatch.Nop{}
	Dispatcher dispatch.Dispatcher

	// Metrics is optional.
	Metrics *observability.LifecycleMetrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// =============================================================================
// Engine
// =============================================================================

// Engine is the authoritative session lifecycle.
//
// # Description
//
// Every operation is scoped to the calling user: a session id owned by
// someone else is reported as ErrSessionNotFound. Precondition errors are
// returned before any write. Out-of-bounds text is not an error; it routes
// the session to abandoned.
//
// Settlement failures after a valid completion do not fail the call. The
// session stays completed, the Resolution reports CreditsDeducted=0 with a
// Warning, and the attempt is written to the audit log for reconciliation.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent starts for one (user, exercise) are
// collapsed in-process and the open-session index rejects any that slip
// through from other processes.
type Engine struct {
	store      sessionstore.Store
	ledger     ledger.Ledger
	policy     datatypes.Policy
	tolerance  time.Duration
	clock      clock.Clock
	sanity     clock.SanityChecker
	audit      audit.Logger
	dispatcher dispatch.Dispatcher
	metrics    *observability.LifecycleMetrics
	logger     *slog.Logger

	starts singleflight.Group
}

// NewEngine creates an Engine over store and ledger.
//
// # Inputs
//
//   - store: Durable sessions.
//   - l: Credit ledger.
//   - cfg: Collaborators; zero fields take defaults.
//
// # Examples
//
//	engine := lifecycle.NewEngine(sessions, credits, lifecycle.EngineConfig{
//	    Audit:      auditLog,
//	    Dispatcher: webhook,
//	})
func NewEngine(store sessionstore.Store, l ledger.Ledger, cfg EngineConfig) *Engine {
	if cfg.Policy.DurationSeconds <= 0 {
		cfg.Policy = datatypes.DefaultPolicy()
	}
	if cfg.TimeUpTolerance <= 0 {
		cfg.TimeUpTolerance = DefaultTimeUpTolerance
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.SystemClock{}
	}
	if cfg.Sanity == nil {
		cfg.Sanity = clock.NewSanityChecker(cfg.Clock, clock.DefaultSanityConfig())
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewNopLogger()
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = dispatch.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:      store,
		ledger:     l,
		policy:     cfg.Policy,
		tolerance:  cfg.TimeUpTolerance,
		clock:      cfg.Clock,
		sanity:     cfg.Sanity,
		audit:      cfg.Audit,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// Policy returns the rules the engine applies.
func (e *Engine) Policy() datatypes.Policy {
	return e.policy
}

// =============================================================================
// Start and Reads
// =============================================================================

// Start begins a session or returns the open one.
//
// # Description
//
// If the user already has an active or paused session for exerciseID, that
// session is returned with Recovered=true and nothing is written. Otherwise
// the clock is sanity-checked, the balance must cover one session, and a
// new active session is created with started_at=now.
//
// # Outputs
//
//   - datatypes.StartResult: The new or recovered session.
//   - error: ErrInsufficientBalance, ErrSessionAlreadyActive,
//     ErrClockUnreliable, or ErrStore.
func (e *Engine) Start(ctx context.Context, userID, exerciseID string) (result datatypes.StartResult, err error) {
	ctx, span := startOperationSpan(ctx, "start", userID, "")
	defer func(begin time.Time) { e.finishOperation(ctx, span, "start", begin, err) }(time.Now())

	if userID == "" || exerciseID == "" {
		return datatypes.StartResult{}, errors.New("start requires a user id and an exercise id")
	}

	key := userID + "\x00" + exerciseID
	v, err, _ := e.starts.Do(key, func() (interface{}, error) {
		return e.start(ctx, userID, exerciseID)
	})
	if err != nil {
		return datatypes.StartResult{}, err
	}
	return v.(datatypes.StartResult), nil
}

func (e *Engine) start(ctx context.Context, userID, exerciseID string) (datatypes.StartResult, error) {
	existing, found, err := e.store.FindOpen(ctx, userID, exerciseID)
	if err != nil {
		return datatypes.StartResult{}, err
	}
	if found {
		e.metrics.RecordStart(observability.StartRecovered)
		e.logger.Info("recovered open session",
			"session_id", existing.ID,
			"user_id", userID,
			"exercise_id", exerciseID,
			"status", existing.Status,
		)
		return datatypes.StartResult{Session: e.view(existing, e.clock.Now()), Recovered: true}, nil
	}

	now, err := e.sanity.Now()
	if err != nil {
		e.metrics.RecordStart(observability.StartRejected)
		e.logger.Error("refusing to start session", "user_id", userID, "error", err)
		return datatypes.StartResult{}, err
	}

	ok, err := e.ledger.HasSufficient(ctx, userID, e.policy.Cost)
	if err != nil {
		return datatypes.StartResult{}, err
	}
	if !ok {
		e.metrics.RecordStart(observability.StartRejected)
		return datatypes.StartResult{}, fmt.Errorf("user %s needs %d credits: %w", userID, e.policy.Cost, datatypes.ErrInsufficientBalance)
	}

	now = now.UTC()
	s := datatypes.Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		ExerciseID:      exerciseID,
		Status:          datatypes.StatusActive,
		StartedAt:       now,
		DurationSeconds: e.policy.DurationSeconds,
		UpdatedAt:       now,
	}
	if err := e.store.Create(ctx, s); err != nil {
		if errors.Is(err, datatypes.ErrSessionAlreadyActive) {
			e.metrics.RecordStart(observability.StartRejected)
		} else {
			e.logger.Error("failed to create session", "user_id", userID, "exercise_id", exerciseID, "error", err)
		}
		return datatypes.StartResult{}, err
	}

	e.metrics.RecordStart(observability.StartCreated)
	e.logger.Info("session started",
		"session_id", s.ID,
		"user_id", userID,
		"exercise_id", exerciseID,
		"duration_seconds", s.DurationSeconds,
	)
	return datatypes.StartResult{Session: e.view(s, now)}, nil
}

// GetSession returns the caller's session with derived fields.
func (e *Engine) GetSession(ctx context.Context, userID, sessionID string) (view datatypes.SessionView, err error) {
	ctx, span := startOperationSpan(ctx, "get", userID, sessionID)
	defer func(begin time.Time) { e.finishOperation(ctx, span, "get", begin, err) }(time.Now())

	s, err := e.load(ctx, userID, sessionID)
	if err != nil {
		return datatypes.SessionView{}, err
	}
	return e.view(s, e.clock.Now()), nil
}

// GetOpen returns the caller's active or paused session for exerciseID.
//
// This is the recovery lookup a Controller performs on initialization.
func (e *Engine) GetOpen(ctx context.Context, userID, exerciseID string) (view datatypes.SessionView, found bool, err error) {
	ctx, span := startOperationSpan(ctx, "get_open", userID, "")
	defer func(begin time.Time) { e.finishOperation(ctx, span, "get_open", begin, err) }(time.Now())

	s, found, err := e.store.FindOpen(ctx, userID, exerciseID)
	if err != nil || !found {
		return datatypes.SessionView{}, false, err
	}
	return e.view(s, e.clock.Now()), true, nil
}

// Remaining returns the authoritative remaining seconds.
func (e *Engine) Remaining(ctx context.Context, userID, sessionID string) (result datatypes.RemainingResult, err error) {
	ctx, span := startOperationSpan(ctx, "remaining", userID, sessionID)
	defer func(begin time.Time) { e.finishOperation(ctx, span, "remaining", begin, err) }(time.Now())

	s, err := e.load(ctx, userID, sessionID)
	if err != nil {
		return datatypes.RemainingResult{}, err
	}
	return remainingResult(s, e.clock.Now()), nil
}

// Credits returns the caller's balance and most recent ledger entries.
func (e *Engine) Credits(ctx context.Context, userID string, limit int) (result datatypes.CreditsResult, err error) {
	ctx, span := startOperationSpan(ctx, "credits", userID, "")
	defer func(begin time.Time) { e.finishOperation(ctx, span, "credits", begin, err) }(time.Now())

	if limit <= 0 {
		limit = DefaultCreditsHistory
	}
	balance, err := e.ledger.Balance(ctx, userID)
	if err != nil {
		return datatypes.CreditsResult{}, err
	}
	entries, err := e.ledger.Entries(ctx, userID, limit)
	if err != nil {
		return datatypes.CreditsResult{}, err
	}
	if entries == nil {
		entries = []datatypes.BalanceEntry{}
	}
	return datatypes.CreditsResult{UserID: userID, Balance: balance, Entries: entries}, nil
}

// Grant appends a purchase entry for userID and returns the new balance.
//
// # Description
//
// Stands in for the external purchase flow. The caller is responsible for
// authorizing the grant. referenceID is recorded verbatim; empty is allowed.
//
// # Outputs
//
//   - datatypes.BalanceEntry: The appended entry with its running balance.
//   - error: ledger.ErrInvalidAmount for credits <= 0, or ErrStore.
func (e *Engine) Grant(ctx context.Context, userID string, credits int64, referenceID string) (entry datatypes.BalanceEntry, err error) {
	ctx, span := startOperationSpan(ctx, "grant", userID, "")
	defer func(begin time.Time) { e.finishOperation(ctx, span, "grant", begin, err) }(time.Now())

	entry, err = e.ledger.Purchase(ctx, userID, credits, referenceID)
	if err != nil {
		return datatypes.BalanceEntry{}, err
	}
	e.logger.Info("credits granted",
		"user_id", userID,
		"credits", credits,
		"balance", entry.BalanceAfter,
		"reference_id", referenceID,
	)
	return entry, nil
}

// =============================================================================
// Running-session Operations
// =============================================================================

// Sync saves the current draft and returns the authoritative remaining time.
//
// # Description
//
// On an active session the text is persisted, including after the countdown
// reached zero, so that the sweeper resolves it with the last synced draft.
// A paused session is not modified; its frozen time_remaining is returned.
//
// # Outputs
//
//   - datatypes.RemainingResult: Expired is true when time-up is due.
//   - error: ErrSessionNotFound, ErrSessionTerminal, or ErrStore.
func (e *Engine) Sync(ctx context.Context, userID, sessionID, text string) (result datatypes.RemainingResult, err error) {
	ctx, span := startOperationSpan(ctx, "sync", userID, sessionID)
	defer func(begin time.Time) { e.finishOperation(ctx, span, "sync", begin, err) }(time.Now())

	s, err := e.load(ctx, userID, sessionID)
	if err != nil {
		return datatypes.RemainingResult{}, err
	}
	now := e.clock.Now()
	switch {
	case s.Status.IsTerminal():
		return datatypes.RemainingResult{}, fmt.Errorf("session %s is %s: %w", sessionID, s.Status, datatypes.ErrSessionTerminal)
	case s.Status == datatypes.StatusPaused:
		return remainingResult(s, now), nil
	}

	updated, err := e.store.Update(ctx, sessionID, func(cur *datatypes.Session) error {
		if cur.Status != datatypes.StatusActive {
			return fmt.Errorf("session %s is %s: %w", sessionID, cur.Status, datatypes.ErrSessionNotActive)
		}
		cur.StoryContent = text
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		e.logInfraFailure("sync", s, err)
		return datatypes.RemainingResult{}, err
	}
	return remainingResult(updated, now), nil
}

// Pause is "save and exit".
//
// # Description
//
// Persists status=paused, the draft, and the remaining seconds that a later
// Resume counts down from. The stored value is the smaller of the caller's
// countdown and the authoritative one, so pausing never gains time.
//
// # Outputs
//
//   - datatypes.SessionView: The paused session.
//   - error: ErrSessionNotFound, ErrSessionTerminal, ErrSessionNotActive,
//     ErrTimeExpired (resolve through TimeUp instead), or ErrStore.
func (e *Engine) Pause(ctx context.Context, userID, sessionID, text string, remainingSeconds int) (view datatypes.SessionView, err error) {
	ctx, span := startOperationSpan(ctx, "pause", userID, sessionID)
	defer func(begin time.Time) { e.finishOperation(ctx, span, "pause", begin, err) }(time.Now())

	s, err := e.load(ctx, userID, sessionID)
	if err != nil {
		return datatypes.SessionView{}, err
	}
	if s.Status.IsTerminal() {
		return datatypes.SessionView{}, fmt.Errorf("session %s is %s: %w", sessionID, s.Status, datatypes.ErrSessionTerminal)
	}
	if s.Status != datatypes.StatusActive {
		return datatypes.SessionView{}, fmt.Errorf("session %s is %s: %w", sessionID, s.Status, datatypes.ErrSessionNotActive)
	}

	now := e.clock.Now()
	updated, err := e.store.Update(ctx, sessionID, func(cur *datatypes.Session) error {
		if cur.Status != datatypes.StatusActive {
			return fmt.Errorf("session %s is %s: %w", sessionID, cur.Status, datatypes.ErrSessionNotActive)
		}
		remaining := min(max(remainingSeconds, 0), clock.SessionRemaining(*cur, now))
		if remaining <= 0 {
			return fmt.Errorf("session %s: %w", sessionID, datatypes.ErrTimeExpired)
		}
		cur.Status = datatypes.StatusPaused
		cur.TimeRemaining = datatypes.IntPtr(remaining)
		cur.ResumedAt = nil
		cur.StoryContent = text
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		e.logInfraFailure("pause", s, err)
		return datatypes.SessionView{}, err
	}

	e.metrics.RecordTransition(string(datatypes.StatusPaused), observability.TriggerUser)
	e.logger.Info("session paused",
		"session_id", sessionID,
		"user_id", userID,
		"time_remaining", *updated.TimeRemaining,
	)
	return e.view(updated, now), nil
}

// Resume continues a paused session from its stored time_remaining.
//
// Resuming an active session returns it unchanged.
//
// # Outputs
//
//   - datatypes.SessionView: The running session.
//   - error: ErrSessionNotFound, ErrSessionNotResumable, or ErrStore.
func (e *Engine) Resume(ctx context.Context, userID, sessionID string) (view datatypes.SessionView, err error) {
	ctx, span := startOperationSpan(ctx, "resume", userID, sessionID)
	defer func(begin time.Time) { e.finishOperation(ctx, span, "resume", begin, err) }(time.Now())

	s, err := e.load(ctx, userID, sessionID)
	if err != nil {
		return datatypes.SessionView{}, err
	}
	now := e.clock.Now()
	switch {
	case s.Status.IsTerminal():
		return datatypes.SessionView{}, fmt.Errorf("session %s is %s: %w", sessionID, s.Status, datatypes.ErrSessionNotResumable)
	case s.Status == datatypes.StatusActive:
		return e.view(s, now), nil
	}

	updated, err := e.store.Update(ctx, sessionID, func(cur *datatypes.Session) error {
		if cur.Status == datatypes.StatusActive {
			return nil
		}
		cur.Status = datatypes.StatusActive
		cur.ResumedAt = datatypes.TimePtr(now.UTC())
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, datatypes.ErrSessionTerminal) {
			return datatypes.SessionView{}, fmt.Errorf("session %s: %w", sessionID, datatypes.ErrSessionNotResumable)
		}
		e.logInfraFailure("resume", s, err)
		return datatypes.SessionView{}, err
	}

	e.metrics.RecordTransition(string(datatypes.StatusActive), observability.TriggerUser)
	e.logger.Info("session resumed",
		"session_id", sessionID,
		"user_id", userID,
		"time_remaining", clock.SessionRemaining(updated, now),
	)
	return e.view(updated, now), nil
}

// =============================================================================
// Terminal Operations
// =============================================================================

// Submit is the manual submit path.
//
// # Description
//
// Runs the submission validator with isAutoCompleted=false. Empty text is
// refused with ErrEmptySubmission and the session keeps running. Otherwise
// the session becomes completed (and is charged once) or abandoned.
//
// # Outputs
//
//   - datatypes.Resolution: The terminal outcome.
//   - error: ErrSessionNotFound, ErrSessionTerminal, ErrSessionNotActive,
//     ErrEmptySubmission, or ErrStore. Settlement failures are not errors.
func (e *Engine) Submit(ctx context.Context, userID, sessionID, text string) (res datatypes.Resolution, err error) {
	ctx, span := startOperationSpan(ctx, "submit", userID, sessionID)
	defer func(begin time.Time) { e.finishOperation(ctx, span, "submit", begin, err) }(time.Now())

	return e.resolve(ctx, userID, sessionID, text, observability.TriggerManual)
}

// TimeUp is the auto-completion path, invoked when the countdown reaches zero.
//
// # Description
//
// Runs the submission validator with isAutoCompleted=true. Refused with
// ErrTimeRemaining while more than the tolerance is left on the
// authoritative clock. On an already terminal session it returns that
// session's resolution with AlreadyTerminal=true, so repeated or racing
// time-up calls are harmless.
func (e *Engine) TimeUp(ctx context.Context, userID, sessionID, text string) (res datatypes.Resolution, err error) {
	ctx, span := startOperationSpan(ctx, "time_up", userID, sessionID)
	defer func(begin time.Time) { e.finishOperation(ctx, span, "time_up", begin, err) }(time.Now())

	return e.resolve(ctx, userID, sessionID, text, observability.TriggerAuto)
}

// Abandon ends an open session without charging.
//
// # Description
//
// Always terminal and always safe to call. Empty text keeps the stored draft.
// Abandoning a terminal session returns its resolution with
// AlreadyTerminal=true.
func (e *Engine) Abandon(ctx context.Context, userID, sessionID, text string) (res datatypes.Resolution, err error) {
	ctx, span := startOperationSpan(ctx, "abandon", userID, sessionID)
	defer func(begin time.Time) { e.finishOperation(ctx, span, "abandon", begin, err) }(time.Now())

	s, err := e.load(ctx, userID, sessionID)
	if err != nil {
		return datatypes.Resolution{}, err
	}
	return e.abandon(ctx, s, text, ReasonUserAbandoned, observability.TriggerUser)
}

// AbandonOversized ends an open session whose final text could not be read
// because the request exceeded the body cap. The outcome is the same as a
// too-long story: abandoned, not charged. The stored draft is kept.
func (e *Engine) AbandonOversized(ctx context.Context, userID, sessionID string) (res datatypes.Resolution, err error) {
	ctx, span := startOperationSpan(ctx, "abandon_oversized", userID, sessionID)
	defer func(begin time.Time) { e.finishOperation(ctx, span, "abandon_oversized", begin, err) }(time.Now())

	s, err := e.load(ctx, userID, sessionID)
	if err != nil {
		return datatypes.Resolution{}, err
	}
	return e.abandon(ctx, s, "", submission.ReasonTooLong, observability.TriggerUser)
}

// ExpireSession resolves an active session whose countdown ran out while no
// caller was connected. The draft stored at the moment of the write is
// submitted through time-up, so a sync that lands after s was listed is not
// lost.
func (e *Engine) ExpireSession(ctx context.Context, s datatypes.Session) (res datatypes.Resolution, err error) {
	ctx, span := startOperationSpan(ctx, "expire", s.UserID, s.ID)
	defer func(begin time.Time) { e.finishOperation(ctx, span, "expire", begin, err) }(time.Now())

	return e.resolve(ctx, s.UserID, s.ID, s.StoryContent, observability.TriggerSweep)
}

// AbandonStale abandons a paused session that was never resumed.
func (e *Engine) AbandonStale(ctx context.Context, s datatypes.Session) (res datatypes.Resolution, err error) {
	ctx, span := startOperationSpan(ctx, "abandon_stale", s.UserID, s.ID)
	defer func(begin time.Time) { e.finishOperation(ctx, span, "abandon_stale", begin, err) }(time.Now())

	return e.abandon(ctx, s, "", ReasonPausedTTL, observability.TriggerSweep)
}

// resolve applies the validator's decision to an active session.
func (e *Engine) resolve(ctx context.Context, userID, sessionID, text string, trigger observability.Trigger) (datatypes.Resolution, error) {
	isAuto := trigger != observability.TriggerManual

	s, err := e.load(ctx, userID, sessionID)
	if err != nil {
		return datatypes.Resolution{}, err
	}
	if s.Status.IsTerminal() {
		if isAuto {
			return e.terminalResolution(ctx, s), nil
		}
		return datatypes.Resolution{}, fmt.Errorf("session %s is %s: %w", sessionID, s.Status, datatypes.ErrSessionTerminal)
	}
	if s.Status != datatypes.StatusActive {
		return datatypes.Resolution{}, fmt.Errorf("session %s is %s: %w", sessionID, s.Status, datatypes.ErrSessionNotActive)
	}

	now := e.clock.Now()
	if isAuto {
		remaining := clock.SessionRemaining(s, now)
		if time.Duration(remaining)*time.Second > e.tolerance {
			return datatypes.Resolution{}, fmt.Errorf("session %s has %ds left: %w", sessionID, remaining, datatypes.ErrTimeRemaining)
		}
	}

	// The sweeper has no caller text; it resolves with whatever is stored.
	fromStore := trigger == observability.TriggerSweep
	if fromStore {
		text = s.StoryContent
	}

	var (
		verdict submission.Verdict
		target  datatypes.Status
	)
	decide := func(text string) error {
		verdict = submission.ValidateWithPolicy(e.policy, text, isAuto)
		if verdict.Outcome == submission.OutcomeRejected {
			return fmt.Errorf("session %s: %w", sessionID, datatypes.ErrEmptySubmission)
		}
		target = datatypes.StatusAbandoned
		if verdict.Outcome == submission.OutcomeCompleted {
			target = datatypes.StatusCompleted
		}
		return nil
	}
	if err := decide(text); err != nil {
		return datatypes.Resolution{}, err
	}

	updated, err := e.store.Update(ctx, sessionID, func(cur *datatypes.Session) error {
		if cur.Status != datatypes.StatusActive {
			return fmt.Errorf("session %s is %s: %w", sessionID, cur.Status, datatypes.ErrSessionNotActive)
		}
		if fromStore && cur.StoryContent != text {
			text = cur.StoryContent
			if err := decide(text); err != nil {
				return err
			}
		}
		cur.Status = target
		cur.StoryContent = text
		cur.CompletedAt = datatypes.TimePtr(now.UTC())
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		if isAuto && errors.Is(err, datatypes.ErrSessionTerminal) {
			if current, lerr := e.store.Get(ctx, sessionID); lerr == nil {
				return e.terminalResolution(ctx, current), nil
			}
		}
		if errors.Is(err, datatypes.ErrSessionNotActive) {
			return datatypes.Resolution{}, err
		}
		e.logInfraFailure("resolve", s, err)
		return datatypes.Resolution{}, err
	}

	e.metrics.RecordTransition(string(target), trigger)
	e.logger.Info("session resolved",
		"session_id", sessionID,
		"user_id", userID,
		"status", target,
		"auto_completed", isAuto,
		"character_count", verdict.Length,
		"reason", verdict.Reason,
	)

	res := datatypes.Resolution{
		SessionID:      sessionID,
		Status:         target,
		AutoCompleted:  isAuto,
		CharacterCount: verdict.Length,
		Reason:         verdict.Reason,
		Message:        verdict.Message,
	}

	// The transition is committed; a dropped caller must not skip settlement.
	ctx = context.WithoutCancel(ctx)
	if verdict.Charge {
		e.settle(ctx, updated, &res)
	} else {
		res.RemainingBalance = e.balanceOrZero(ctx, userID)
	}
	if target == datatypes.StatusCompleted {
		e.dispatchCompletion(updated, verdict.Length, isAuto)
	}
	return res, nil
}

func (e *Engine) abandon(ctx context.Context, s datatypes.Session, text, reason string, trigger observability.Trigger) (datatypes.Resolution, error) {
	if s.Status.IsTerminal() {
		return e.terminalResolution(ctx, s), nil
	}

	now := e.clock.Now()
	updated, err := e.store.Update(ctx, s.ID, func(cur *datatypes.Session) error {
		// A stale-pause sweep only applies to the pause it listed.
		if trigger == observability.TriggerSweep &&
			(cur.Status != datatypes.StatusPaused || !cur.UpdatedAt.Equal(s.UpdatedAt)) {
			return fmt.Errorf("session %s changed since it was listed (now %s): %w", s.ID, cur.Status, datatypes.ErrSessionNotActive)
		}
		cur.Status = datatypes.StatusAbandoned
		if text != "" {
			cur.StoryContent = text
		}
		cur.CompletedAt = datatypes.TimePtr(now.UTC())
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, datatypes.ErrSessionTerminal) {
			if current, lerr := e.store.Get(ctx, s.ID); lerr == nil {
				return e.terminalResolution(ctx, current), nil
			}
		}
		if errors.Is(err, datatypes.ErrSessionNotActive) {
			return datatypes.Resolution{}, err
		}
		e.logInfraFailure("abandon", s, err)
		return datatypes.Resolution{}, err
	}

	e.metrics.RecordTransition(string(datatypes.StatusAbandoned), trigger)
	e.logger.Info("session abandoned",
		"session_id", s.ID,
		"user_id", s.UserID,
		"reason", reason,
	)
	return datatypes.Resolution{
		SessionID:        s.ID,
		Status:           datatypes.StatusAbandoned,
		AutoCompleted:    trigger == observability.TriggerSweep,
		CharacterCount:   submission.TrimmedLength(updated.StoryContent),
		RemainingBalance: e.balanceOrZero(context.WithoutCancel(ctx), s.UserID),
		Reason:           reason,
	}, nil
}

// =============================================================================
// Settlement and Dispatch
// =============================================================================

// settle charges a freshly completed session and records the attempt.
func (e *Engine) settle(ctx context.Context, s datatypes.Session, res *datatypes.Resolution) {
	settlement := audit.Settlement{
		SessionID: s.ID,
		UserID:    s.UserID,
		Credits:   e.policy.Cost,
	}

	entry, err := e.ledger.ChargeOnce(ctx, s.UserID, s.ID, e.policy.Cost)
	var outcome audit.Outcome
	switch {
	case err == nil:
		outcome = audit.OutcomeApplied
		res.CreditsDeducted = e.policy.Cost
		res.RemainingBalance = entry.BalanceAfter
		settlement.EntryID = entry.ID
		settlement.BalanceAfter = entry.BalanceAfter

	case errors.Is(err, ledger.ErrAlreadyCharged):
		outcome = audit.OutcomeDuplicate
		res.CreditsDeducted = -entry.CreditsChange
		res.RemainingBalance = e.balanceOrZero(ctx, s.UserID)
		settlement.EntryID = entry.ID
		settlement.BalanceAfter = entry.BalanceAfter
		e.logger.Warn("session already charged",
			"session_id", s.ID,
			"user_id", s.UserID,
			"entry_id", entry.ID,
		)

	default:
		outcome = audit.OutcomeFailed
		res.CreditsDeducted = 0
		res.Warning = settlementWarning
		res.RemainingBalance = e.balanceOrZero(ctx, s.UserID)
		settlement.Err = err
		e.logger.Error("settlement failed, session needs reconciliation",
			"session_id", s.ID,
			"user_id", s.UserID,
			"credits", e.policy.Cost,
			"error", err,
		)
	}

	e.metrics.RecordSettlement(string(outcome), res.CreditsDeducted, outcome == audit.OutcomeApplied)
	if _, aerr := e.audit.Record(outcome, settlement); aerr != nil {
		e.logger.Error("failed to write settlement audit record",
			"session_id", s.ID,
			"outcome", outcome,
			"error", aerr,
		)
	}
}

func (e *Engine) dispatchCompletion(s datatypes.Session, length int, isAuto bool) {
	ev := dispatch.CompletionEvent{
		SessionID:      s.ID,
		UserID:         s.UserID,
		ExerciseID:     s.ExerciseID,
		StoryContent:   s.StoryContent,
		CharacterCount: length,
		AutoCompleted:  isAuto,
	}
	if s.CompletedAt != nil {
		ev.CompletedAt = *s.CompletedAt
	}
	if err := e.dispatcher.Dispatch(ev); err != nil {
		e.metrics.RecordDispatchError()
		e.logger.Error("analysis dispatch failed",
			"session_id", s.ID,
			"user_id", s.UserID,
			"error", err,
		)
	}
}

// terminalResolution describes an already resolved session.
func (e *Engine) terminalResolution(ctx context.Context, s datatypes.Session) datatypes.Resolution {
	ctx = context.WithoutCancel(ctx)
	res := datatypes.Resolution{
		SessionID:       s.ID,
		Status:          s.Status,
		CharacterCount:  submission.TrimmedLength(s.StoryContent),
		AlreadyTerminal: true,
	}
	if s.Status == datatypes.StatusCompleted {
		entry, found, err := e.ledger.EntryForReference(ctx, s.ID)
		switch {
		case err != nil:
			e.logger.Warn("failed to look up session charge", "session_id", s.ID, "error", err)
		case found:
			res.CreditsDeducted = -entry.CreditsChange
		}
	}
	res.RemainingBalance = e.balanceOrZero(ctx, s.UserID)
	return res
}

// =============================================================================
// Helpers
// =============================================================================

// load reads a session owned by userID.
func (e *Engine) load(ctx context.Context, userID, sessionID string) (datatypes.Session, error) {
	if sessionID == "" {
		return datatypes.Session{}, fmt.Errorf("empty session id: %w", datatypes.ErrSessionNotFound)
	}
	s, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return datatypes.Session{}, err
	}
	if s.UserID != userID {
		return datatypes.Session{}, fmt.Errorf("session %s: %w", sessionID, datatypes.ErrSessionNotFound)
	}
	return s, nil
}

func (e *Engine) view(s datatypes.Session, now time.Time) datatypes.SessionView {
	return datatypes.SessionView{
		Session:                s,
		RemainingSeconds:       clock.SessionRemaining(s, now),
		SessionDurationSeconds: s.SessionDurationSeconds(),
	}
}

func remainingResult(s datatypes.Session, now time.Time) datatypes.RemainingResult {
	remaining := clock.SessionRemaining(s, now)
	return datatypes.RemainingResult{
		SessionID:        s.ID,
		Status:           s.Status,
		RemainingSeconds: remaining,
		Expired:          s.Status == datatypes.StatusActive && remaining == 0,
	}
}

func (e *Engine) balanceOrZero(ctx context.Context, userID string) int64 {
	balance, err := e.ledger.Balance(ctx, userID)
	if err != nil {
		e.logger.Warn("failed to read balance", "user_id", userID, "error", err)
		return 0
	}
	return balance
}

// logInfraFailure logs store failures so the write can be reconciled.
func (e *Engine) logInfraFailure(operation string, s datatypes.Session, err error) {
	if !errors.Is(err, datatypes.ErrStore) {
		return
	}
	e.logger.Error("session write failed",
		"operation", operation,
		"session_id", s.ID,
		"user_id", s.UserID,
		"status", s.Status,
		"error", err,
	)
}
