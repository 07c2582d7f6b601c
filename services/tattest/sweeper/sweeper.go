// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sweeper resolves sessions nobody is watching.
//
// A candidate can close the tab while the countdown runs. The session stays
// active in storage with its last synced draft. The sweeper finds active
// sessions whose authoritative time ran out more than a grace period ago and
// resolves them through time-up, with the same validation and charging as
// an auto-completion. Optionally, paused sessions that were never resumed
// are abandoned after a TTL.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/tattest/services/tattest/clock"
	"github.com/AleutianAI/tattest/services/tattest/datatypes"
	"github.com/AleutianAI/tattest/services/tattest/observability"
	"github.com/AleutianAI/tattest/services/tattest/sessionstore"
)

// =============================================================================
// Interfaces
// =============================================================================

// Resolver applies terminal transitions. Implemented by lifecycle.Engine.
type Resolver interface {
	// ExpireSession submits the stored draft through time-up.
	ExpireSession(ctx context.Context, s datatypes.Session) (datatypes.Resolution, error)

	// AbandonStale abandons a paused session.
	AbandonStale(ctx context.Context, s datatypes.Session) (datatypes.Resolution, error)
}

// Sweeper runs sweep cycles in the background.
type Sweeper interface {
	// Start launches the background loop. Returns an error if already running.
	Start(ctx context.Context) error

	// Stop signals the loop to exit. Safe to call multiple times.
	Stop() error

	// RunNow runs one cycle synchronously.
	RunNow(ctx context.Context) (Result, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds sweeper settings.
//
// # Fields
//
//   - Interval: Time between cycles. Default: 30s.
//   - Grace: How long after expiry a session is left for its own client
//     to report time-up. Default: 60s.
//   - PausedTTL: Paused sessions untouched for this long are abandoned.
//     Zero disables. Default: 0.
//   - BatchSize: Maximum sessions resolved per cycle. Default: 100.
type Config struct {
	Interval  time.Duration
	Grace     time.Duration
	PausedTTL time.Duration
	BatchSize int
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  30 * time.Second,
		Grace:     60 * time.Second,
		BatchSize: 100,
	}
}

// Result summarizes one sweep cycle.
type Result struct {
	StartTime       time.Time
	EndTime         time.Time
	ActiveScanned   int
	Expired         int
	PausedScanned   int
	PausedAbandoned int
	Errors          []Error
}

// Error records a session the cycle could not resolve.
type Error struct {
	SessionID string
	Operation string
	Message   string
}

// =============================================================================
// Implementation
// =============================================================================

type sweeper struct {
	store    sessionstore.Store
	resolver Resolver
	clock    clock.Clock
	metrics  *observability.LifecycleMetrics
	config   Config
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

// New creates a Sweeper.
//
// # Inputs
//
//   - store: Source of active and paused sessions.
//   - resolver: Applies the transitions (the lifecycle engine).
//   - c: Time source. Nil means clock.SystemClock.
//   - metrics: Optional.
//   - config: Zero fields take DefaultConfig values, except PausedTTL.
//
// # Examples
//
//	sw := sweeper.New(sessions, engine, nil, metrics, sweeper.DefaultConfig())
//	if err := sw.Start(ctx); err != nil {
//	    return err
//	}
//	defer sw.Stop()
func New(store sessionstore.Store, resolver Resolver, c clock.Clock, metrics *observability.LifecycleMetrics, config Config) Sweeper {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Grace < 0 {
		config.Grace = 0
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if c == nil {
		c = clock.SystemClock{}
	}
	return &sweeper{
		store:    store,
		resolver: resolver,
		clock:    c,
		metrics:  metrics,
		config:   config,
		done:     make(chan struct{}),
	}
}

// Start launches the loop. An initial cycle runs immediately.
func (s *sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	slog.Info("session sweeper starting",
		"interval", s.config.Interval.String(),
		"grace", s.config.Grace.String(),
		"paused_ttl", s.config.PausedTTL.String(),
		"batch_size", s.config.BatchSize,
	)

	go s.runLoop(ctx, done)
	return nil
}

// Stop signals the loop to exit.
func (s *sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	slog.Info("session sweeper stopping")
	close(s.done)
	s.running = false
	return nil
}

// RunNow runs one cycle.
func (s *sweeper) RunNow(ctx context.Context) (Result, error) {
	return s.runCycle(ctx)
}

func (s *sweeper) runLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.executeCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("session sweeper stopped (context cancelled)")
			return
		case <-done:
			slog.Info("session sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			s.executeCycle(ctx)
		}
	}
}

func (s *sweeper) executeCycle(ctx context.Context) {
	result, err := s.runCycle(ctx)
	if err != nil {
		slog.Error("session sweep failed", "error", err)
		return
	}
	if result.Expired > 0 || result.PausedAbandoned > 0 || len(result.Errors) > 0 {
		slog.Info("session sweep completed",
			"active_scanned", result.ActiveScanned,
			"expired", result.Expired,
			"paused_scanned", result.PausedScanned,
			"paused_abandoned", result.PausedAbandoned,
			"errors", len(result.Errors),
			"duration_ms", result.EndTime.Sub(result.StartTime).Milliseconds(),
		)
	} else {
		slog.Debug("session sweep completed (nothing to resolve)")
	}
}

// runCycle resolves expired active sessions, then stale paused ones.
func (s *sweeper) runCycle(ctx context.Context) (Result, error) {
	result := Result{StartTime: s.clock.Now()}
	budget := s.config.BatchSize

	active, err := s.store.ListByStatus(ctx, datatypes.StatusActive, 0)
	if err != nil {
		return result, fmt.Errorf("list active sessions: %w", err)
	}
	result.ActiveScanned = len(active)

	now := s.clock.Now()
	for _, sess := range active {
		if budget == 0 || ctx.Err() != nil {
			break
		}
		expiresAt, ok := clock.ExpiresAt(sess)
		if !ok || now.Sub(expiresAt) < s.config.Grace {
			continue
		}
		budget--
		res, err := s.resolver.ExpireSession(ctx, sess)
		if errors.Is(err, datatypes.ErrSessionNotActive) {
			continue
		}
		if err != nil {
			result.Errors = append(result.Errors, Error{SessionID: sess.ID, Operation: "expire", Message: err.Error()})
			continue
		}
		if res.AlreadyTerminal {
			continue
		}
		result.Expired++
		s.metrics.RecordSweep(observability.SweepExpired)
		slog.Info("expired session resolved",
			"session_id", sess.ID,
			"user_id", sess.UserID,
			"status", res.Status,
			"credits_deducted", res.CreditsDeducted,
		)
	}

	if s.config.PausedTTL > 0 {
		paused, err := s.store.ListByStatus(ctx, datatypes.StatusPaused, 0)
		if err != nil {
			return result, fmt.Errorf("list paused sessions: %w", err)
		}
		result.PausedScanned = len(paused)
		for _, sess := range paused {
			if budget == 0 || ctx.Err() != nil {
				break
			}
			if now.Sub(sess.UpdatedAt) < s.config.PausedTTL {
				continue
			}
			budget--
			res, err := s.resolver.AbandonStale(ctx, sess)
			if errors.Is(err, datatypes.ErrSessionNotActive) {
				continue
			}
			if err != nil {
				result.Errors = append(result.Errors, Error{SessionID: sess.ID, Operation: "abandon_stale", Message: err.Error()})
				continue
			}
			if res.AlreadyTerminal {
				continue
			}
			result.PausedAbandoned++
			s.metrics.RecordSweep(observability.SweepPausedTTL)
			slog.Info("stale paused session abandoned",
				"session_id", sess.ID,
				"user_id", sess.UserID,
			)
		}
	}

	result.EndTime = s.clock.Now()
	return result, nil
}
