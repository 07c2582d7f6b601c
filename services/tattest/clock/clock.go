// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clock derives the authoritative remaining time of a session.
//
// Remaining time is never accumulated. It is always recomputed from a
// persisted basis (a wall-clock instant plus a number of seconds) and an
// injected "now", so a countdown that was suspended, reconnected, or moved
// to another process converges on the same value.
package clock

import (
	"sync"
	"time"

	"github.com/AleutianAI/tattest/services/tattest/datatypes"
)

// =============================================================================
// Clock Source
// =============================================================================

// Clock is the source of "now" for everything time-sensitive in the service.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// FakeClock is a manually driven Clock for tests.
//
// # Thread Safety
//
// Safe for concurrent use.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a FakeClock frozen at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

// Now returns the current fake time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t.
func (f *FakeClock) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// Advance moves the clock forward by d.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// =============================================================================
// Remaining Time
// =============================================================================

// Remaining computes seconds left on a countdown.
//
// # Description
//
// remaining = basisSeconds - floor(now - basisAt), clamped to [0, basisSeconds].
// A now before basisAt (clock skew between processes) yields the full basis.
//
// # Inputs
//
//   - basisAt: Instant the countdown (re)started.
//   - basisSeconds: Seconds available at basisAt.
//   - now: The instant to evaluate at.
//
// # Outputs
//
//   - int: Whole seconds remaining. Never negative.
//
// # Examples
//
//	Remaining(start, 360, start.Add(170*time.Second)) // 190
//	Remaining(start, 360, start.Add(time.Hour))       // 0
func Remaining(basisAt time.Time, basisSeconds int, now time.Time) int {
	if basisSeconds <= 0 {
		return 0
	}
	elapsed := now.Sub(basisAt)
	if elapsed <= 0 {
		return basisSeconds
	}
	left := basisSeconds - int(elapsed/time.Second)
	if left < 0 {
		return 0
	}
	return left
}

// Basis returns the countdown basis of an active session.
//
// A session that was resumed counts down from TimeRemaining at ResumedAt.
// A session that was never paused counts down from its full duration at
// StartedAt.
func Basis(s datatypes.Session) (at time.Time, seconds int) {
	if s.ResumedAt != nil && s.TimeRemaining != nil {
		return *s.ResumedAt, *s.TimeRemaining
	}
	d := s.DurationSeconds
	if d <= 0 {
		d = datatypes.SessionDurationSeconds
	}
	return s.StartedAt, d
}

// SessionRemaining returns the authoritative remaining seconds of s at now.
//
// # Description
//
//   - terminal: 0
//   - paused: the frozen TimeRemaining
//   - active: Remaining over the session's Basis
func SessionRemaining(s datatypes.Session, now time.Time) int {
	switch {
	case s.Status.IsTerminal():
		return 0
	case s.Status == datatypes.StatusPaused:
		if s.TimeRemaining != nil {
			if *s.TimeRemaining < 0 {
				return 0
			}
			return *s.TimeRemaining
		}
	}
	at, seconds := Basis(s)
	return Remaining(at, seconds, now)
}

// ExpiresAt returns the instant an active session's countdown reaches zero.
//
// ok is false for paused and terminal sessions, which do not expire by time.
func ExpiresAt(s datatypes.Session) (t time.Time, ok bool) {
	if s.Status != datatypes.StatusActive {
		return time.Time{}, false
	}
	at, seconds := Basis(s)
	return at.Add(time.Duration(seconds) * time.Second), true
}
