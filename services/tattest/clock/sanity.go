// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clock

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/tattest/services/tattest/datatypes"
)

// =============================================================================
// Clock Sanity Checking
// =============================================================================

// SanityChecker guards the wall clock that sessions are charged against.
//
// # Description
//
// Wall time decides when a session expires and therefore whether it is
// auto-completed and charged. A clock set far into the past or future, or
// one that jumps, would silently shorten or extend every running session.
// The engine refuses to start sessions while the check fails.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type SanityChecker interface {
	// Check verifies the clock is within bounds and has not jumped.
	//
	// # Outputs
	//
	//   - error: Wraps datatypes.ErrClockUnreliable if the clock appears invalid.
	//
	// # Limitations
	//
	//   - Cannot detect slow drift within acceptable bounds.
	//   - First call after restart may flag legitimate time corrections.
	Check() error

	// Now performs Check and returns the current time only if it passes.
	Now() (time.Time, error)

	// ResetJumpDetection resets the jump detection baseline.
	//
	// Call this after a known legitimate time change, such as an NTP step.
	ResetJumpDetection()
}

// SanityConfig bounds an acceptable clock.
//
// # Fields
//
//   - MinValidTime: Earliest acceptable time (default: 2025-01-01)
//   - MaxValidTime: Latest acceptable time (default: 2035-12-31)
//   - MaxBackwardJump: Maximum allowed backward jump between checks (default: 1 minute)
//   - MaxForwardJump: Maximum allowed forward jump between checks (default: 2 hours)
type SanityConfig struct {
	MinValidTime    time.Time
	MaxValidTime    time.Time
	MaxBackwardJump time.Duration
	MaxForwardJump  time.Duration
}

// DefaultSanityConfig returns production bounds.
func DefaultSanityConfig() SanityConfig {
	return SanityConfig{
		MinValidTime:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxValidTime:    time.Date(2035, 12, 31, 23, 59, 59, 0, time.UTC),
		MaxBackwardJump: time.Minute,
		MaxForwardJump:  2 * time.Hour,
	}
}

type sanityChecker struct {
	clock             Clock
	config            SanityConfig
	lastKnownGoodTime time.Time
	checkCount        int64
	mu                sync.Mutex
}

// NewSanityChecker creates a checker reading time from c.
//
// # Inputs
//
//   - c: Time source. Nil means SystemClock.
//   - config: Bounds. Zero-valued fields take DefaultSanityConfig values.
//
// # Outputs
//
//   - SanityChecker: Ready to validate time.
func NewSanityChecker(c Clock, config SanityConfig) SanityChecker {
	if c == nil {
		c = SystemClock{}
	}
	def := DefaultSanityConfig()
	if config.MinValidTime.IsZero() {
		config.MinValidTime = def.MinValidTime
	}
	if config.MaxValidTime.IsZero() {
		config.MaxValidTime = def.MaxValidTime
	}
	if config.MaxBackwardJump <= 0 {
		config.MaxBackwardJump = def.MaxBackwardJump
	}
	if config.MaxForwardJump <= 0 {
		config.MaxForwardJump = def.MaxForwardJump
	}
	return &sanityChecker{clock: c, config: config}
}

// Check validates bounds, then jumps relative to the last good check.
//
// On the first call or after ResetJumpDetection, jump detection is skipped.
func (c *sanityChecker) Check() error {
	_, err := c.check()
	return err
}

func (c *sanityChecker) check() (time.Time, error) {
	now := c.clock.Now()

	if now.Before(c.config.MinValidTime) {
		return now, fmt.Errorf("%w: time %s is before minimum valid time %s",
			datatypes.ErrClockUnreliable, now.Format(time.RFC3339), c.config.MinValidTime.Format(time.RFC3339))
	}
	if now.After(c.config.MaxValidTime) {
		return now, fmt.Errorf("%w: time %s is after maximum valid time %s",
			datatypes.ErrClockUnreliable, now.Format(time.RFC3339), c.config.MaxValidTime.Format(time.RFC3339))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.checkCount > 0 {
		diff := now.Sub(c.lastKnownGoodTime)
		if diff < -c.config.MaxBackwardJump {
			return now, fmt.Errorf("%w: backward jump of %v (max %v)",
				datatypes.ErrClockUnreliable, -diff, c.config.MaxBackwardJump)
		}
		if diff > c.config.MaxForwardJump {
			return now, fmt.Errorf("%w: forward jump of %v (max %v)",
				datatypes.ErrClockUnreliable, diff, c.config.MaxForwardJump)
		}
	}

	c.lastKnownGoodTime = now
	c.checkCount++
	return now, nil
}

// Now returns the current time if the clock is sane.
func (c *sanityChecker) Now() (time.Time, error) {
	now, err := c.check()
	if err != nil {
		slog.Warn("clock sanity check failed", "error", err)
		return time.Time{}, err
	}
	return now, nil
}

// ResetJumpDetection clears the jump baseline.
func (c *sanityChecker) ResetJumpDetection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastKnownGoodTime = c.clock.Now()
	c.checkCount = 0

	slog.Info("clock checker: jump detection reset",
		"new_baseline", c.lastKnownGoodTime.Format(time.RFC3339),
	)
}

// =============================================================================
// No-op Checker (for testing)
// =============================================================================

type noopSanityChecker struct {
	clock Clock
}

// NewNoopSanityChecker returns a checker that always passes.
//
// Use only in tests or when an external guarantee about the clock exists.
func NewNoopSanityChecker(c Clock) SanityChecker {
	if c == nil {
		c = SystemClock{}
	}
	return &noopSanityChecker{clock: c}
}

// Check always returns nil.
func (n *noopSanityChecker) Check() error { return nil }

// Now returns the clock's time without validation.
func (n *noopSanityChecker) Now() (time.Time, error) { return n.clock.Now(), nil }

// ResetJumpDetection is a no-op.
func (n *noopSanityChecker) ResetJumpDetection() {}
