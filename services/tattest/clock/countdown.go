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
	"context"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Countdown Events
// =============================================================================

// EventKind classifies a countdown Event.
type EventKind string

const (
	// EventTick is emitted once per local tick with the new remaining value.
	EventTick EventKind = "tick"

	// EventWarning is emitted once per threshold, informational only.
	EventWarning EventKind = "warning"

	// EventTimeUp is emitted exactly once, when remaining first reaches zero.
	EventTimeUp EventKind = "time_up"
)

// Event is one countdown notification.
type Event struct {
	Kind      EventKind `json:"type"`
	Remaining int       `json:"remaining_seconds"`
	Threshold int       `json:"threshold,omitempty"`
}

// =============================================================================
// Countdown
// =============================================================================

// Countdown is the local one-second ticker of a single open session.
//
// # Description
//
// Between server reconciliations the countdown decrements locally; Resync
// replaces the local value with the authoritative one. Warnings fire once
// per threshold when remaining first drops to or below it. Thresholds that
// are already above the starting value are treated as fired. TimeUp fires
// exactly once no matter how many ticks or resyncs land on zero.
//
// # Thread Safety
//
// Safe for concurrent use: Resync may be called from a network callback
// while Run drives ticks.
type Countdown struct {
	mu         sync.Mutex
	remaining  int
	thresholds []int
	fired      map[int]bool
	timeUp     bool
}

// NewCountdown starts a countdown at remaining seconds.
//
// # Inputs
//
//   - remaining: Authoritative remaining seconds. Negative is treated as 0.
//   - thresholds: Warning thresholds in seconds, any order.
func NewCountdown(remaining int, thresholds []int) *Countdown {
	if remaining < 0 {
		remaining = 0
	}
	ts := make([]int, len(thresholds))
	copy(ts, thresholds)
	sort.Sort(sort.Reverse(sort.IntSlice(ts)))

	c := &Countdown{
		remaining:  remaining,
		thresholds: ts,
		fired:      make(map[int]bool, len(ts)),
	}
	for _, t := range ts {
		if t > remaining {
			c.fired[t] = true
		}
	}
	return c
}

// Remaining returns the current local value.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// TimeUpFired reports whether EventTimeUp has been emitted.
func (c *Countdown) TimeUpFired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeUp
}

// Tick advances the countdown by one second.
//
// # Outputs
//
//   - []Event: An EventTick, then any warning crossed, then EventTimeUp if
//     this is the first time remaining is zero. After time-up only
//     EventTick at 0 is returned.
func (c *Countdown) Tick() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.remaining > 0 {
		c.remaining--
	}
	events := []Event{{Kind: EventTick, Remaining: c.remaining}}
	return append(events, c.evaluateLocked()...)
}

// Resync replaces the local value with an authoritative one.
//
// Only the lowest threshold crossed by the jump emits a warning; the
// others are marked fired.
func (c *Countdown) Resync(remaining int) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remaining < 0 {
		remaining = 0
	}
	c.remaining = remaining
	return c.evaluateLocked()
}

// Poll evaluates the current value without advancing it.
//
// Used once at start so that a countdown created at zero fires time-up
// without waiting for a tick.
func (c *Countdown) Poll() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evaluateLocked()
}

func (c *Countdown) evaluateLocked() []Event {
	var events []Event

	lowest := -1
	for _, t := range c.thresholds {
		if c.fired[t] || c.remaining > t {
			continue
		}
		c.fired[t] = true
		lowest = t
	}
	// Thresholds are sorted descending, so the last one crossed is lowest.
	if lowest >= 0 && c.remaining > 0 {
		events = append(events, Event{Kind: EventWarning, Remaining: c.remaining, Threshold: lowest})
	}

	if c.remaining == 0 && !c.timeUp {
		c.timeUp = true
		events = append(events, Event{Kind: EventTimeUp, Remaining: 0})
	}
	return events
}

// Run drives the countdown from ticks until time-up or ctx is done.
//
// # Description
//
// Polls once immediately, then calls Tick on every value received from
// ticks and hands each resulting Event to emit in order. Returns nil once
// time-up has fired, whether Run or a concurrent Resync emitted it.
//
// # Inputs
//
//   - ctx: Cancels the loop. Returns ctx.Err().
//   - ticks: Usually time.NewTicker(time.Second).C; tests send manually.
//   - emit: Called synchronously from Run's goroutine.
func (c *Countdown) Run(ctx context.Context, ticks <-chan time.Time, emit func(Event)) error {
	if c.emitAll(c.Poll(), emit) {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ticks:
			if !ok {
				return nil
			}
			// A Resync elsewhere may have consumed time-up.
			if c.emitAll(c.Tick(), emit) || c.TimeUpFired() {
				return nil
			}
		}
	}
}

func (c *Countdown) emitAll(events []Event, emit func(Event)) (timeUp bool) {
	for _, e := range events {
		if emit != nil {
			emit(e)
		}
		if e.Kind == EventTimeUp {
			timeUp = true
		}
	}
	return timeUp
}
