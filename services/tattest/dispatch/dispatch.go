// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch hands completed sessions to the analysis pipeline.
//
// Analysis is external and asynchronous. A dispatcher is notified once per
// transition into completed and must never block or fail the transition;
// the engine logs a dispatch error and moves on.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull means the dispatcher dropped the event.
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrClosed means Dispatch was called after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// CompletionEvent is the payload sent for analysis.
type CompletionEvent struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	ExerciseID     string    `json:"tattest_id"`
	StoryContent   string    `json:"story_content"`
	CharacterCount int       `json:"character_count"`
	AutoCompleted  bool      `json:"auto_completed"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Dispatcher is the analysis hand-off.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Dispatcher interface {
	// Dispatch enqueues ev and returns without waiting for delivery.
	Dispatch(ev CompletionEvent) error

	// Close stops accepting events and waits for queued ones until ctx is done.
	Close(ctx context.Context) error
}

// =============================================================================
// No-op Dispatcher
// =============================================================================

// Nop discards every event.
type Nop struct{}

// Dispatch discards ev.
func (Nop) Dispatch(CompletionEvent) error { return nil }

// Close does nothing.
func (Nop) Close(context.Context) error { return nil }

// =============================================================================
// Recorder
// =============================================================================

// Recorder keeps every event in memory. Used in tests and local runs.
type Recorder struct {
	mu     sync.Mutex
	events []CompletionEvent
	err    error
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent Dispatch calls return err without recording.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Dispatch records ev.
func (r *Recorder) Dispatch(ev CompletionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []CompletionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CompletionEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Close does nothing.
func (r *Recorder) Close(context.Context) error { return nil }

var (
	_ Dispatcher = Nop{}
	_ Dispatcher = (*Recorder)(nil)
)
