// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the data structures shared by the tattest
// session service: sessions, ledger entries, policy constants, sentinel
// errors, and the HTTP request/response payloads.
package datatypes

import "time"

// =============================================================================
// Session Status
// =============================================================================

// Status is the persisted lifecycle status of a Session.
//
// # Description
//
// There is no pending status: creation and activation are one write. The
// legal transitions are:
//
//	active -> paused | completed | abandoned
//	paused -> active | abandoned
//
// completed and abandoned are terminal.
type Status string

const (
	// StatusActive means the countdown is running.
	StatusActive Status = "active"

	// StatusPaused means the user saved and exited; time_remaining is frozen.
	StatusPaused Status = "paused"

	// StatusCompleted means a valid story was submitted and analysis was requested.
	StatusCompleted Status = "completed"

	// StatusAbandoned means the session ended without a chargeable submission.
	StatusAbandoned Status = "abandoned"
)

// IsTerminal reports whether no further mutation is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// IsOpen reports whether the session still occupies the single open slot
// for its (user, exercise) pair.
func (s Status) IsOpen() bool {
	return s == StatusActive || s == StatusPaused
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusAbandoned:
		return true
	}
	return false
}

// =============================================================================
// Session
// =============================================================================

// Session is one timed attempt at one exercise by one user.
//
// # Description
//
// The JSON field names are the storage-layer contract. ExerciseID is stored
// as "tattest_id" for compatibility with existing records.
//
// # Fields
//
//   - StartedAt: Set once at creation, never changed.
//   - CompletedAt: Set on the terminal transition.
//   - TimeRemaining: Seconds left when last paused; the resume basis.
//   - ResumedAt: Wall time of the last resume. With TimeRemaining it forms
//     the countdown basis of a resumed session.
//   - DurationSeconds: The full time budget granted at creation.
//
// # Invariants
//
//   - At most one open session per (UserID, ExerciseID).
//   - Once Status is terminal no field changes again.
type Session struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	ExerciseID      string     `json:"tattest_id"`
	Status          Status     `json:"status"`
	StoryContent    string     `json:"story_content"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	TimeRemaining   *int       `json:"time_remaining,omitempty"`
	ResumedAt       *time.Time `json:"resumed_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SessionDurationSeconds returns completed_at - started_at in whole seconds.
//
// Advisory only. Returns 0 while the session is not terminal, and never
// negative.
func (s Session) SessionDurationSeconds() int {
	if s.CompletedAt == nil {
		return 0
	}
	d := int(s.CompletedAt.Sub(s.StartedAt) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// Clone returns a deep copy so callers can mutate without aliasing the
// pointer fields of a stored record.
func (s Session) Clone() Session {
	out := s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.TimeRemaining != nil {
		r := *s.TimeRemaining
		out.TimeRemaining = &r
	}
	if s.ResumedAt != nil {
		t := *s.ResumedAt
		out.ResumedAt = &t
	}
	return out
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
