// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "errors"

// =============================================================================
// Precondition Errors
// =============================================================================
//
// Returned before any write. The caller recovers by correcting the
// precondition and retrying.

var (
	// ErrInsufficientBalance means the user cannot afford a new session.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrSessionAlreadyActive means another open session for the same
	// (user, exercise) won the race to be created.
	ErrSessionAlreadyActive = errors.New("session already active")

	// ErrSessionNotFound means the id is unknown or belongs to another user.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotResumable means resume was requested on a terminal session.
	ErrSessionNotResumable = errors.New("session not resumable")

	// ErrSessionTerminal means a transition was requested from a terminal state.
	ErrSessionTerminal = errors.New("session is terminal")

	// ErrSessionNotActive means the operation requires a running session.
	ErrSessionNotActive = errors.New("session not active")

	// ErrEmptySubmission means a manual submit carried no text. No transition happens.
	ErrEmptySubmission = errors.New("empty submission")

	// ErrTimeExpired means the authoritative countdown is at zero; the caller
	// must resolve the session through time-up instead.
	ErrTimeExpired = errors.New("session time expired")

	// ErrTimeRemaining means time-up was requested while the authoritative
	// countdown still has time left.
	ErrTimeRemaining = errors.New("session time not expired")

	// ErrClockUnreliable means the server clock failed its sanity check.
	ErrClockUnreliable = errors.New("server clock unreliable")
)

// =============================================================================
// Infrastructure Errors
// =============================================================================

// ErrStore wraps failures of the durable store. Callers test with errors.Is.
var ErrStore = errors.New("store unavailable")

// ErrorCode returns the stable wire code for err, or "internal_error".
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrSessionAlreadyActive):
		return "session_already_active"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrSessionNotResumable):
		return "session_not_resumable"
	case errors.Is(err, ErrSessionTerminal):
		return "session_terminal"
	case errors.Is(err, ErrSessionNotActive):
		return "session_not_active"
	case errors.Is(err, ErrEmptySubmission):
		return "empty_submission"
	case errors.Is(err, ErrTimeExpired):
		return "time_expired"
	case errors.Is(err, ErrTimeRemaining):
		return "time_not_expired"
	case errors.Is(err, ErrClockUnreliable):
		return "clock_unreliable"
	case errors.Is(err, ErrStore):
		return "store_unavailable"
	}
	return "internal_error"
}

// ErrorFromCode is the inverse of ErrorCode, used by clients to restore
// sentinel errors from a response body. Unknown codes return nil.
func ErrorFromCode(code string) error {
	switch code {
	case "insufficient_balance":
		return ErrInsufficientBalance
	case "session_already_active":
		return ErrSessionAlreadyActive
	case "session_not_found":
		return ErrSessionNotFound
	case "session_not_resumable":
		return ErrSessionNotResumable
	case "session_terminal":
		return ErrSessionTerminal
	case "session_not_active":
		return ErrSessionNotActive
	case "empty_submission":
		return ErrEmptySubmission
	case "time_expired":
		return ErrTimeExpired
	case "time_not_expired":
		return ErrTimeRemaining
	case "clock_unreliable":
		return ErrClockUnreliable
	case "store_unavailable":
		return ErrStore
	}
	return nil
}
