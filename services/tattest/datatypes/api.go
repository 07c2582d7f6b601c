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

import (
	"github.com/AleutianAI/tattest/pkg/validation"
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// apiValidate is the validator instance for request payloads.
// Initialized in init() with custom validators.
var apiValidate *validator.Validate

func init() {
	apiValidate = validator.New()
	_ = apiValidate.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return validation.IsIdentifier(fl.Field().String())
	})
}

// =============================================================================
// Requests
// =============================================================================

// StartSessionRequest asks for a new session, or the recovered open one.
type StartSessionRequest struct {
	ExerciseID string `json:"exercise_id" validate:"required,identifier"`
}

// Validate checks the request against its struct tags.
func (r *StartSessionRequest) Validate() error {
	return apiValidate.Struct(r)
}

// TextRequest carries the current story text. Used by sync, submit,
// time-up and abandon.
//
// Text has no size tag: story length is a settlement outcome, never a
// request error. The body as a whole is capped at MaxRequestBytes.
type TextRequest struct {
	Text string `json:"text"`
}

// Validate checks the request against its struct tags.
func (r *TextRequest) Validate() error {
	return apiValidate.Struct(r)
}

// PauseSessionRequest is the save-and-exit payload.
//
// RemainingSeconds is a pointer so that an explicit 0 is distinguishable
// from a missing field.
type PauseSessionRequest struct {
	Text             string `json:"text"`
	RemainingSeconds *int   `json:"remaining_seconds" validate:"required,gte=0"`
}

// Validate checks the request against its struct tags.
func (r *PauseSessionRequest) Validate() error {
	return apiValidate.Struct(r)
}

// GrantCreditsRequest is the admin credit grant payload.
type GrantCreditsRequest struct {
	Credits     int64  `json:"credits" validate:"required,gt=0,lte=1000000"`
	ReferenceID string `json:"reference_id" validate:"max=128"`
}

// Validate checks the request against its struct tags.
func (r *GrantCreditsRequest) Validate() error {
	return apiValidate.Struct(r)
}

// =============================================================================
// Responses
// =============================================================================

// SessionView is a Session plus the values derived at read time.
type SessionView struct {
	Session
	RemainingSeconds       int `json:"remaining_seconds"`
	SessionDurationSeconds int `json:"session_duration_seconds"`
}

// StartResult is returned by StartSession.
//
// Recovered is true when an open session already existed and was returned
// instead of creating a second one.
type StartResult struct {
	Session   SessionView `json:"session"`
	Recovered bool        `json:"recovered"`
}

// RemainingResult is the authoritative countdown value for a session.
type RemainingResult struct {
	SessionID        string `json:"session_id"`
	Status           Status `json:"status"`
	RemainingSeconds int    `json:"remaining_seconds"`
	Expired          bool   `json:"expired"`
}

// Resolution describes how a session left the running state.
//
// # Description
//
// Returned by submit, time-up and abandon. CreditsDeducted is the
// amount actually taken; it is 0 for abandoned sessions and also for
// completed sessions whose settlement failed, in which case Warning
// explains why.
type Resolution struct {
	SessionID        string `json:"session_id"`
	Status           Status `json:"status"`
	AutoCompleted    bool   `json:"auto_completed"`
	CharacterCount   int    `json:"character_count"`
	CreditsDeducted  int64  `json:"credits_deducted"`
	RemainingBalance int64  `json:"remaining_balance"`
	Reason           string `json:"reason,omitempty"`
	Message          string `json:"message,omitempty"`
	Warning          string `json:"warning,omitempty"`
	AlreadyTerminal  bool   `json:"already_terminal,omitempty"`
}

// CreditsResult is the balance view for the authenticated user.
type CreditsResult struct {
	UserID  string         `json:"user_id"`
	Balance int64          `json:"balance"`
	Entries []BalanceEntry `json:"entries"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CountdownFrame is one message on the countdown websocket.
//
// Type is "status" for the connect and state-change frames, otherwise one
// of the clock event kinds: "tick", "warning" or "time_up".
type CountdownFrame struct {
	Type             string `json:"type"`
	SessionID        string `json:"session_id,omitempty"`
	Status           Status `json:"status,omitempty"`
	RemainingSeconds int    `json:"remaining_seconds"`
	Threshold        int    `json:"threshold,omitempty"`
}

// GrantResult is returned by the admin credit grant.
type GrantResult struct {
	Entry   BalanceEntry `json:"entry"`
	Balance int64        `json:"balance"`
}
