// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP surface of the session service.
//
// Every handler is a constructor returning a gin.HandlerFunc closed over its
// dependencies. Handlers expect middleware.AuthMiddleware to have run; the
// authenticated user id scopes every engine call.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/tattest/pkg/validation"
	"github.com/AleutianAI/tattest/services/tattest/datatypes"
	"github.com/AleutianAI/tattest/services/tattest/ledger"
	"github.com/AleutianAI/tattest/services/tattest/middleware"
	"github.com/AleutianAI/tattest/services/tattest/telemetry"
	"github.com/gin-gonic/gin"
)

// SessionEngine is the engine surface the handlers call.
//
// *lifecycle.Engine satisfies it.
type SessionEngine interface {
	Start(ctx context.Context, userID, exerciseID string) (datatypes.StartResult, error)
	GetSession(ctx context.Context, userID, sessionID string) (datatypes.SessionView, error)
	GetOpen(ctx context.Context, userID, exerciseID string) (datatypes.SessionView, bool, error)
	Remaining(ctx context.Context, userID, sessionID string) (datatypes.RemainingResult, error)
	Sync(ctx context.Context, userID, sessionID, text string) (datatypes.RemainingResult, error)
	Pause(ctx context.Context, userID, sessionID, text string, remainingSeconds int) (datatypes.SessionView, error)
	Resume(ctx context.Context, userID, sessionID string) (datatypes.SessionView, error)
	Submit(ctx context.Context, userID, sessionID, text string) (datatypes.Resolution, error)
	TimeUp(ctx context.Context, userID, sessionID, text string) (datatypes.Resolution, error)
	Abandon(ctx context.Context, userID, sessionID, text string) (datatypes.Resolution, error)
	AbandonOversized(ctx context.Context, userID, sessionID string) (datatypes.Resolution, error)
	Credits(ctx context.Context, userID string, limit int) (datatypes.CreditsResult, error)
	Grant(ctx context.Context, userID string, credits int64, referenceID string) (datatypes.BalanceEntry, error)
	Policy() datatypes.Policy
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// =============================================================================
// Error Mapping
// =============================================================================

// StatusFor returns the HTTP status for an engine error.
//
// # Description
//
// Precondition failures map to 4xx so the caller can correct and retry.
// Store and clock failures map to 503 since the same request may succeed
// later. Anything unrecognised is a 500.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, datatypes.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, datatypes.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, datatypes.ErrSessionAlreadyActive),
		errors.Is(err, datatypes.ErrSessionTerminal),
		errors.Is(err, datatypes.ErrSessionNotActive),
		errors.Is(err, datatypes.ErrSessionNotResumable),
		errors.Is(err, datatypes.ErrTimeExpired),
		errors.Is(err, datatypes.ErrTimeRemaining):
		return http.StatusConflict
	case errors.Is(err, datatypes.ErrEmptySubmission):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, datatypes.ErrClockUnreliable),
		errors.Is(err, datatypes.ErrStore):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes the ErrorResponse for err. Server-side failures are
// logged with the trace id; precondition failures are not.
func respondError(c *gin.Context, operation string, err error) {
	status := StatusFor(err)
	code := datatypes.ErrorCode(err)
	message := err.Error()

	if errors.Is(err, ledger.ErrInvalidAmount) {
		code = "invalid_request"
	}
	if status >= http.StatusInternalServerError {
		telemetry.LoggerWithTrace(c.Request.Context(), slog.Default()).Error("request failed",
			"operation", operation,
			"session_id", c.Param("id"),
			"status", status,
			"error", err,
		)
		if status == http.StatusInternalServerError {
			message = "internal error"
		}
	}
	c.JSON(status, datatypes.ErrorResponse{Error: code, Message: message})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
		Error:   "invalid_request",
		Message: err.Error(),
	})
}

// =============================================================================
// Request Helpers
// =============================================================================

type validatable interface {
	Validate() error
}

// bindJSON decodes and validates the body, writing 413 or 400 on failure.
func bindJSON(c *gin.Context, req validatable, optional bool) bool {
	if err := decodeJSON(c, req, optional); err != nil {
		if isBodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, datatypes.ErrorResponse{
				Error:   "request_too_large",
				Message: fmt.Sprintf("request body exceeds %d bytes", datatypes.MaxRequestBytes),
			})
			return false
		}
		badRequest(c, err)
		return false
	}
	return true
}

// decodeJSON reads at most MaxRequestBytes of body into req and validates
// it. An empty body is accepted when optional is set, leaving req at its
// zero value before validation.
func decodeJSON(c *gin.Context, req validatable, optional bool) error {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, datatypes.MaxRequestBytes)
	if err := c.ShouldBindJSON(req); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			return err
		}
	}
	return req.Validate()
}

func isBodyTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge)
}

// callerID returns the authenticated user id, writing 401 if it is missing
// or cannot be used as a key segment.
func callerID(c *gin.Context) (string, bool) {
	info := middleware.GetAuthInfo(c)
	if info == nil || info.UserID == "" {
		c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{
			Error:   "unauthorized",
			Message: "no authenticated user",
		})
		return "", false
	}
	if err := validation.ValidateUserID(info.UserID); err != nil {
		c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{
			Error:   "unauthorized",
			Message: err.Error(),
		})
		return "", false
	}
	return info.UserID, true
}
