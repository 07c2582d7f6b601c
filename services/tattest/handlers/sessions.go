// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/tattest/pkg/validation"
	"github.com/AleutianAI/tattest/services/tattest/datatypes"
	"github.com/gin-gonic/gin"
)

// StartSession handles POST /v1/sessions.
//
// Responds 201 with a new session, or 200 with Recovered=true when an open
// session for the exercise already existed.
func StartSession(engine SessionEngine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}
		var req datatypes.StartSessionRequest
		if !bindJSON(c, &req, false) {
			return
		}

		result, err := engine.Start(c.Request.Context(), userID, req.ExerciseID)
		if err != nil {
			respondError(c, "start", err)
			return
		}

		status := http.StatusCreated
		if result.Recovered {
			status = http.StatusOK
		}
		c.JSON(status, result)
	}
}

// GetOpenSession handles GET /v1/sessions/open?exercise_id=.
func GetOpenSession(engine SessionEngine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}
		exerciseID, err := validation.SanitizeExerciseID(c.Query("exercise_id"))
		if err != nil {
			badRequest(c, err)
			return
		}

		view, found, err := engine.GetOpen(c.Request.Context(), userID, exerciseID)
		if err != nil {
			respondError(c, "get_open", err)
			return
		}
		if !found {
			respondError(c, "get_open", datatypes.ErrSessionNotFound)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// GetSession handles GET /v1/sessions/:id.
func GetSession(engine SessionEngine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}
		view, err := engine.GetSession(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			respondError(c, "get", err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// GetRemaining handles GET /v1/sessions/:id/remaining.
func GetRemaining(engine SessionEngine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}
		result, err := engine.Remaining(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			respondError(c, "remaining", err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// SyncSession handles POST /v1/sessions/:id/sync.
func SyncSession(engine SessionEngine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}
		var req datatypes.TextRequest
		if !bindJSON(c, &req, true) {
			return
		}
		result, err := engine.Sync(c.Request.Context(), userID, c.Param("id"), req.Text)
		if err != nil {
			respondError(c, "sync", err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// PauseSession handles POST /v1/sessions/:id/pause.
//
// remaining_seconds is the caller's countdown value. The engine clamps it
// to the authoritative value, so a client cannot gain time by pausing.
func PauseSession(engine SessionEngine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}
		var req datatypes.PauseSessionRequest
		if !bindJSON(c, &req, false) {
			return
		}
		view, err := engine.Pause(c.Request.Context(), userID, c.Param("id"), req.Text, *req.RemainingSeconds)
		if err != nil {
			respondError(c, "pause", err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// ResumeSession handles POST /v1/sessions/:id/resume.
func ResumeSession(engine SessionEngine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}
		view, err := engine.Resume(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			respondError(c, "resume", err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// SubmitSession handles POST /v1/sessions/:id/submit.
func SubmitSession(engine SessionEngine) gin.HandlerFunc {
	return resolveHandler("submit", false, engine, engine.Submit)
}

// TimeUp handles POST /v1/sessions/:id/timeup.
func TimeUp(engine SessionEngine) gin.HandlerFunc {
	return resolveHandler("timeup", true, engine, engine.TimeUp)
}

// AbandonSession handles POST /v1/sessions/:id/abandon.
//
// The body is optional; without text the last synced draft is kept.
func AbandonSession(engine SessionEngine) gin.HandlerFunc {
	return resolveHandler("abandon", true, engine, engine.Abandon)
}

type resolveFunc func(ctx context.Context, userID, sessionID, text string) (datatypes.Resolution, error)

// resolveHandler shares the body of the three terminal operations.
//
// A body over MaxRequestBytes carries a story far above the length limit,
// so the session is abandoned as too long instead of failing the request.
func resolveHandler(operation string, optionalBody bool, engine SessionEngine, resolve resolveFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}
		sessionID := c.Param("id")

		var req datatypes.TextRequest
		var res datatypes.Resolution
		var err error
		if derr := decodeJSON(c, &req, optionalBody); derr != nil {
			if !isBodyTooLarge(derr) {
				badRequest(c, derr)
				return
			}
			slog.Warn("oversized story abandoned",
				"operation", operation,
				"session_id", sessionID,
				"user_id", userID,
			)
			res, err = engine.AbandonOversized(c.Request.Context(), userID, sessionID)
		} else {
			res, err = resolve(c.Request.Context(), userID, sessionID, req.Text)
		}
		if err != nil {
			respondError(c, operation, err)
			return
		}
		if res.Warning != "" {
			slog.Warn("session resolved with warning",
				"operation", operation,
				"session_id", sessionID,
				"user_id", userID,
				"warning", res.Warning,
			)
		}
		c.JSON(http.StatusOK, res)
	}
}
