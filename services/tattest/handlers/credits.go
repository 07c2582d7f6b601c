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
	"net/http"
	"strconv"

	"github.com/AleutianAI/tattest/pkg/validation"
	"github.com/AleutianAI/tattest/services/tattest/datatypes"
	"github.com/gin-gonic/gin"
)

// maxCreditsHistory caps the limit query parameter of GetCredits.
const maxCreditsHistory = 500

// GetCredits handles GET /v1/credits?limit=.
func GetCredits(engine SessionEngine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}

		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 || n > maxCreditsHistory {
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
					Error:   "invalid_request",
					Message: "limit must be between 0 and " + strconv.Itoa(maxCreditsHistory),
				})
				return
			}
			limit = n
		}

		result, err := engine.Credits(c.Request.Context(), userID, limit)
		if err != nil {
			respondError(c, "credits", err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// GrantCredits handles POST /v1/admin/users/:userId/credits.
//
// # Description
//
// Appends a purchase entry for the path user. Authorization is applied by
// middleware.RequirePermission on the route. Without a reference_id the
// entry is referenced as "grant:<admin id>".
func GrantCredits(engine SessionEngine) gin.HandlerFunc {
	return func(c *gin.Context) {
		adminID, ok := callerID(c)
		if !ok {
			return
		}
		var req datatypes.GrantCreditsRequest
		if !bindJSON(c, &req, false) {
			return
		}
		target := c.Param("userId")
		if err := validation.ValidateUserID(target); err != nil {
			badRequest(c, err)
			return
		}

		ref := req.ReferenceID
		if ref == "" {
			ref = "grant:" + adminID
		}
		entry, err := engine.Grant(c.Request.Context(), target, req.Credits, ref)
		if err != nil {
			respondError(c, "grant", err)
			return
		}
		c.JSON(http.StatusCreated, datatypes.GrantResult{Entry: entry, Balance: entry.BalanceAfter})
	}
}
