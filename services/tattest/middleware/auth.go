// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the session service.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │   (or the access_token query parameter for websocket upgrades)
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       RateLimit (keyed by AuthInfo.UserID)
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthInfo)
//
// Every session operation is scoped to AuthInfo.UserID. With the
// NopAuthProvider all requests run as "local-user".
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/tattest/pkg/extensions"
	"github.com/AleutianAI/tattest/services/tattest/datatypes"
	"github.com/gin-gonic/gin"
)

// =============================================================================
// Context Keys
// =============================================================================

// authInfoKey is the context key for storing AuthInfo.
const authInfoKey = "tattest_auth_info"

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated user info in the Gin context.
//
// # Description
//
// Called by AuthMiddleware after successful authentication. Overwrites any
// previously stored value.
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info from the Gin context.
//
// # Description
//
// Returns nil if the request was not authenticated or the stored value has
// the wrong type.
//
// # Examples
//
//	info := middleware.GetAuthInfo(c)
//	if info == nil {
//	    c.AbortWithStatus(http.StatusUnauthorized)
//	    return
//	}
//	view, err := engine.GetSession(ctx, info.UserID, c.Param("id"))
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// # Description
//
// Extracts the bearer token, validates it with provider, and stores the
// resulting AuthInfo for downstream handlers. A provider that returns no
// user or an empty UserID is treated as a failure.
//
// # Inputs
//
//   - provider: AuthProvider to validate tokens. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Aborts with 401 and a datatypes.ErrorResponse body
//     on failure.
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
//
// # Limitations
//
//   - Only Bearer tokens are supported.
//   - Validation results are not cached.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, extensions.ErrUnauthorized) {
				slog.Warn("auth provider failed", "path", c.FullPath(), "error", err)
			}
			abortUnauthorized(c, "unauthorized")
			return
		}
		if authInfo == nil || authInfo.UserID == "" {
			abortUnauthorized(c, "authentication returned no user")
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// RequirePermission checks the authenticated user against authz before the
// handler runs.
//
// # Description
//
// Builds an AuthzRequest from the stored AuthInfo, the given action and
// resource type, and the route parameter named by idParam (optional).
// Denials abort with 403. Must run after AuthMiddleware.
//
// # Examples
//
//	admin.POST("/users/:userId/credits",
//	    middleware.RequirePermission(authz, extensions.ResourceCredits, extensions.ActionGrant, "userId"),
//	    handlers.GrantCredits(engine))
func RequirePermission(authz extensions.AuthzProvider, resourceType, action, idParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := extensions.AuthzRequest{
			User:         GetAuthInfo(c),
			Action:       action,
			ResourceType: resourceType,
		}
		if idParam != "" {
			req.ResourceID = c.Param(idParam)
		}
		if err := authz.Authorize(c.Request.Context(), req); err != nil {
			slog.Info("request denied",
				"resource_type", resourceType,
				"action", action,
				"resource_id", req.ResourceID,
				"error", err,
			)
			c.AbortWithStatusJSON(http.StatusForbidden, datatypes.ErrorResponse{
				Error:   "forbidden",
				Message: "not allowed to " + action + " " + resourceType,
			})
			return
		}
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.ErrorResponse{
		Error:   "unauthorized",
		Message: message,
	})
}

// extractBearerToken extracts the token from the Authorization header.
//
// # Description
//
// Parses "Bearer <token>" with a case-insensitive scheme per RFC 7235.
// Browsers cannot set headers on a websocket upgrade, so upgrade requests
// may pass the token as the access_token query parameter instead.
//
// # Outputs
//
//   - string: The extracted token, or "" if not found.
//
// # Examples
//
//	// Header: "Authorization: bearer ABC123"
//	token := extractBearerToken(c)
//	// token == "ABC123"
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			return strings.TrimSpace(c.Query("access_token"))
		}
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
