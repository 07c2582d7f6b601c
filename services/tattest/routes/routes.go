// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/AleutianAI/tattest/pkg/extensions"
	"github.com/AleutianAI/tattest/services/tattest/handlers"
	"github.com/AleutianAI/tattest/services/tattest/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps holds what SetupRoutes wires into the router.
type Deps struct {
	Engine    handlers.SessionEngine
	Options   extensions.ServiceOptions
	Limiter   *middleware.UserRateLimiter
	Countdown handlers.CountdownConfig

	// Gatherer backs /metrics. Default: prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer
}

// SetupRoutes registers the health, metrics and /v1 routes on router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	opts := deps.Options.Normalize()
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	engine := deps.Engine

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
	v1.Use(middleware.RateLimit(deps.Limiter))
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", handlers.StartSession(engine))
			sessions.GET("/open", handlers.GetOpenSession(engine))
			sessions.GET("/:id", handlers.GetSession(engine))
			sessions.GET("/:id/remaining", handlers.GetRemaining(engine))
			sessions.GET("/:id/countdown", handlers.Countdown(engine, deps.Countdown))
			sessions.POST("/:id/sync", handlers.SyncSession(engine))
			sessions.POST("/:id/pause", handlers.PauseSession(engine))
			sessions.POST("/:id/resume", handlers.ResumeSession(engine))
			sessions.POST("/:id/submit", handlers.SubmitSession(engine))
			sessions.POST("/:id/timeup", handlers.TimeUp(engine))
			sessions.POST("/:id/abandon", handlers.AbandonSession(engine))
		}

		v1.GET("/credits", handlers.GetCredits(engine))

		admin := v1.Group("/admin")
		{
			admin.POST("/users/:userId/credits",
				middleware.RequirePermission(opts.AuthzProvider, extensions.ResourceCredits, extensions.ActionGrant, "userId"),
				handlers.GrantCredits(engine))
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no route for " + c.Request.URL.Path})
	})
}
