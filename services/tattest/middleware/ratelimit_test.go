// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AleutianAI/tattest/pkg/extensions"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestUserRateLimiter_BurstThenDeny(t *testing.T) {
	l := NewUserRateLimiter(1, 3)
	l.now = fixedNow(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("alice"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("alice"))
	assert.True(t, l.Allow("bob"), "buckets are per user")
}

func TestUserRateLimiter_Refills(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l := NewUserRateLimiter(1, 1)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))

	now = now.Add(time.Second)
	assert.True(t, l.Allow("alice"))
}

func TestUserRateLimiter_Disabled(t *testing.T) {
	l := NewUserRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("alice"))
	}
	assert.Zero(t, l.Len())

	var nilLimiter *UserRateLimiter
	assert.True(t, nilLimiter.Allow("alice"))
}

func TestUserRateLimiter_EvictsIdle(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l := NewUserRateLimiter(5, 5)
	l.now = func() time.Time { return now }

	l.Allow("alice")
	l.Allow("bob")
	assert.Equal(t, 2, l.Len())

	now = now.Add(defaultLimiterIdle)
	l.Allow("carol")
	assert.Equal(t, 1, l.Len())
}

func TestRateLimit_Middleware(t *testing.T) {
	limiter := NewUserRateLimiter(1, 1)
	limiter.now = fixedNow(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))

	router := gin.New()
	router.Use(AuthMiddleware(&extensions.NopAuthProvider{}))
	router.Use(RateLimit(limiter))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limited")
}
