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
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/tattest/services/tattest/datatypes"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// defaultLimiterIdle is how long an unused per-user limiter is kept.
const defaultLimiterIdle = 10 * time.Minute

// UserRateLimiter hands out one token bucket per authenticated user.
//
// # Description
//
// The countdown client syncs every few seconds and a single browser tab can
// retry aggressively after a network blip. Limiting per user keeps one
// caller from starving the store for everyone else. Limiters unused for
// the idle period are dropped on the next sweep.
//
// # Thread Safety
//
// Safe for concurrent use.
type UserRateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*userLimiter
	lastGC   time.Time
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewUserRateLimiter creates a limiter allowing perSecond sustained requests
// with the given burst. perSecond <= 0 disables limiting.
func NewUserRateLimiter(perSecond float64, burst int) *UserRateLimiter {
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(perSecond)))
	}
	return &UserRateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     defaultLimiterIdle,
		now:      time.Now,
		limiters: make(map[string]*userLimiter),
	}
}

// Allow reports whether userID may make a request now.
func (l *UserRateLimiter) Allow(userID string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	return l.get(userID).AllowN(l.now(), 1)
}

// Len returns the number of tracked users.
func (l *UserRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *UserRateLimiter) get(userID string) *rate.Limiter {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) >= l.idle {
		for id, ul := range l.limiters {
			if now.Sub(ul.lastSeen) >= l.idle {
				delete(l.limiters, id)
			}
		}
		l.lastGC = now
	}

	ul, ok := l.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = ul
	}
	ul.lastSeen = now
	return ul.limiter
}

// RateLimit creates a Gin middleware that applies limiter per user.
//
// # Description
//
// Must run after AuthMiddleware. Requests without AuthInfo share the
// anonymous bucket. Rejected requests get 429 with Retry-After: 1.
//
// # Examples
//
//	v1.Use(middleware.AuthMiddleware(provider))
//	v1.Use(middleware.RateLimit(middleware.NewUserRateLimiter(10, 20)))
func RateLimit(limiter *UserRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := "anonymous"
		if info := GetAuthInfo(c); info != nil {
			userID = info.UserID
		}
		if !limiter.Allow(userID) {
			c.Header("Retry-After", strconv.Itoa(1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, datatypes.ErrorResponse{
				Error:   "rate_limited",
				Message: "too many requests",
			})
			return
		}
		c.Next()
	}
}
