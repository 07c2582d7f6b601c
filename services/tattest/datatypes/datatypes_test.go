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
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Classification(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
		open     bool
	}{
		{StatusActive, false, true},
		{StatusPaused, false, true},
		{StatusCompleted, true, false},
		{StatusAbandoned, true, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, tt.open, tt.status.IsOpen())
			assert.True(t, tt.status.Valid())
		})
	}
	assert.False(t, Status("pending").Valid())
}

func TestSession_SessionDurationSeconds(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("zero while open", func(t *testing.T) {
		s := Session{StartedAt: start}
		assert.Equal(t, 0, s.SessionDurationSeconds())
	})

	t.Run("derived from completed_at", func(t *testing.T) {
		s := Session{StartedAt: start, CompletedAt: TimePtr(start.Add(245 * time.Second))}
		assert.Equal(t, 245, s.SessionDurationSeconds())
	})

	t.Run("never negative", func(t *testing.T) {
		s := Session{StartedAt: start, CompletedAt: TimePtr(start.Add(-time.Minute))}
		assert.Equal(t, 0, s.SessionDurationSeconds())
	})
}

func TestSession_CloneDoesNotAlias(t *testing.T) {
	now := time.Now()
	orig := Session{TimeRemaining: IntPtr(190), ResumedAt: TimePtr(now), CompletedAt: TimePtr(now)}

	clone := orig.Clone()
	*clone.TimeRemaining = 10
	*clone.ResumedAt = now.Add(time.Hour)

	assert.Equal(t, 190, *orig.TimeRemaining)
	assert.Equal(t, now, *orig.ResumedAt)
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 360, p.DurationSeconds)
	assert.Equal(t, 500, p.MinLength)
	assert.Equal(t, 2500, p.MaxLength)
	assert.Equal(t, int64(100), p.Cost)
	assert.Equal(t, []int{120, 60, 30}, p.WarningThresholds)

	// Mutating the copy must not leak into the package default.
	p.WarningThresholds[0] = 1
	assert.Equal(t, 120, WarningThresholds[0])
}

func TestErrorCode_RoundTrip(t *testing.T) {
	sentinels := []error{
		ErrInsufficientBalance, ErrSessionAlreadyActive, ErrSessionNotFound,
		ErrSessionNotResumable, ErrSessionTerminal, ErrSessionNotActive,
		ErrEmptySubmission, ErrTimeExpired, ErrTimeRemaining, ErrClockUnreliable, ErrStore,
	}
	for _, sentinel := range sentinels {
		t.Run(sentinel.Error(), func(t *testing.T) {
			wrapped := fmt.Errorf("context: %w", sentinel)
			code := ErrorCode(wrapped)
			assert.NotEqual(t, "internal_error", code)
			assert.True(t, errors.Is(ErrorFromCode(code), sentinel))
		})
	}
	assert.Equal(t, "internal_error", ErrorCode(errors.New("boom")))
	assert.Nil(t, ErrorFromCode("nope"))
}

func TestRequests_Validate(t *testing.T) {
	t.Run("start requires exercise id", func(t *testing.T) {
		require.Error(t, (&StartSessionRequest{}).Validate())
		require.NoError(t, (&StartSessionRequest{ExerciseID: "card-3bm"}).Validate())
		require.Error(t, (&StartSessionRequest{ExerciseID: "card/3bm"}).Validate())
	})

	t.Run("text accepts any story size", func(t *testing.T) {
		require.NoError(t, (&TextRequest{Text: strings.Repeat("a", MaxStoryLength*4)}).Validate())
		require.NoError(t, (&TextRequest{Text: strings.Repeat("a", MaxStoryBytes+1)}).Validate())
	})

	t.Run("pause requires remaining seconds", func(t *testing.T) {
		require.Error(t, (&PauseSessionRequest{Text: "x"}).Validate())
		require.NoError(t, (&PauseSessionRequest{Text: "x", RemainingSeconds: IntPtr(0)}).Validate())
		require.Error(t, (&PauseSessionRequest{RemainingSeconds: IntPtr(-1)}).Validate())
	})
}
