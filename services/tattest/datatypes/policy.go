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

// =============================================================================
// Policy Constants
// =============================================================================

const (
	// SessionDurationSeconds is the time budget of one attempt.
	SessionDurationSeconds = 360

	// MinStoryLength is the minimum trimmed character count that is analyzed and charged.
	MinStoryLength = 500

	// MaxStoryLength is the maximum trimmed character count that is analyzed and charged.
	MaxStoryLength = 2500

	// CostPerSession is the credit cost of one completed session.
	CostPerSession = 100

	// MaxStoryBytes is the largest story text, in bytes, that is measured by
	// character count. Anything larger settles as too long.
	MaxStoryBytes = 64 * 1024

	// MaxRequestBytes caps a request body. A resolve request over the cap
	// abandons the session as too long.
	MaxRequestBytes = 1 << 20
)

// WarningThresholds are the remaining-seconds marks at which the caller is
// warned. Informational only.
var WarningThresholds = []int{120, 60, 30}

// Policy bundles the fixed policy values.
//
// # Description
//
// Policy exists so components can be handed one value instead of reaching
// for package constants, and so tests can shrink the duration. Production
// code always uses DefaultPolicy().
type Policy struct {
	DurationSeconds   int
	MinLength         int
	MaxLength         int
	Cost              int64
	WarningThresholds []int
}

// DefaultPolicy returns the production policy.
func DefaultPolicy() Policy {
	thresholds := make([]int, len(WarningThresholds))
	copy(thresholds, WarningThresholds)
	return Policy{
		DurationSeconds:   SessionDurationSeconds,
		MinLength:         MinStoryLength,
		MaxLength:         MaxStoryLength,
		Cost:              CostPerSession,
		WarningThresholds: thresholds,
	}
}
