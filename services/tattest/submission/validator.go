// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package submission decides what a final story text settles to.
package submission

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/tattest/services/tattest/datatypes"
)

// Outcome is the state a submission resolves to.
type Outcome string

const (
	// OutcomeCompleted: the session completes and is charged.
	OutcomeCompleted Outcome = "completed"

	// OutcomeAbandoned: the session is abandoned and not charged.
	OutcomeAbandoned Outcome = "abandoned"

	// OutcomeRejected: no transition; the caller stays in Running.
	OutcomeRejected Outcome = "rejected"
)

// Reason codes carried in a Verdict and surfaced to callers.
const (
	ReasonWithinBounds = "within_bounds"
	ReasonTooShort     = "too_short"
	ReasonTooLong      = "too_long"
	ReasonEmpty        = "empty"
)

// Verdict is the result of Validate.
type Verdict struct {
	Outcome Outcome
	Charge  bool
	Length  int
	Reason  string
	Message string
}

// TrimmedLength counts characters after trimming surrounding whitespace.
//
// Characters are Unicode code points, so a story written in a non-Latin
// script is measured the same way a reader would count it.
func TrimmedLength(text string) int {
	return utf8.RuneCountInString(strings.TrimSpace(text))
}

// Validate applies the fixed policy to text.
func Validate(text string, isAutoCompleted bool) Verdict {
	return ValidateWithPolicy(datatypes.DefaultPolicy(), text, isAutoCompleted)
}

// ValidateWithPolicy decides the outcome of a final submission.
//
// # Description
//
// Deterministic and side-effect free. Rules, first match wins:
//
//  1. Manual submit with no text: Rejected. Nothing is persisted.
//  2. More than datatypes.MaxStoryBytes bytes: Abandoned as too long,
//     whatever the trimmed count.
//  3. Fewer than MinLength characters: Abandoned, not charged.
//  4. More than MaxLength characters: Abandoned, not charged.
//  5. Otherwise: Completed and charged.
//
// Auto-completed and manual submissions of the same text always reach
// the same outcome; only Message differs.
//
// # Inputs
//
//   - p: Length bounds. Only MinLength and MaxLength are read.
//   - text: The final story text, untrimmed.
//   - isAutoCompleted: True when the countdown reached zero.
//
// # Outputs
//
//   - Verdict: Outcome, whether to charge, the trimmed length and a message.
func ValidateWithPolicy(p datatypes.Policy, text string, isAutoCompleted bool) Verdict {
	n := TrimmedLength(text)

	if !isAutoCompleted && n == 0 {
		return Verdict{
			Outcome: OutcomeRejected,
			Length:  0,
			Reason:  ReasonEmpty,
			Message: "Write your story before submitting.",
		}
	}

	if len(text) > datatypes.MaxStoryBytes {
		msg := fmt.Sprintf("Your story is larger than %d KiB and cannot be analyzed.", datatypes.MaxStoryBytes/1024)
		if isAutoCompleted {
			msg = fmt.Sprintf("Time is up. Your story is larger than %d KiB and cannot be analyzed. No credits were used.", datatypes.MaxStoryBytes/1024)
		}
		return Verdict{Outcome: OutcomeAbandoned, Length: n, Reason: ReasonTooLong, Message: msg}
	}

	if n < p.MinLength {
		msg := fmt.Sprintf("Your story has %d characters. At least %d are needed, keep writing.", n, p.MinLength)
		if isAutoCompleted {
			msg = fmt.Sprintf("Time is up. Your story has %d characters, which is too short to analyze (minimum %d). No credits were used.", n, p.MinLength)
		}
		return Verdict{Outcome: OutcomeAbandoned, Length: n, Reason: ReasonTooShort, Message: msg}
	}

	if n > p.MaxLength {
		msg := fmt.Sprintf("Your story has %d characters. Shorten it to at most %d.", n, p.MaxLength)
		if isAutoCompleted {
			msg = fmt.Sprintf("Time is up. Your story has %d characters, which is longer than can be analyzed (maximum %d). No credits were used.", n, p.MaxLength)
		}
		return Verdict{Outcome: OutcomeAbandoned, Length: n, Reason: ReasonTooLong, Message: msg}
	}

	msg := "Your story was submitted for analysis."
	if isAutoCompleted {
		msg = "Time is up. Your story was submitted for analysis."
	}
	return Verdict{Outcome: OutcomeCompleted, Charge: true, Length: n, Reason: ReasonWithinBounds, Message: msg}
}
