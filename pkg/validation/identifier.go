// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks caller-supplied identifiers before they become
// storage key segments.
//
// Session and ledger keys are built as "open/<user>/<exercise>" and
// "ledger/entry/<user>/<seq>". A user id containing "/" would make one
// user's prefix scan read another user's entries, so every id is checked
// at the edge.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIdentifierLength bounds user and exercise ids.
const MaxIdentifierLength = 128

// identifierPattern allows letters, digits, dot, underscore, hyphen and @.
// The first character must be a letter or digit.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@\-]{0,127}$`)

// IsIdentifier reports whether s is a valid id.
func IsIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// ValidateIdentifier returns an error naming kind when s is not a valid id.
//
// Example:
//
//	if err := validation.ValidateIdentifier("exercise_id", id); err != nil {
//	    return err
//	}
func ValidateIdentifier(kind, s string) error {
	if s == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	if !IsIdentifier(s) {
		return fmt.Errorf("invalid %s %q: must be 1-%d letters, digits, '.', '_', '-' or '@', starting with a letter or digit",
			kind, s, MaxIdentifierLength)
	}
	return nil
}

// ValidateUserID validates a user id.
func ValidateUserID(id string) error {
	return ValidateIdentifier("user_id", id)
}

// ValidateExerciseID validates an exercise id.
func ValidateExerciseID(id string) error {
	return ValidateIdentifier("exercise_id", id)
}

// SanitizeExerciseID trims surrounding whitespace and validates.
func SanitizeExerciseID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateExerciseID(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
