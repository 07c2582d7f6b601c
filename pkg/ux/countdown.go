// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// FormatRemaining renders seconds as "M:SS". Negative values render as 0:00.
func FormatRemaining(seconds int) string {
	seconds = max(seconds, 0)
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

// RemainingStyle picks the countdown color: red at or below the last
// threshold, amber at or below the first, teal otherwise. thresholds are
// in descending order.
func RemainingStyle(seconds int, thresholds []int) lipgloss.Style {
	if len(thresholds) == 0 {
		return Styles.Title
	}
	switch {
	case seconds <= thresholds[len(thresholds)-1]:
		return Styles.Error.Bold(true)
	case seconds <= thresholds[0]:
		return Styles.Warning.Bold(true)
	default:
		return Styles.Title
	}
}

// RenderRemaining formats seconds with RemainingStyle, or plainly in
// machine mode.
func RenderRemaining(seconds int, thresholds []int) string {
	text := FormatRemaining(seconds)
	if GetLevel() == LevelMachine {
		return text
	}
	return RemainingStyle(seconds, thresholds).Render(text)
}

// LengthMeter renders "n/max" with the bar colored by whether n is within
// [minLen, maxLen].
func LengthMeter(n, minLen, maxLen, width int) string {
	label := fmt.Sprintf("%d/%d", n, maxLen)
	if GetLevel() == LevelMachine || width <= 0 || maxLen <= 0 {
		return label
	}
	filled := min(n*width/maxLen, width)
	style := Styles.Warning
	if n >= minLen && n <= maxLen {
		style = Styles.Success
	}
	bar := style.Render(strings.Repeat("█", filled)) + Styles.Muted.Render(strings.Repeat("░", width-filled))
	return bar + " " + label
}
