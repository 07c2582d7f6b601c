// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// Level defines how rich CLI output is.
type Level string

const (
	// LevelRich enables colors, icons and boxes.
	LevelRich Level = "rich"

	// LevelMinimal uses icons without colors.
	LevelMinimal Level = "minimal"

	// LevelMachine outputs plain tab-separated text for scripts.
	LevelMachine Level = "machine"
)

var (
	currentLevel = LevelRich
	levelMu      sync.RWMutex
)

// GetLevel returns the current output level.
func GetLevel() Level {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return currentLevel
}

// SetLevel sets the output level.
func SetLevel(level Level) {
	levelMu.Lock()
	defer levelMu.Unlock()
	currentLevel = level
}

// ParseLevel converts a flag value to a Level. Unknown values are LevelRich.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return LevelMinimal
	case "machine", "quiet", "q":
		return LevelMachine
	default:
		return LevelRich
	}
}

// InitLevel picks the level from TATTEST_OUTPUT, falling back to machine
// output when stdout is not a terminal.
func InitLevel() {
	if env := os.Getenv("TATTEST_OUTPUT"); env != "" {
		SetLevel(ParseLevel(env))
		return
	}
	if !IsTerminal(os.Stdout) {
		SetLevel(LevelMachine)
		return
	}
	SetLevel(LevelRich)
}

// IsTerminal reports whether f is a terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// IsInteractive reports whether prompts may be shown.
func IsInteractive() bool {
	return GetLevel() != LevelMachine && IsTerminal(os.Stdin) && IsTerminal(os.Stdout)
}
