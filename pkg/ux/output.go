// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the tattest CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette. Teal for the brand, amber and red for the countdown warnings.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Key     lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Key:     lipgloss.NewStyle().Foreground(ColorTealPrimary),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconClock   Icon = "◷"
)

// Render returns the icon with its color.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// Out and ErrOut receive all output. Tests replace them.
var (
	Out    io.Writer = os.Stdout
	ErrOut io.Writer = os.Stderr
)

// Title prints a heading. Silent in machine mode.
func Title(text string) {
	if GetLevel() == LevelMachine {
		return
	}
	fmt.Fprintln(Out, Styles.Title.Render(text))
}

// Success prints a success line.
func Success(text string) {
	switch GetLevel() {
	case LevelMachine:
		fmt.Fprintf(Out, "OK: %s\n", text)
	case LevelMinimal:
		fmt.Fprintf(Out, "%s %s\n", IconSuccess, text)
	default:
		fmt.Fprintf(Out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning line to ErrOut.
func Warning(text string) {
	switch GetLevel() {
	case LevelMachine:
		fmt.Fprintf(ErrOut, "WARN: %s\n", text)
	case LevelMinimal:
		fmt.Fprintf(ErrOut, "%s %s\n", IconWarning, text)
	default:
		fmt.Fprintf(ErrOut, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error line to ErrOut.
func Error(text string) {
	switch GetLevel() {
	case LevelMachine:
		fmt.Fprintf(ErrOut, "ERROR: %s\n", text)
	case LevelMinimal:
		fmt.Fprintf(ErrOut, "%s %s\n", IconError, text)
	default:
		fmt.Fprintf(ErrOut, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints a plain informational line.
func Info(text string) {
	if GetLevel() == LevelMachine {
		fmt.Fprintln(Out, text)
		return
	}
	fmt.Fprintf(Out, "%s %s\n", Styles.Muted.Render("│"), text)
}

// KeyValues prints aligned pairs. pairs alternates key and value.
//
// Machine mode prints "key\tvalue" lines.
func KeyValues(pairs ...string) {
	width := 0
	for i := 0; i+1 < len(pairs); i += 2 {
		width = max(width, len(pairs[i]))
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		key, value := pairs[i], pairs[i+1]
		if GetLevel() == LevelMachine {
			fmt.Fprintf(Out, "%s\t%s\n", key, value)
			continue
		}
		pad := strings.Repeat(" ", width-len(key))
		fmt.Fprintf(Out, "  %s%s  %s\n", Styles.Key.Render(key), pad, value)
	}
}

// Table prints rows under header. Columns are tab-separated in machine mode
// and space-aligned otherwise.
func Table(header []string, rows [][]string) {
	if GetLevel() == LevelMachine {
		for _, row := range rows {
			fmt.Fprintln(Out, strings.Join(row, "\t"))
		}
		return
	}
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i := range min(len(row), len(widths)) {
			widths[i] = max(widths[i], len(row[i]))
		}
	}
	line := func(cells []string, style lipgloss.Style) {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = style.Render(cell + strings.Repeat(" ", widths[i]-len(cell)))
		}
		fmt.Fprintln(Out, "  "+strings.Join(parts, "  "))
	}
	line(header, Styles.Bold)
	for _, row := range rows {
		line(row, lipgloss.NewStyle())
	}
}

// Box prints content in a rounded box.
func Box(title, content string) {
	if GetLevel() == LevelMachine {
		fmt.Fprintf(Out, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(Out, Styles.Box.Width(60).Render(Styles.Title.Render(title)+"\n"+content))
}

// WarningBox prints content in a warning-styled box to ErrOut.
func WarningBox(title, content string) {
	if GetLevel() == LevelMachine {
		fmt.Fprintf(ErrOut, "WARN %s: %s\n", title, content)
		return
	}
	fmt.Fprintln(ErrOut, Styles.WarningBox.Width(60).Render(Styles.Warning.Bold(true).Render(title)+"\n"+content))
}
