// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"strings"
	"testing"
)

func captureOutput(t *testing.T, level Level) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	prevOut, prevErr, prevLevel := Out, ErrOut, GetLevel()
	var out, errOut bytes.Buffer
	Out, ErrOut = &out, &errOut
	SetLevel(level)
	t.Cleanup(func() {
		Out, ErrOut = prevOut, prevErr
		SetLevel(prevLevel)
	})
	return &out, &errOut
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"machine", LevelMachine},
		{"Q", LevelMachine},
		{" minimal ", LevelMinimal},
		{"rich", LevelRich},
		{"unknown", LevelRich},
		{"", LevelRich},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMachineOutput(t *testing.T) {
	out, errOut := captureOutput(t, LevelMachine)

	Title("ignored")
	Success("granted 100 credits")
	Warning("balance low")
	Error("session not found")
	KeyValues("balance", "250", "user", "alice")

	wantOut := "OK: granted 100 credits\nbalance\t250\nuser\talice\n"
	if out.String() != wantOut {
		t.Errorf("stdout = %q, want %q", out.String(), wantOut)
	}
	wantErr := "WARN: balance low\nERROR: session not found\n"
	if errOut.String() != wantErr {
		t.Errorf("stderr = %q, want %q", errOut.String(), wantErr)
	}
}

func TestTable(t *testing.T) {
	out, _ := captureOutput(t, LevelMachine)
	Table([]string{"type", "change"}, [][]string{{"purchase", "250"}, {"test_usage", "-100"}})
	if got, want := out.String(), "purchase\t250\ntest_usage\t-100\n"; got != want {
		t.Errorf("machine table = %q, want %q", got, want)
	}

	out, _ = captureOutput(t, LevelMinimal)
	Table([]string{"type", "change"}, [][]string{{"purchase", "250"}, {"test_usage", "-100"}})
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header plus 2 rows: %q", len(lines), out.String())
	}
	if !strings.Contains(lines[2], "test_usage") || !strings.Contains(lines[2], "-100") {
		t.Errorf("row = %q", lines[2])
	}
}

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		seconds int
		want    string
	}{
		{360, "6:00"},
		{61, "1:01"},
		{9, "0:09"},
		{0, "0:00"},
		{-5, "0:00"},
	}
	for _, tt := range tests {
		if got := FormatRemaining(tt.seconds); got != tt.want {
			t.Errorf("FormatRemaining(%d) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}

func TestRenderRemaining_Machine(t *testing.T) {
	captureOutput(t, LevelMachine)
	if got := RenderRemaining(30, []int{60, 30, 10}); got != "0:30" {
		t.Errorf("RenderRemaining = %q, want plain 0:30", got)
	}
}

func TestLengthMeter(t *testing.T) {
	captureOutput(t, LevelMachine)
	if got := LengthMeter(120, 500, 2500, 20); got != "120/2500" {
		t.Errorf("LengthMeter = %q", got)
	}

	captureOutput(t, LevelRich)
	got := LengthMeter(5000, 500, 2500, 10)
	if !strings.HasSuffix(got, "5000/2500") {
		t.Errorf("LengthMeter overflow = %q", got)
	}
}
