// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warn ", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"Error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := tt.level.toSlogLevel(); got != tt.want {
			t.Errorf("Level(%d).toSlogLevel() = %v, want %v", tt.level, got, tt.want)
		}
	}
}

// =============================================================================
// Console Output Tests
// =============================================================================

func TestNew_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "tattest", Output: &buf})

	logger.Info("session started", "session_id", "s-1")

	out := buf.String()
	if !strings.Contains(out, "session started") || !strings.Contains(out, "session_id=s-1") {
		t.Errorf("text output missing fields: %s", out)
	}
	if !strings.Contains(out, "service=tattest") {
		t.Errorf("text output missing service attribute: %s", out)
	}
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{JSON: true, Output: &buf})

	logger.Warn("clock skew", "skew_ms", 1500)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "clock skew" || entry["level"] != "WARN" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestNew_AutoJSONForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{AutoJSON: true, Output: &buf})

	logger.Info("hello")

	if !json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Errorf("AutoJSON with a buffer should produce JSON, got %s", buf.String())
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("messages below Warn should be filtered: %s", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("Warn and Error should pass: %s", out)
	}
}

func TestNew_QuietMode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, LogDir: t.TempDir(), Output: &buf})
	defer logger.Close()

	logger.Info("only in file")

	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote to console: %s", buf.String())
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})

	child := logger.With("request_id", "r-42")
	child.Info("handled")

	if !strings.Contains(buf.String(), "request_id=r-42") {
		t.Errorf("child attributes missing: %s", buf.String())
	}
	if child.Slog() == logger.Slog() {
		t.Error("With should return a distinct slog.Logger")
	}
}

func TestLogger_SetAsDefault(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	New(Config{Output: &buf}).SetAsDefault()

	slog.Info("through the default")

	if !strings.Contains(buf.String(), "through the default") {
		t.Errorf("slog.Info did not reach the logger: %s", buf.String())
	}
}

// =============================================================================
// File Output Tests
// =============================================================================

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger := New(Config{LogDir: dir, Service: "tattest-cli", Output: &buf})

	logger.Info("written twice", "session_id", "s-9")
	path := logger.FilePath()
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if !strings.HasPrefix(filepath.Base(path), "tattest-cli_") {
		t.Errorf("log file %q should be prefixed by service", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("file entry is not JSON: %v", err)
	}
	if entry["session_id"] != "s-9" || entry["service"] != "tattest-cli" {
		t.Errorf("unexpected file entry: %v", entry)
	}
	if !strings.Contains(buf.String(), "written twice") {
		t.Error("console should also receive the entry")
	}
}

func TestNew_WithLogDir_NoService(t *testing.T) {
	logger := New(Config{LogDir: t.TempDir(), Quiet: true})
	defer logger.Close()

	if !strings.HasPrefix(filepath.Base(logger.FilePath()), "tattest_") {
		t.Errorf("default file prefix should be tattest_, got %q", logger.FilePath())
	}
}

func TestNew_WithLogDir_InvalidPath(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &buf})

	if logger.FilePath() != "" {
		t.Error("file logging should be disabled when the directory cannot be created")
	}
	logger.Info("still works")
	if !strings.Contains(buf.String(), "still works") {
		t.Error("console logging should survive a bad LogDir")
	}
}

func TestLogger_CloseIdempotent(t *testing.T) {
	logger := New(Config{LogDir: t.TempDir(), Quiet: true})

	if err := logger.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := New(Config{Quiet: true}).Close(); err != nil {
		t.Fatalf("Close() without file error = %v", err)
	}
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler_Enabled(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelInfo}),
	}}

	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Info should be enabled when any handler accepts it")
	}
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Debug should be disabled when no handler accepts it")
	}
}

func TestMultiHandler_HandleAndAttrs(t *testing.T) {
	var a, b bytes.Buffer
	var h slog.Handler = &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelWarn}),
		slog.NewTextHandler(&b, nil),
	}}
	h = h.WithAttrs([]slog.Attr{slog.String("k", "v")}).WithGroup("g")

	slog.New(h).Info("info only", "x", 1)

	if a.Len() != 0 {
		t.Errorf("Warn handler should skip Info: %s", a.String())
	}
	if !strings.Contains(b.String(), "k=v") || !strings.Contains(b.String(), "g.x=1") {
		t.Errorf("attrs and group missing: %s", b.String())
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	logger := New(Config{LogDir: t.TempDir(), Quiet: true})
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.With("worker", n).Info("tick")
		}(i)
	}
	wg.Wait()
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~/.tattest/logs", filepath.Join(home, ".tattest/logs")},
		{"~", home},
		{"/var/log", "/var/log"},
		{"relative/path", "relative/path"},
		{"~other/logs", "~other/logs"},
	}

	for _, tt := range tests {
		if got := expandPath(tt.in); got != tt.want {
			t.Errorf("expandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsTerminal_NonFile(t *testing.T) {
	if isTerminal(&bytes.Buffer{}) {
		t.Error("a buffer is never a terminal")
	}
}
