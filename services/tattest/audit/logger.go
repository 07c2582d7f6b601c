// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit keeps the settlement audit log.
//
// Every attempt to charge a completed session is appended to a JSON-lines
// file as a hash-chained record. A charge that failed after a valid
// completion leaves the session completed but unpaid; the log is how those
// sessions are found and reconciled later.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/tattest/services/tattest/clock"
)

// GenesisHash is the prev_hash of the first record in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// logFileMode restricts the audit file to its owner.
const logFileMode = 0600

// Outcome is the result of one charge attempt.
type Outcome string

const (
	// OutcomeApplied: a test_usage entry was written.
	OutcomeApplied Outcome = "charge_applied"

	// OutcomeFailed: the ledger write failed; the session needs reconciliation.
	OutcomeFailed Outcome = "charge_failed"

	// OutcomeDuplicate: the ledger already held a charge for the session.
	OutcomeDuplicate Outcome = "charge_duplicate"
)

// Settlement describes a charge attempt to be recorded.
type Settlement struct {
	SessionID    string
	UserID       string
	Credits      int64
	EntryID      string
	BalanceAfter int64
	Err          error
}

// Record is one line of the audit file.
type Record struct {
	Sequence     int64   `json:"sequence"`
	Timestamp    string  `json:"timestamp"`
	Outcome      Outcome `json:"outcome"`
	SessionID    string  `json:"session_id"`
	UserID       string  `json:"user_id"`
	Credits      int64   `json:"credits"`
	EntryID      string  `json:"entry_id,omitempty"`
	BalanceAfter int64   `json:"balance_after"`
	Error        string  `json:"error,omitempty"`
	PrevHash     string  `json:"prev_hash"`
	EntryHash    string  `json:"entry_hash"`
}

// Logger appends settlement records.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Logger interface {
	// Record appends one record and advances the chain.
	Record(outcome Outcome, s Settlement) (Record, error)

	// VerifyChain re-hashes the whole file.
	//
	// Returns valid=false and the zero-based index of the first bad record
	// when the chain is broken.
	VerifyChain() (valid bool, breakIndex int64, err error)

	// Failures returns failed charges not followed by an applied or
	// duplicate record for the same session.
	Failures() ([]Record, error)

	// Close closes the file.
	Close() error
}

// =============================================================================
// File Logger
// =============================================================================

type fileLogger struct {
	file     *os.File
	path     string
	clock    clock.Clock
	mu       sync.Mutex
	sequence int64
	prevHash string
}

// NewLogger opens (or creates) the audit file at path and resumes its chain.
//
// # Inputs
//
//   - path: Audit file. Parent directories are created.
//   - c: Timestamp source. Nil means clock.SystemClock.
//
// # Outputs
//
//   - Logger: Ready to append.
//   - error: Non-nil if the file cannot be opened or read.
//
// # Limitations
//
//   - Rotation is external; verifying across rotated files needs all parts.
func NewLogger(path string, c clock.Clock) (Logger, error) {
	if c == nil {
		c = clock.SystemClock{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, logFileMode)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	l := &fileLogger{
		file:     file,
		path:     path,
		clock:    c,
		prevHash: GenesisHash,
	}
	records, err := ReadRecords(path)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("initialize chain state: %w", err)
	}
	if n := len(records); n > 0 {
		l.sequence = records[n-1].Sequence
		l.prevHash = records[n-1].EntryHash
	}

	slog.Info("settlement audit log initialized",
		"log_path", path,
		"starting_sequence", l.sequence,
	)
	return l, nil
}

// Record appends a settlement record.
func (l *fileLogger) Record(outcome Outcome, s Settlement) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return Record{}, errors.New("audit log is closed")
	}

	rec := Record{
		Sequence:     l.sequence + 1,
		Timestamp:    l.clock.Now().UTC().Format(time.RFC3339Nano),
		Outcome:      outcome,
		SessionID:    s.SessionID,
		UserID:       s.UserID,
		Credits:      s.Credits,
		EntryID:      s.EntryID,
		BalanceAfter: s.BalanceAfter,
		PrevHash:     l.prevHash,
	}
	if s.Err != nil {
		rec.Error = s.Err.Error()
	}
	rec.EntryHash = computeRecordHash(rec)

	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal audit record: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return Record{}, fmt.Errorf("write audit record: %w", err)
	}

	l.sequence = rec.Sequence
	l.prevHash = rec.EntryHash
	return rec, nil
}

// VerifyChain checks the file this logger writes.
func (l *fileLogger) VerifyChain() (bool, int64, error) {
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()
	return VerifyFile(path)
}

// Failures lists unreconciled failed charges.
func (l *fileLogger) Failures() ([]Record, error) {
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()
	return FailuresFromFile(path)
}

// Path returns the audit file location.
func (l *fileLogger) Path() string {
	return l.path
}

// Close closes the audit file. Further Record calls fail.
func (l *fileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	return nil
}

// =============================================================================
// File Readers
// =============================================================================

// ReadRecords parses every record in the file at path.
//
// A missing file yields no records. Lines that are not records are skipped.
func ReadRecords(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var out []Record
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Sequence == 0 {
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return out, nil
}

// VerifyFile verifies the hash chain of the file at path.
func VerifyFile(path string) (valid bool, breakIndex int64, err error) {
	records, err := ReadRecords(path)
	if err != nil {
		return false, -1, err
	}
	prev := GenesisHash
	for i, rec := range records {
		if rec.PrevHash != prev || computeRecordHash(rec) != rec.EntryHash {
			return false, int64(i), nil
		}
		prev = rec.EntryHash
	}
	return true, -1, nil
}

// FailuresFromFile returns charge_failed records whose session has no
// later applied or duplicate record.
func FailuresFromFile(path string) ([]Record, error) {
	records, err := ReadRecords(path)
	if err != nil {
		return nil, err
	}
	pending := make(map[string]Record)
	var order []string
	for _, rec := range records {
		switch rec.Outcome {
		case OutcomeFailed:
			if _, seen := pending[rec.SessionID]; !seen {
				order = append(order, rec.SessionID)
			}
			pending[rec.SessionID] = rec
		case OutcomeApplied, OutcomeDuplicate:
			delete(pending, rec.SessionID)
		}
	}
	out := make([]Record, 0, len(pending))
	for _, id := range order {
		if rec, ok := pending[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func computeRecordHash(rec Record) string {
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%d|%s|%d|%s|%s",
		rec.Sequence,
		rec.Timestamp,
		rec.Outcome,
		rec.SessionID,
		rec.UserID,
		rec.Credits,
		rec.EntryID,
		rec.BalanceAfter,
		rec.Error,
		rec.PrevHash,
	)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// No-op Logger
// =============================================================================

type nopLogger struct{}

// NewNopLogger returns a Logger that records nothing.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Record(outcome Outcome, s Settlement) (Record, error) {
	return Record{Outcome: outcome, SessionID: s.SessionID, UserID: s.UserID, Credits: s.Credits}, nil
}
func (nopLogger) VerifyChain() (bool, int64, error) { return true, -1, nil }
func (nopLogger) Failures() ([]Record, error)       { return nil, nil }
func (nopLogger) Close() error                      { return nil }
