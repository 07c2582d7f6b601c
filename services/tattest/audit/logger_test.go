// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/tattest/services/tattest/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) (Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "settlement.log")
	l, err := NewLogger(path, clock.NewFakeClock(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func TestLogger_RecordChainsHashes(t *testing.T) {
	l, _ := newTestLogger(t)

	first, err := l.Record(OutcomeApplied, Settlement{SessionID: "s1", UserID: "u1", Credits: 100, EntryID: "e1", BalanceAfter: 400})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, GenesisHash, first.PrevHash)
	assert.Len(t, first.EntryHash, 64)

	second, err := l.Record(OutcomeFailed, Settlement{SessionID: "s2", UserID: "u1", Credits: 100, Err: errors.New("store down")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, first.EntryHash, second.PrevHash)
	assert.Equal(t, "store down", second.Error)

	valid, idx, err := l.VerifyChain()
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, int64(-1), idx)
}

func TestLogger_FilePermissions(t *testing.T) {
	_, path := newTestLogger(t)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLogger_ResumesChainAfterReopen(t *testing.T) {
	l, path := newTestLogger(t)
	last, err := l.Record(OutcomeApplied, Settlement{SessionID: "s1", UserID: "u1", Credits: 100})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := NewLogger(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	next, err := reopened.Record(OutcomeApplied, Settlement{SessionID: "s2", UserID: "u1", Credits: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Sequence)
	assert.Equal(t, last.EntryHash, next.PrevHash)

	valid, _, err := VerifyFile(path)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestVerifyFile_DetectsTampering(t *testing.T) {
	l, path := newTestLogger(t)
	for _, sid := range []string{"s1", "s2", "s3"} {
		_, err := l.Record(OutcomeApplied, Settlement{SessionID: sid, UserID: "u1", Credits: 100})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"session_id":"s2"`, `"session_id":"sX"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0600))

	valid, idx, err := VerifyFile(path)
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, int64(1), idx)
}

func TestFailures_ExcludesReconciledSessions(t *testing.T) {
	l, _ := newTestLogger(t)
	boom := errors.New("boom")

	_, err := l.Record(OutcomeFailed, Settlement{SessionID: "s1", UserID: "u1", Credits: 100, Err: boom})
	require.NoError(t, err)
	_, err = l.Record(OutcomeFailed, Settlement{SessionID: "s2", UserID: "u2", Credits: 100, Err: boom})
	require.NoError(t, err)
	_, err = l.Record(OutcomeApplied, Settlement{SessionID: "s1", UserID: "u1", Credits: 100})
	require.NoError(t, err)

	failures, err := l.Failures()
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "s2", failures[0].SessionID)
}

func TestReadRecords_MissingFile(t *testing.T) {
	records, err := ReadRecords(filepath.Join(t.TempDir(), "nope.log"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLogger_RecordAfterClose(t *testing.T) {
	l, _ := newTestLogger(t)
	require.NoError(t, l.Close())

	_, err := l.Record(OutcomeApplied, Settlement{SessionID: "s1"})
	assert.Error(t, err)
	assert.NoError(t, l.Close(), "double close is harmless")
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	rec, err := l.Record(OutcomeFailed, Settlement{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "s1", rec.SessionID)
	valid, _, err := l.VerifyChain()
	require.NoError(t, err)
	assert.True(t, valid)
	f, err := l.Failures()
	require.NoError(t, err)
	assert.Empty(t, f)
	assert.NoError(t, l.Close())
}
