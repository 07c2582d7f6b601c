// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/AleutianAI/tattest/cmd/tattest/gcs"
	"github.com/AleutianAI/tattest/pkg/ux"
	"github.com/AleutianAI/tattest/services/tattest/ledger"
	tbadger "github.com/AleutianAI/tattest/services/tattest/storage/badger"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

// ErrRestoreDeclined is returned when the restore confirmation is refused.
var ErrRestoreDeclined = errors.New("restore cancelled")

// openOfflineDB opens the configured database for maintenance. BadgerDB
// holds a directory lock, so this fails while the server is running.
func openOfflineDB() (*tbadger.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.InMemory {
		return nil, errors.New("storage.in_memory is set; there is no database on disk")
	}
	dbCfg := tbadger.DefaultConfig()
	dbCfg.Path = cfg.Storage.Path
	dbCfg.GCInterval = 0
	db, err := tbadger.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open %s (is the server still running?): %w", cfg.Storage.Path, err)
	}
	return db, nil
}

// =============================================================================
// Backup / Restore
// =============================================================================

func runBackup(cmd *cobra.Command, args []string) error {
	db, err := openOfflineDB()
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := backupTo(cmd.Context(), db, args[0])
	if err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("backed up %s to %s", formatBytes(n), args[0]))
	return nil
}

// backupTo writes a full backup of db to a file or gs:// location and
// returns the number of bytes written.
func backupTo(ctx context.Context, db *tbadger.DB, dest string) (int64, error) {
	bucket, object, err := gcs.ParseURL(dest)
	if errors.Is(err, gcs.ErrNotGCSURL) {
		return backupToFile(ctx, db, dest)
	}
	if err != nil {
		return 0, err
	}

	client, err := gcs.NewClient(ctx, bucket, gcsKeyPath)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	pr, pw := io.Pipe()
	counter := &countingWriter{w: pw}
	go func() {
		_, err := db.Backup(ctx, counter)
		pw.CloseWithError(err)
	}()
	if err := client.Upload(ctx, pr, object); err != nil {
		_ = pr.CloseWithError(err)
		return 0, err
	}
	return counter.n, nil
}

func backupToFile(ctx context.Context, db *tbadger.DB, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return 0, fmt.Errorf("create backup directory: %w", err)
	}
	tmp := path + ".partial"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("create backup file: %w", err)
	}
	counter := &countingWriter{w: f}
	if _, err := db.Backup(ctx, counter); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("backup: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("sync backup file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close backup file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("finalize backup file: %w", err)
	}
	return counter.n, nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	if !restoreYes {
		if !ux.IsInteractive() {
			return errors.New("restore overwrites live data; pass --yes to confirm")
		}
		confirmed := false
		err := huh.NewConfirm().
			Title("Restore " + args[0] + "?").
			Description("Keys in the backup overwrite the current sessions and ledger.").
			Affirmative("Restore").
			Negative("Cancel").
			Value(&confirmed).
			Run()
		if err != nil {
			return err
		}
		if !confirmed {
			return ErrRestoreDeclined
		}
	}

	db, err := openOfflineDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := restoreFrom(cmd.Context(), db, args[0]); err != nil {
		return err
	}
	ux.Success("restored " + args[0])
	return nil
}

// restoreFrom loads a backup from a file or gs:// location into db.
func restoreFrom(ctx context.Context, db *tbadger.DB, src string) error {
	bucket, object, err := gcs.ParseURL(src)
	if errors.Is(err, gcs.ErrNotGCSURL) {
		f, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("open backup: %w", err)
		}
		defer f.Close()
		return db.Restore(f)
	}
	if err != nil {
		return err
	}

	client, err := gcs.NewClient(ctx, bucket, gcsKeyPath)
	if err != nil {
		return err
	}
	defer client.Close()

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(client.Download(ctx, object, pw))
	}()
	if err := db.Restore(pr); err != nil {
		_ = pr.CloseWithError(err)
		return err
	}
	return nil
}

// =============================================================================
// Ledger
// =============================================================================

func runLedgerCheck(cmd *cobra.Command, args []string) error {
	db, err := openOfflineDB()
	if err != nil {
		return err
	}
	defer db.Close()

	bad, err := checkLedgers(cmd.Context(), ledger.New(db, nil), args)
	if err != nil {
		return err
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d ledgers inconsistent", bad, len(args))
	}
	return nil
}

// checkLedgers replays each user's ledger and prints a row per user.
// Inconsistent ledgers are counted; other errors abort.
func checkLedgers(ctx context.Context, l ledger.Ledger, users []string) (int, error) {
	bad := 0
	rows := make([][]string, 0, len(users))
	for _, userID := range users {
		balance, err := l.Replay(ctx, userID)
		switch {
		case err == nil:
			rows = append(rows, []string{userID, strconv.FormatInt(balance, 10), "ok"})
		case errors.Is(err, ledger.ErrLedgerInconsistent):
			bad++
			rows = append(rows, []string{userID, "-", err.Error()})
		default:
			return bad, fmt.Errorf("replay %s: %w", userID, err)
		}
	}
	ux.Table([]string{"user", "balance", "status"}, rows)
	return bad, nil
}

// =============================================================================
// Helpers
// =============================================================================

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
