// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the embedded BadgerDB that backs the
// session store and the credit ledger.
//
// Both stores share one database and rely on BadgerDB's serializable
// transactions: uniqueness rules (one open session per user and exercise,
// one usage charge per session) are enforced as index keys read and written
// in the same transaction, and concurrent writers lose with ErrConflict.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrTxnConflict is returned when a read-write transaction kept losing to
// concurrent writers after all retries.
var ErrTxnConflict = errors.New("transaction conflict")

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Used by tests.
	InMemory bool

	// SyncWrites enables synchronous writes. Session transitions and ledger
	// entries must survive a crash, so production keeps this on.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64

	// ConflictRetries is how many times Update retries on ErrConflict.
	ConflictRetries int
}

// DefaultConfig returns production defaults.
//
// Description:
//
//	SyncWrites on, 5-minute GC at a 0.5 discard ratio, 5 conflict retries.
//
// Outputs:
//
//	Config - Path still has to be set by the caller.
func DefaultConfig() Config {
	return Config{
		SyncWrites:      true,
		GCInterval:      5 * time.Minute,
		GCDiscardRatio:  0.5,
		ConflictRetries: 5,
	}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory:        true,
		ConflictRetries: 5,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

// DB wraps a BadgerDB instance with lifecycle management.
//
// Thread Safety: Safe for concurrent use.
type DB struct {
	*badger.DB
	gcRunner *GCRunner
	path     string
	inMemory bool
	retries  int
}

// Open opens a BadgerDB with full lifecycle management.
//
// Description:
//
//	Opens the database at cfg.Path (created if missing) or in memory, and
//	starts a GC runner when GCInterval is set on a persistent database.
//
// Inputs:
//
//	cfg - Database configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*DB - The managed database. Call Close() when done.
//	error - Non-nil if the path is invalid or the database cannot be opened.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	raw, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	db := &DB{
		DB:       raw,
		path:     cfg.Path,
		inMemory: cfg.InMemory,
		retries:  cfg.ConflictRetries,
	}
	if db.retries <= 0 {
		db.retries = 1
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(raw, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		db.gcRunner = runner
		runner.Start()
	}

	return db, nil
}

// OpenInMemory opens an in-memory database for tests.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

// Close stops garbage collection and closes the database.
func (d *DB) Close() error {
	if d.gcRunner != nil {
		d.gcRunner.Stop()
	}
	return d.DB.Close()
}

// Path returns the database path, or empty string for in-memory databases.
func (d *DB) Path() string {
	return d.path
}

// InMemory returns true if this is an in-memory database.
func (d *DB) InMemory() bool {
	return d.inMemory
}

// Update runs fn in a read-write transaction and commits it.
//
// Description:
//
//	On badger.ErrConflict the whole function is re-run in a fresh
//	transaction, up to the configured retry count. fn must therefore be
//	free of side effects outside the transaction. Errors returned by fn are
//	never retried.
//
// Inputs:
//
//	ctx - Checked before every attempt.
//	fn - Transaction body.
//
// Outputs:
//
//	error - fn's error, ErrTxnConflict after exhausting retries, or a commit error.
func (d *DB) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var lastErr error
	for attempt := 0; attempt < d.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}

		err := d.DB.Update(fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrTxnConflict, lastErr)
}

// View runs fn in a read-only transaction.
func (d *DB) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return d.DB.View(fn)
}

// Backup streams a full backup of the database to w.
//
// Description:
//
//	Writes BadgerDB's protobuf backup format, restorable with Restore.
//
// Outputs:
//
//	uint64 - The version to pass as since for an incremental backup.
//	error - Non-nil if the stream fails.
func (d *DB) Backup(ctx context.Context, w io.Writer) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context cancelled: %w", err)
	}
	since, err := d.DB.Backup(w, 0)
	if err != nil {
		return 0, fmt.Errorf("badger backup: %w", err)
	}
	return since, nil
}

// Restore loads a backup produced by Backup into an empty database.
func (d *DB) Restore(r io.Reader) error {
	if err := d.DB.Load(r, 256); err != nil {
		return fmt.Errorf("badger restore: %w", err)
	}
	return nil
}

// =============================================================================
// Garbage Collection
// =============================================================================

// GCRunner runs periodic value log garbage collection.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

// NewGCRunner creates a garbage collection runner.
//
// Description:
//
//	The runner is not started until Start() is called.
//
// Outputs:
//
//	*GCRunner - The runner.
//	error - Non-nil if db is nil, interval is not positive, or ratio is outside [0,1].
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio < 0 || ratio > 1 {
		return nil, errors.New("ratio must be between 0 and 1")
	}

	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}, nil
}

// Start begins periodic garbage collection in a goroutine.
func (r *GCRunner) Start() {
	go r.run()
}

// Stop halts garbage collection and waits for the goroutine to exit.
func (r *GCRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *GCRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *GCRunner) runGC() {
	err := r.db.RunValueLogGC(r.ratio)
	if err == nil {
		if r.logger != nil {
			r.logger.Debug("badger value log GC completed")
		}
		return
	}
	// ErrNoRewrite means nothing needed collecting.
	if !errors.Is(err, badger.ErrNoRewrite) && r.logger != nil {
		r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
	}
}
