// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sessionstore is the durable record of timed sessions.
//
// # Key Layout
//
//	session/<id>                    -> JSON datatypes.Session
//	open/<user>/<exercise>          -> session id while status is active or paused
//	status/<status>/<id>            -> empty, secondary index for sweeps
//
// The open/ key is the storage-level form of "at most one open session per
// (user, exercise)": Create reads and writes it in the same transaction, so
// of two concurrent creates only one commits.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/tattest/services/tattest/datatypes"
	tbadger "github.com/AleutianAI/tattest/services/tattest/storage/badger"
	"github.com/dgraph-io/badger/v4"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Store persists sessions.
//
// # Description
//
// Store is deliberately small: create, read, and a guarded read-modify-write.
// Lifecycle rules live in the lifecycle package; the store only enforces the
// two invariants that must hold even under concurrent callers:
//
//   - Create fails with ErrSessionAlreadyActive if an open session exists.
//   - Update fails with ErrSessionTerminal if the stored session is terminal.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Create persists a new session. s.Status must be open.
	Create(ctx context.Context, s datatypes.Session) error

	// Get loads a session by id. Returns ErrSessionNotFound if missing.
	Get(ctx context.Context, id string) (datatypes.Session, error)

	// FindOpen returns the active or paused session for (userID, exerciseID).
	FindOpen(ctx context.Context, userID, exerciseID string) (datatypes.Session, bool, error)

	// Update applies fn to the stored session and persists the result.
	//
	// fn may be invoked more than once if the transaction conflicts. Indexes
	// are maintained from the status change fn makes.
	Update(ctx context.Context, id string, fn func(s *datatypes.Session) error) (datatypes.Session, error)

	// ListByStatus returns up to limit sessions with the given status.
	ListByStatus(ctx context.Context, status datatypes.Status, limit int) ([]datatypes.Session, error)
}

// =============================================================================
// Badger Implementation
// =============================================================================

type badgerStore struct {
	db *tbadger.DB
}

// New returns a Store backed by db.
func New(db *tbadger.DB) Store {
	return &badgerStore{db: db}
}

func sessionKey(id string) []byte {
	return []byte("session/" + id)
}

func openKey(userID, exerciseID string) []byte {
	return []byte(fmt.Sprintf("open/%s/%s", userID, exerciseID))
}

func statusKey(status datatypes.Status, id string) []byte {
	return []byte(fmt.Sprintf("status/%s/%s", status, id))
}

func statusPrefix(status datatypes.Status) []byte {
	return []byte(fmt.Sprintf("status/%s/", status))
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, datatypes.ErrStore, err)
}

// Create persists a new open session and claims its open slot.
//
// # Outputs
//
//   - error: ErrSessionAlreadyActive if the slot is taken, including when a
//     concurrent Create committed first; ErrStore on storage failure.
func (b *badgerStore) Create(ctx context.Context, s datatypes.Session) error {
	if !s.Status.IsOpen() {
		return fmt.Errorf("create session %s: status %q is not open", s.ID, s.Status)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	err = b.db.DB.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(openKey(s.UserID, s.ExerciseID))
		if err == nil {
			return datatypes.ErrSessionAlreadyActive
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(openKey(s.UserID, s.ExerciseID), []byte(s.ID)); err != nil {
			return err
		}
		if err := txn.Set(statusKey(s.Status, s.ID), nil); err != nil {
			return err
		}
		return txn.Set(sessionKey(s.ID), data)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, datatypes.ErrSessionAlreadyActive):
		return err
	case errors.Is(err, badger.ErrConflict):
		// Another Create for the same slot committed between our read and commit.
		return fmt.Errorf("create session %s: %w", s.ID, datatypes.ErrSessionAlreadyActive)
	default:
		return storeErr("create session", err)
	}
}

// Get loads a session by id.
func (b *badgerStore) Get(ctx context.Context, id string) (datatypes.Session, error) {
	var s datatypes.Session
	err := b.db.View(ctx, func(txn *badger.Txn) error {
		var err error
		s, err = readSession(txn, id)
		return err
	})
	if err != nil {
		if errors.Is(err, datatypes.ErrSessionNotFound) {
			return datatypes.Session{}, err
		}
		return datatypes.Session{}, storeErr("get session", err)
	}
	return s, nil
}

// FindOpen resolves the open slot for (userID, exerciseID).
func (b *badgerStore) FindOpen(ctx context.Context, userID, exerciseID string) (datatypes.Session, bool, error) {
	var (
		s     datatypes.Session
		found bool
	)
	err := b.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(openKey(userID, exerciseID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		s, err = readSession(txn, string(id))
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return datatypes.Session{}, false, storeErr("find open session", err)
	}
	return s, found, nil
}

// Update performs a guarded read-modify-write of one session.
//
// # Description
//
// Loads the session, refuses if it is already terminal, applies fn, then
// writes the session and keeps the open/ and status/ indexes in step with
// the new status. Leaving an open status releases the open slot.
//
// # Outputs
//
//   - datatypes.Session: The stored session after the update.
//   - error: ErrSessionNotFound, ErrSessionTerminal, fn's error, or ErrStore.
func (b *badgerStore) Update(ctx context.Context, id string, fn func(s *datatypes.Session) error) (datatypes.Session, error) {
	var updated datatypes.Session
	err := b.db.Update(ctx, func(txn *badger.Txn) error {
		current, err := readSession(txn, id)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return fmt.Errorf("session %s is %s: %w", id, current.Status, datatypes.ErrSessionTerminal)
		}

		next := current.Clone()
		if err := fn(&next); err != nil {
			return err
		}
		if !next.Status.Valid() {
			return fmt.Errorf("invalid status %q", next.Status)
		}
		// Identity and start time are immutable.
		next.ID, next.UserID, next.ExerciseID = current.ID, current.UserID, current.ExerciseID
		next.StartedAt = current.StartedAt

		if next.Status != current.Status {
			if err := txn.Delete(statusKey(current.Status, id)); err != nil {
				return err
			}
			if err := txn.Set(statusKey(next.Status, id), nil); err != nil {
				return err
			}
			if !next.Status.IsOpen() {
				if err := txn.Delete(openKey(current.UserID, current.ExerciseID)); err != nil {
					return err
				}
			}
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		if err := txn.Set(sessionKey(id), data); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		if isDomainError(err) {
			return datatypes.Session{}, err
		}
		return datatypes.Session{}, storeErr("update session", err)
	}
	return updated, nil
}

// ListByStatus scans the status index.
func (b *badgerStore) ListByStatus(ctx context.Context, status datatypes.Status, limit int) ([]datatypes.Session, error) {
	var out []datatypes.Session
	err := b.db.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := statusPrefix(status)
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			id := string(it.Item().Key()[len(prefix):])
			s, err := readSession(txn, id)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	return out, nil
}

func readSession(txn *badger.Txn, id string) (datatypes.Session, error) {
	item, err := txn.Get(sessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.Session{}, fmt.Errorf("session %s: %w", id, datatypes.ErrSessionNotFound)
	}
	if err != nil {
		return datatypes.Session{}, err
	}
	var s datatypes.Session
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &s)
	})
	if err != nil {
		return datatypes.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return s, nil
}

// isDomainError reports whether err is a lifecycle error that must reach the
// caller unwrapped by ErrStore.
func isDomainError(err error) bool {
	for _, target := range []error{
		datatypes.ErrSessionNotFound,
		datatypes.ErrSessionTerminal,
		datatypes.ErrSessionNotActive,
		datatypes.ErrSessionNotResumable,
		datatypes.ErrTimeExpired,
		datatypes.ErrTimeRemaining,
		datatypes.ErrEmptySubmission,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
