// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger is the append-only credit ledger.
//
// # Key Layout
//
//	ledger/acct/<user>                 -> JSON account {balance, seq}
//	ledger/entry/<user>/<seq:020d>     -> JSON datatypes.BalanceEntry
//	ledger/ref/<session id>            -> entry key of the test_usage entry
//
// Entries are never updated or deleted. The running balance in acct is a
// cache of the fold over a user's entries and is written in the same
// transaction as every entry, so Replay must always agree with Balance.
//
// The ref/ key makes "one test_usage entry per session" a storage rule:
// ChargeOnce reads and writes it in the charging transaction, so a second
// charge for the same session, concurrent or not, fails with
// ErrAlreadyCharged.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/tattest/services/tattest/clock"
	"github.com/AleutianAI/tattest/services/tattest/datatypes"
	tbadger "github.com/AleutianAI/tattest/services/tattest/storage/badger"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var (
	// ErrAlreadyCharged means a test_usage entry already references the session.
	ErrAlreadyCharged = errors.New("session already charged")

	// ErrInvalidAmount means a non-positive credit amount was supplied.
	ErrInvalidAmount = errors.New("credit amount must be positive")

	// ErrLedgerInconsistent means the stored running balance disagrees with
	// the fold over the entries.
	ErrLedgerInconsistent = errors.New("ledger inconsistent")
)

// Ledger records credit movements.
//
// # Description
//
// The session engine only calls HasSufficient, Balance, ChargeOnce and
// EntryForReference. Purchase stands in for the external purchase flow and
// is used by the credits CLI and tests.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Ledger interface {
	// Balance returns the user's current balance. Unknown users have 0.
	Balance(ctx context.Context, userID string) (int64, error)

	// HasSufficient reports whether the balance covers cost.
	HasSufficient(ctx context.Context, userID string, cost int64) (bool, error)

	// ChargeOnce appends the single test_usage entry for sessionID.
	//
	// Returns ErrAlreadyCharged (with the existing entry) if one exists.
	// The balance is not rechecked; it may go negative.
	ChargeOnce(ctx context.Context, userID, sessionID string, cost int64) (datatypes.BalanceEntry, error)

	// Purchase appends a purchase entry of credits.
	Purchase(ctx context.Context, userID string, credits int64, referenceID string) (datatypes.BalanceEntry, error)

	// Entries returns the user's entries in append order. limit > 0 keeps
	// only the most recent limit entries.
	Entries(ctx context.Context, userID string, limit int) ([]datatypes.BalanceEntry, error)

	// EntryForReference returns the test_usage entry for sessionID, if any.
	EntryForReference(ctx context.Context, sessionID string) (datatypes.BalanceEntry, bool, error)

	// Replay folds the user's entries and checks them against the stored
	// running balance. Returns ErrLedgerInconsistent on any mismatch.
	Replay(ctx context.Context, userID string) (int64, error)
}

// account is the per-user running state.
type account struct {
	Balance int64  `json:"balance"`
	Seq     uint64 `json:"seq"`
}

type badgerLedger struct {
	db    *tbadger.DB
	clock clock.Clock
}

// New returns a Ledger stored in db.
//
// # Inputs
//
//   - db: Shared database.
//   - c: Timestamp source for created_at. Nil means clock.SystemClock.
func New(db *tbadger.DB, c clock.Clock) Ledger {
	if c == nil {
		c = clock.SystemClock{}
	}
	return &badgerLedger{db: db, clock: c}
}

func accountKey(userID string) []byte {
	return []byte("ledger/acct/" + userID)
}

func entryPrefix(userID string) []byte {
	return []byte("ledger/entry/" + userID + "/")
}

func entryKey(userID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("ledger/entry/%s/%020d", userID, seq))
}

func refKey(sessionID string) []byte {
	return []byte("ledger/ref/" + sessionID)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, datatypes.ErrStore, err)
}

// Balance returns the cached running balance.
func (l *badgerLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var acct account
	err := l.db.View(ctx, func(txn *badger.Txn) error {
		var err error
		acct, err = readAccount(txn, userID)
		return err
	})
	if err != nil {
		return 0, storeErr("read balance", err)
	}
	return acct.Balance, nil
}

// HasSufficient is a read-only check.
func (l *badgerLedger) HasSufficient(ctx context.Context, userID string, cost int64) (bool, error) {
	bal, err := l.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return bal >= cost, nil
}

// ChargeOnce appends a test_usage entry of -cost referencing sessionID.
//
// # Description
//
// In a single transaction: refuse if ref/<sessionID> exists, append the
// entry at the next sequence, update the account, write the ref key. A
// concurrent ChargeOnce for the same session conflicts on the ref key, is
// retried, and then observes it.
//
// # Outputs
//
//   - datatypes.BalanceEntry: The new entry, or the existing one with ErrAlreadyCharged.
//   - error: ErrInvalidAmount, ErrAlreadyCharged, or ErrStore.
func (l *badgerLedger) ChargeOnce(ctx context.Context, userID, sessionID string, cost int64) (datatypes.BalanceEntry, error) {
	if cost <= 0 {
		return datatypes.BalanceEntry{}, ErrInvalidAmount
	}
	if sessionID == "" {
		return datatypes.BalanceEntry{}, errors.New("charge requires a session id")
	}

	var entry datatypes.BalanceEntry
	err := l.db.Update(ctx, func(txn *badger.Txn) error {
		existing, found, err := readRef(txn, sessionID)
		if err != nil {
			return err
		}
		if found {
			entry = existing
			return ErrAlreadyCharged
		}

		var seq uint64
		entry, seq, err = l.appendLocked(txn, userID, datatypes.TxTestUsage, -cost, sessionID)
		if err != nil {
			return err
		}
		return txn.Set(refKey(sessionID), entryKey(userID, seq))
	})
	switch {
	case err == nil:
		return entry, nil
	case errors.Is(err, ErrAlreadyCharged):
		return entry, fmt.Errorf("session %s: %w", sessionID, ErrAlreadyCharged)
	default:
		return datatypes.BalanceEntry{}, storeErr("charge", err)
	}
}

// Purchase appends a positive purchase entry.
func (l *badgerLedger) Purchase(ctx context.Context, userID string, credits int64, referenceID string) (datatypes.BalanceEntry, error) {
	if credits <= 0 {
		return datatypes.BalanceEntry{}, ErrInvalidAmount
	}
	var entry datatypes.BalanceEntry
	err := l.db.Update(ctx, func(txn *badger.Txn) error {
		var err error
		entry, _, err = l.appendLocked(txn, userID, datatypes.TxPurchase, credits, referenceID)
		return err
	})
	if err != nil {
		return datatypes.BalanceEntry{}, storeErr("purchase", err)
	}
	return entry, nil
}

// appendLocked writes one entry and the updated account inside txn and
// returns the entry with its sequence number.
func (l *badgerLedger) appendLocked(txn *badger.Txn, userID string, typ datatypes.TransactionType, delta int64, ref string) (datatypes.BalanceEntry, uint64, error) {
	acct, err := readAccount(txn, userID)
	if err != nil {
		return datatypes.BalanceEntry{}, 0, err
	}
	acct.Seq++
	acct.Balance += delta

	entry := datatypes.BalanceEntry{
		ID:              uuid.NewString(),
		UserID:          userID,
		TransactionType: typ,
		CreditsChange:   delta,
		BalanceAfter:    acct.Balance,
		ReferenceID:     ref,
		CreatedAt:       l.clock.Now().UTC(),
	}
	data, err := json.Marshal(storedEntry{BalanceEntry: entry, Seq: acct.Seq})
	if err != nil {
		return datatypes.BalanceEntry{}, 0, fmt.Errorf("marshal entry: %w", err)
	}
	acctData, err := json.Marshal(acct)
	if err != nil {
		return datatypes.BalanceEntry{}, 0, fmt.Errorf("marshal account: %w", err)
	}
	if err := txn.Set(entryKey(userID, acct.Seq), data); err != nil {
		return datatypes.BalanceEntry{}, 0, err
	}
	if err := txn.Set(accountKey(userID), acctData); err != nil {
		return datatypes.BalanceEntry{}, 0, err
	}
	return entry, acct.Seq, nil
}

// Entries returns the user's entries oldest first.
func (l *badgerLedger) Entries(ctx context.Context, userID string, limit int) ([]datatypes.BalanceEntry, error) {
	var out []datatypes.BalanceEntry
	err := l.db.View(ctx, func(txn *badger.Txn) error {
		stored, err := readEntries(txn, userID, limit)
		if err != nil {
			return err
		}
		out = make([]datatypes.BalanceEntry, 0, len(stored))
		for _, s := range stored {
			out = append(out, s.BalanceEntry)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("list entries", err)
	}
	return out, nil
}

// EntryForReference resolves the ref index.
func (l *badgerLedger) EntryForReference(ctx context.Context, sessionID string) (datatypes.BalanceEntry, bool, error) {
	var (
		entry datatypes.BalanceEntry
		found bool
	)
	err := l.db.View(ctx, func(txn *badger.Txn) error {
		var err error
		entry, found, err = readRef(txn, sessionID)
		return err
	})
	if err != nil {
		return datatypes.BalanceEntry{}, false, storeErr("read reference", err)
	}
	return entry, found, nil
}

// Replay recomputes the balance from scratch.
//
// # Description
//
// Folds every entry in sequence order, checking that each entry's
// balance_after equals the running sum and that sequence numbers have no
// gaps, then compares the result with the stored account.
func (l *badgerLedger) Replay(ctx context.Context, userID string) (int64, error) {
	var (
		sum  int64
		acct account
	)
	err := l.db.View(ctx, func(txn *badger.Txn) error {
		var err error
		acct, err = readAccount(txn, userID)
		if err != nil {
			return err
		}
		stored, err := readEntries(txn, userID, 0)
		if err != nil {
			return err
		}
		for i, s := range stored {
			if s.Seq != uint64(i+1) {
				return fmt.Errorf("%w: entry %s has seq %d, want %d", ErrLedgerInconsistent, s.ID, s.Seq, i+1)
			}
			sum += s.CreditsChange
			if s.BalanceAfter != sum {
				return fmt.Errorf("%w: entry %s balance_after %d, running sum %d",
					ErrLedgerInconsistent, s.ID, s.BalanceAfter, sum)
			}
		}
		if uint64(len(stored)) != acct.Seq {
			return fmt.Errorf("%w: %d entries, account seq %d", ErrLedgerInconsistent, len(stored), acct.Seq)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLedgerInconsistent) {
			return 0, err
		}
		return 0, storeErr("replay", err)
	}
	if sum != acct.Balance {
		return sum, fmt.Errorf("%w: fold %d, stored balance %d", ErrLedgerInconsistent, sum, acct.Balance)
	}
	return sum, nil
}

// =============================================================================
// Helpers
// =============================================================================

// storedEntry carries the sequence number alongside the public entry shape.
type storedEntry struct {
	datatypes.BalanceEntry
	Seq uint64 `json:"seq"`
}

func readAccount(txn *badger.Txn, userID string) (account, error) {
	var acct account
	item, err := txn.Get(accountKey(userID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return acct, nil
	}
	if err != nil {
		return acct, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &acct)
	})
	return acct, err
}

func readEntry(txn *badger.Txn, key []byte) (storedEntry, error) {
	var s storedEntry
	item, err := txn.Get(key)
	if err != nil {
		return s, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &s)
	})
	return s, err
}

func readRef(txn *badger.Txn, sessionID string) (datatypes.BalanceEntry, bool, error) {
	item, err := txn.Get(refKey(sessionID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.BalanceEntry{}, false, nil
	}
	if err != nil {
		return datatypes.BalanceEntry{}, false, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return datatypes.BalanceEntry{}, false, err
	}
	s, err := readEntry(txn, key)
	if err != nil {
		return datatypes.BalanceEntry{}, false, fmt.Errorf("resolve reference %s: %w", sessionID, err)
	}
	return s.BalanceEntry, true, nil
}

// readEntries returns entries oldest first; limit > 0 keeps the newest limit.
func readEntries(txn *badger.Txn, userID string, limit int) ([]storedEntry, error) {
	prefix := entryPrefix(userID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = limit > 0

	it := txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if opts.Reverse {
		seek = append(append([]byte{}, prefix...), 0xFF)
	}

	var out []storedEntry
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var s storedEntry
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &s)
		})
		if err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		out = append(out, s)
	}
	if opts.Reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}
