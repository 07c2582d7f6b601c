// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// TransactionType is the business reason for a ledger movement.
type TransactionType string

const (
	// TxPurchase is appended by the external credit purchase flow.
	TxPurchase TransactionType = "purchase"

	// TxTestUsage is the one deduction per completed, valid session.
	TxTestUsage TransactionType = "test_usage"
)

// BalanceEntry is one append-only ledger movement.
//
// # Description
//
// BalanceAfter is the running balance once this entry is applied. Folding
// CreditsChange over a user's entries in CreatedAt order reproduces the
// BalanceAfter of the last entry.
//
// ReferenceID holds the session id for test_usage entries. At most one
// test_usage entry exists per ReferenceID.
type BalanceEntry struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	TransactionType TransactionType `json:"transaction_type"`
	CreditsChange   int64           `json:"credits_change"`
	BalanceAfter    int64           `json:"balance_after"`
	ReferenceID     string          `json:"reference_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
