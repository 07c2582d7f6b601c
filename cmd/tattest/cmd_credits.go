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
	"fmt"
	"strconv"
	"time"

	"github.com/AleutianAI/tattest/pkg/client"
	"github.com/AleutianAI/tattest/pkg/ux"
	"github.com/spf13/cobra"
)

func newAPIClient() (*client.Client, error) {
	return client.New(client.Config{BaseURL: serverURL, Token: authToken})
}

func runCreditsShow(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	result, err := c.Credits(cmd.Context(), creditsLimit)
	if err != nil {
		return err
	}

	ux.Title("Credits")
	ux.KeyValues(
		"user", result.UserID,
		"balance", strconv.FormatInt(result.Balance, 10),
	)
	if len(result.Entries) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(result.Entries))
	for _, e := range result.Entries {
		rows = append(rows, []string{
			e.CreatedAt.Local().Format(time.DateTime),
			string(e.TransactionType),
			fmt.Sprintf("%+d", e.CreditsChange),
			strconv.FormatInt(e.BalanceAfter, 10),
			e.ReferenceID,
		})
	}
	ux.Table([]string{"when", "type", "change", "balance", "reference"}, rows)
	return nil
}

func runCreditsGrant(cmd *cobra.Command, args []string) error {
	userID := args[0]
	credits, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || credits <= 0 {
		return fmt.Errorf("credits must be a positive integer, got %q", args[1])
	}

	c, err := newAPIClient()
	if err != nil {
		return err
	}
	result, err := c.GrantCredits(cmd.Context(), userID, credits, grantReference)
	if err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("granted %d credits to %s", credits, userID))
	ux.KeyValues(
		"entry", result.Entry.ID,
		"reference", result.Entry.ReferenceID,
		"balance", strconv.FormatInt(result.Balance, 10),
	)
	return nil
}
