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
	"errors"
	"fmt"
	"strconv"

	"github.com/AleutianAI/tattest/pkg/ux"
	"github.com/AleutianAI/tattest/services/tattest/audit"
	"github.com/spf13/cobra"
)

// ErrAuditChainBroken is returned by "audit verify" for a tampered log.
var ErrAuditChainBroken = errors.New("audit chain broken")

func auditPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Audit.Path == "" {
		return "", errors.New("audit log is disabled (audit.path is empty); pass a path")
	}
	return cfg.Audit.Path, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	records, err := audit.ReadRecords(path)
	if err != nil {
		return err
	}
	valid, breakIndex, err := audit.VerifyFile(path)
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("%w at record %d of %s", ErrAuditChainBroken, breakIndex, path)
	}
	ux.Success(fmt.Sprintf("audit chain intact: %d records in %s", len(records), path))
	return nil
}

func runAuditFailures(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	failures, err := audit.FailuresFromFile(path)
	if err != nil {
		return err
	}
	if len(failures) == 0 {
		ux.Success("no unreconciled charge failures")
		return nil
	}

	ux.Warning(fmt.Sprintf("%d completed sessions were never charged", len(failures)))
	rows := make([][]string, 0, len(failures))
	for _, r := range failures {
		rows = append(rows, []string{
			r.Timestamp,
			r.SessionID,
			r.UserID,
			strconv.FormatInt(r.Credits, 10),
			r.Error,
		})
	}
	ux.Table([]string{"when", "session", "user", "credits", "error"}, rows)
	return nil
}
