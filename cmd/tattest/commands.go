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
	"os"
	"time"

	"github.com/AleutianAI/tattest/pkg/ux"
	"github.com/spf13/cobra"
)

// Global flags.
var (
	configPath  string
	outputLevel string
	serverURL   string
	authToken   string
)

// Command-specific flags.
var (
	serveAddr      string
	grantReference string
	creditsLimit   int
	restoreYes     bool
	gcsKeyPath     string
	practiceTick   time.Duration
	practiceResync time.Duration
)

var (
	rootCmd = &cobra.Command{
		Use:   "tattest",
		Short: "Timed picture-story writing sessions with credit settlement",
		Long: `tattest runs the session service for timed story-writing exercises:
a six-minute countdown owned by the server, save-and-exit, and exactly-once
credit settlement on completion.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if outputLevel != "" {
				ux.SetLevel(ux.ParseLevel(outputLevel))
			} else {
				ux.InitLevel()
			}
		},
	}

	// --- Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the session service",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	// --- Configuration ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the service configuration file",
	}
	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE:  runConfigInit, // Defined in cmd_config.go
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (file, then environment)",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow, // Defined in cmd_config.go
	}

	// --- Credits (remote) ---
	creditsCmd = &cobra.Command{
		Use:   "credits",
		Short: "Inspect and grant credits through a running server",
	}
	creditsShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Show the balance and recent ledger entries of the --token user",
		Args:  cobra.NoArgs,
		RunE:  runCreditsShow, // Defined in cmd_credits.go
	}
	creditsGrantCmd = &cobra.Command{
		Use:   "grant [user_id] [credits]",
		Short: "Grant credits to a user (admin token required)",
		Args:  cobra.ExactArgs(2),
		RunE:  runCreditsGrant, // Defined in cmd_credits.go
	}

	// --- Ledger (offline) ---
	ledgerCmd = &cobra.Command{
		Use:   "ledger",
		Short: "Offline ledger maintenance; the server must be stopped",
	}
	ledgerCheckCmd = &cobra.Command{
		Use:   "check [user_id...]",
		Short: "Replay each user's entries and compare with the stored balance",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runLedgerCheck, // Defined in cmd_store.go
	}

	// --- Backup (offline) ---
	backupCmd = &cobra.Command{
		Use:   "backup [file | gs://bucket/object]",
		Short: "Write a full database backup; the server must be stopped",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackup, // Defined in cmd_store.go
	}
	restoreCmd = &cobra.Command{
		Use:   "restore [file | gs://bucket/object]",
		Short: "Load a database backup; the server must be stopped",
		Args:  cobra.ExactArgs(1),
		RunE:  runRestore, // Defined in cmd_store.go
	}

	// --- Audit ---
	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Inspect the settlement audit log",
	}
	auditVerifyCmd = &cobra.Command{
		Use:   "verify [path]",
		Short: "Verify the hash chain of the audit log",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runAuditVerify, // Defined in cmd_audit.go
	}
	auditFailuresCmd = &cobra.Command{
		Use:   "failures [path]",
		Short: "List completed sessions whose charge failed and was never applied",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runAuditFailures, // Defined in cmd_audit.go
	}

	// --- Practice ---
	practiceCmd = &cobra.Command{
		Use:   "practice [exercise_id]",
		Short: "Write a timed story in the terminal against a running server",
		Args:  cobra.ExactArgs(1),
		RunE:  runPractice, // Defined in cmd_practice.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("TATTEST_CONFIG"),
		"path to the YAML configuration file (default: "+defaultConfigPath+" if present)")
	rootCmd.PersistentFlags().StringVar(&outputLevel, "output", "",
		"output style: rich, minimal or machine (default: detect)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("TATTEST_SERVER", "http://localhost:12310"),
		"base URL of a running server")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("TATTEST_TOKEN"),
		"bearer token for the server")

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")

	creditsShowCmd.Flags().IntVar(&creditsLimit, "limit", 20, "number of recent entries to show")
	creditsGrantCmd.Flags().StringVar(&grantReference, "reference", "", "purchase reference (default: grant:<admin>)")

	backupCmd.Flags().StringVar(&gcsKeyPath, "gcs-key", os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		"service account key for gs:// destinations")
	restoreCmd.Flags().StringVar(&gcsKeyPath, "gcs-key", os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		"service account key for gs:// sources")
	restoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "do not ask for confirmation")

	practiceCmd.Flags().DurationVar(&practiceTick, "tick", defaultPracticeTick, "local countdown tick")
	practiceCmd.Flags().DurationVar(&practiceResync, "resync", defaultPracticeResync, "server resync interval")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	creditsCmd.AddCommand(creditsShowCmd, creditsGrantCmd)
	ledgerCmd.AddCommand(ledgerCheckCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditFailuresCmd)

	rootCmd.AddCommand(serveCmd, configCmd, creditsCmd, ledgerCmd, backupCmd, restoreCmd, auditCmd, practiceCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
