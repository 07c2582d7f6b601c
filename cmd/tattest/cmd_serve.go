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
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/tattest/pkg/logging"
	"github.com/AleutianAI/tattest/services/tattest"
	"github.com/AleutianAI/tattest/services/tattest/config"
	"github.com/spf13/cobra"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger, err := newServiceLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.SetAsDefault()

	svc, err := tattest.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("tattest service starting",
		"addr", cfg.Server.Addr,
		"storage", cfg.Storage.Path,
		"in_memory", cfg.Storage.InMemory,
		"sweeper", cfg.Sweeper.Enabled,
		"auth_tokens", len(cfg.Auth.Tokens),
	)
	return svc.Run(ctx)
}

func newServiceLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level := logging.LevelInfo
	if cfg.Level != "" {
		parsed, err := logging.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		level = parsed
	}
	return logging.New(logging.Config{
		Level:    level,
		LogDir:   cfg.Dir,
		Service:  "tattest",
		JSON:     cfg.JSON,
		AutoJSON: true,
	}), nil
}
