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
	"os"

	"github.com/AleutianAI/tattest/pkg/ux"
	"github.com/AleutianAI/tattest/services/tattest/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "~/.tattest/config.yaml"

// loadConfig loads --config, or the default file when it exists, or the
// built-in defaults. The environment applies in every case.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(config.ExpandPath(defaultConfigPath)); err == nil {
			path = defaultConfigPath
		}
	}
	return config.Load(path)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = defaultConfigPath
	}
	if err := config.WriteDefault(path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists; edit it or pass --config", config.ExpandPath(path))
		}
		return err
	}
	ux.Success("wrote " + config.ExpandPath(path))
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	for i := range cfg.Auth.Tokens {
		cfg.Auth.Tokens[i].Token = redact(cfg.Auth.Tokens[i].Token)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// redact keeps the first four characters of a secret.
func redact(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + "****"
}
