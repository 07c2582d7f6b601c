// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the session service configuration.
//
// Values come from three layers, later ones winning:
//
//  1. Default()
//  2. A YAML file (optional)
//  3. TATTEST_* environment variables
//
// The merged result is checked with validator struct tags before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/tattest/pkg/extensions"
	"github.com/AleutianAI/tattest/pkg/validation"
	"github.com/AleutianAI/tattest/services/tattest/telemetry"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Storage   StorageConfig    `yaml:"storage"`
	Audit     AuditConfig      `yaml:"audit"`
	Sweeper   SweeperConfig    `yaml:"sweeper"`
	Webhook   WebhookConfig    `yaml:"webhook"`
	Clock     ClockConfig      `yaml:"clock"`
	Logging   LoggingConfig    `yaml:"logging"`
	Auth      AuthConfig       `yaml:"auth"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address. Default: ":12310"
	Addr string `yaml:"addr" validate:"required"`

	// GinMode is "debug", "release" or "test". Default: "release"
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// RateLimit is the sustained per-user request rate. 0 disables.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`

	// RateBurst is the per-user burst. Default: 20
	RateBurst int `yaml:"rate_burst" validate:"gte=0"`

	// TimeUpTolerance is how early a time-up report is accepted.
	// Default: 5s
	TimeUpTolerance time.Duration `yaml:"time_up_tolerance" validate:"gte=0"`
}

// StorageConfig configures the embedded database.
type StorageConfig struct {
	// Path is the BadgerDB directory. Default: "~/.tattest/data"
	Path string `yaml:"path" validate:"required_without=InMemory"`

	// InMemory keeps everything in memory. For demos and tests.
	InMemory bool `yaml:"in_memory"`

	GCInterval     time.Duration `yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gte=0,lt=1"`
}

// AuditConfig configures the settlement audit log.
type AuditConfig struct {
	// Path is the hash-chained log file. Empty disables the audit log.
	// Default: "~/.tattest/audit/settlement.log"
	Path string `yaml:"path"`
}

// SweeperConfig configures the background sweeper.
type SweeperConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval" validate:"gte=0"`
	Grace     time.Duration `yaml:"grace" validate:"gte=0"`
	PausedTTL time.Duration `yaml:"paused_ttl" validate:"gte=0"`
	BatchSize int           `yaml:"batch_size" validate:"gte=0"`
}

// WebhookConfig configures completion delivery. Empty URL disables it.
type WebhookConfig struct {
	URL            string        `yaml:"url" validate:"omitempty,url"`
	Workers        int           `yaml:"workers" validate:"gte=0"`
	QueueSize      int           `yaml:"queue_size" validate:"gte=0"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`
	MaxTries       uint          `yaml:"max_tries"`
}

// ClockConfig bounds the server clock.
type ClockConfig struct {
	// MinValid is the earliest plausible wall time (RFC 3339).
	MinValid time.Time `yaml:"min_valid"`

	// MaxForwardJump is the largest forward jump between readings.
	MaxForwardJump time.Duration `yaml:"max_forward_jump" validate:"gte=0"`

	// Disabled turns the sanity check off.
	Disabled bool `yaml:"disabled"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// AuthConfig configures request authentication.
//
// With no tokens every request is "local-user" with the admin role.
type AuthConfig struct {
	Tokens []extensions.StaticToken `yaml:"tokens" validate:"dive"`

	// AdminRoles may grant credits. Default: ["admin"]
	AdminRoles []string `yaml:"admin_roles"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":12310",
			GinMode:         "release",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       10,
			RateBurst:       20,
			TimeUpTolerance: 5 * time.Second,
		},
		Storage: StorageConfig{
			Path:           "~/.tattest/data",
			GCInterval:     5 * time.Minute,
			GCDiscardRatio: 0.5,
		},
		Audit: AuditConfig{
			Path: "~/.tattest/audit/settlement.log",
		},
		Sweeper: SweeperConfig{
			Enabled:   true,
			Interval:  30 * time.Second,
			Grace:     60 * time.Second,
			BatchSize: 100,
		},
		Webhook: WebhookConfig{
			Workers:        2,
			QueueSize:      256,
			RequestTimeout: 10 * time.Second,
			MaxTries:       5,
		},
		Clock: ClockConfig{
			MinValid:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			MaxForwardJump: 2 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Auth: AuthConfig{
			AdminRoles: []string{"admin"},
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, the file at path and the
// environment, then validates it.
//
// # Inputs
//
//   - path: YAML file. Empty skips the file layer. A missing file is an
//     error only when the path was given explicitly.
//
// # Examples
//
//	cfg, err := config.Load(os.Getenv("TATTEST_CONFIG"))
//	if err != nil {
//	    return fmt.Errorf("load config: %w", err)
//	}
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(ExpandPath(path))
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.Storage.Path = ExpandPath(cfg.Storage.Path)
	cfg.Audit.Path = ExpandPath(cfg.Audit.Path)
	cfg.Logging.Dir = ExpandPath(cfg.Logging.Dir)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault writes Default() as YAML to path, creating directories.
// An existing file is left alone and reported with os.ErrExist.
func WriteDefault(path string) error {
	path = ExpandPath(path)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s: %w", path, os.ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and cross-field rules.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Webhook.URL != "" && !strings.HasPrefix(cfg.Webhook.URL, "http") {
		return fmt.Errorf("invalid config: webhook.url must be http or https")
	}
	for i, tok := range cfg.Auth.Tokens {
		if err := validation.ValidateUserID(tok.UserID); err != nil {
			return fmt.Errorf("invalid config: auth.tokens[%d]: %w", i, err)
		}
	}
	return nil
}

// applyEnv overlays TATTEST_* variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.Trim(v, "\"' ")
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("TATTEST_ADDR", &cfg.Server.Addr)
	str("TATTEST_GIN_MODE", &cfg.Server.GinMode)
	str("TATTEST_DATA_DIR", &cfg.Storage.Path)
	boolean("TATTEST_IN_MEMORY", &cfg.Storage.InMemory)
	str("TATTEST_AUDIT_LOG", &cfg.Audit.Path)
	boolean("TATTEST_SWEEPER_ENABLED", &cfg.Sweeper.Enabled)
	duration("TATTEST_SWEEPER_INTERVAL", &cfg.Sweeper.Interval)
	duration("TATTEST_PAUSED_TTL", &cfg.Sweeper.PausedTTL)
	str("TATTEST_WEBHOOK_URL", &cfg.Webhook.URL)
	str("TATTEST_LOG_LEVEL", &cfg.Logging.Level)
	str("TATTEST_LOG_DIR", &cfg.Logging.Dir)
	boolean("TATTEST_LOG_JSON", &cfg.Logging.JSON)
	str("TATTEST_TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("TATTEST_METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("TATTEST_ENV", &cfg.Telemetry.Environment)

	return errors.Join(errs...)
}

// ExpandPath replaces a leading "~" with the home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
