// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tattest assembles the session lifecycle service.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────┐
//	│ HTTP (gin + otelgin)                                         │
//	│   AuthMiddleware → RateLimit → handlers                      │
//	└──────────────────────────────┬───────────────────────────────┘
//	                               │
//	                 ┌─────────────▼─────────────┐      ┌──────────┐
//	                 │ lifecycle.Engine          │◄─────┤ sweeper  │
//	                 └──┬──────────┬──────────┬──┘      └──────────┘
//	                    │          │          │
//	         ┌──────────▼─┐  ┌─────▼────┐  ┌──▼──────────────┐
//	         │sessionstore│  │ ledger   │  │ audit, dispatch │
//	         └──────────┬─┘  └─────┬────┘  └─────────────────┘
//	                    └────┬─────┘
//	                    ┌────▼────┐
//	                    │ BadgerDB│
//	                    └─────────┘
//
// # Usage
//
//	cfg, err := config.Load(path)
//	svc, err := tattest.New(cfg, nil)
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	err = svc.Run(ctx)
package tattest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/tattest/pkg/extensions"
	"github.com/AleutianAI/tattest/services/tattest/audit"
	"github.com/AleutianAI/tattest/services/tattest/clock"
	"github.com/AleutianAI/tattest/services/tattest/config"
	"github.com/AleutianAI/tattest/services/tattest/dispatch"
	"github.com/AleutianAI/tattest/services/tattest/handlers"
	"github.com/AleutianAI/tattest/services/tattest/ledger"
	"github.com/AleutianAI/tattest/services/tattest/lifecycle"
	"github.com/AleutianAI/tattest/services/tattest/middleware"
	"github.com/AleutianAI/tattest/services/tattest/observability"
	"github.com/AleutianAI/tattest/services/tattest/routes"
	"github.com/AleutianAI/tattest/services/tattest/sessionstore"
	tbadger "github.com/AleutianAI/tattest/services/tattest/storage/badger"
	"github.com/AleutianAI/tattest/services/tattest/sweeper"
	"github.com/AleutianAI/tattest/services/tattest/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the assembled session service.
//
// # Thread Safety
//
// Run should be called at most once. Close is safe to call more than once
// and from any goroutine.
type Service interface {
	// Run serves HTTP and runs the sweeper until ctx is cancelled or the
	// listener fails, then shuts down gracefully and releases resources.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine for testing.
	Router() *gin.Engine

	// Engine returns the session engine.
	Engine() *lifecycle.Engine

	// Close releases resources without serving. Run calls it on return.
	Close() error
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config   config.Config
	opts     extensions.ServiceOptions
	logger   *slog.Logger
	registry prometheus.Registerer
	gatherer prometheus.Gatherer

	db         *tbadger.DB
	audit      audit.Logger
	dispatcher dispatch.Dispatcher
	metrics    *observability.LifecycleMetrics
	engine     *lifecycle.Engine
	sweeper    sweeper.Sweeper
	router     *gin.Engine

	telemetryShutdown func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// New builds the service from cfg.
//
// # Description
//
// Opens the database, the audit log and the dispatcher, initialises
// telemetry and metrics, and registers the routes. Zero-valued fields of
// cfg take the values from config.Default(). On error everything opened so
// far is released.
//
// # Inputs
//
//   - cfg: Service configuration, usually from config.Load.
//   - opts: Extension points. Nil providers are built from cfg.Auth: static
//     tokens when configured, otherwise NopAuthProvider, and a role check
//     that limits credit grants to cfg.Auth.AdminRoles.
//
// # Limitations
//
//   - Metrics register on cfg.Telemetry.Registerer (default registry when
//     nil). Creating two services on the default registry panics.
func New(cfg config.Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
		logger: slog.Default(),
	}

	var err error
	if s.opts, err = buildOptions(s.config.Auth, opts); err != nil {
		return nil, fmt.Errorf("configure auth: %w", err)
	}

	s.registry = s.config.Telemetry.Registerer
	if s.registry == nil {
		s.registry = prometheus.DefaultRegisterer
	}
	s.gatherer = prometheus.DefaultGatherer
	if g, ok := s.registry.(prometheus.Gatherer); ok {
		s.gatherer = g
	}
	s.config.Telemetry.Registerer = s.registry

	if err := s.initTelemetry(); err != nil {
		return nil, err
	}
	s.metrics = observability.NewLifecycleMetrics(s.registry)

	if err := s.initStorage(); err != nil {
		s.cleanup()
		return nil, err
	}
	if err := s.initSettlement(); err != nil {
		s.cleanup()
		return nil, err
	}

	s.engine = lifecycle.NewEngine(sessionstore.New(s.db), ledger.New(s.db, nil), lifecycle.EngineConfig{
		TimeUpTolerance: s.config.Server.TimeUpTolerance,
		Sanity:          s.sanityChecker(),
		Audit:           s.audit,
		Dispatcher:      s.dispatcher,
		Metrics:         s.metrics,
		Logger:          s.logger.With("component", "engine"),
	})

	if s.config.Sweeper.Enabled {
		s.sweeper = sweeper.New(sessionstore.New(s.db), s.engine, nil, s.metrics, sweeper.Config{
			Interval:  s.config.Sweeper.Interval,
			Grace:     s.config.Sweeper.Grace,
			PausedTTL: s.config.Sweeper.PausedTTL,
			BatchSize: s.config.Sweeper.BatchSize,
		})
	}

	s.initRouter()
	return s, nil
}

// Run serves until ctx is done.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:         s.config.Server.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	if s.sweeper != nil {
		if err := s.sweeper.Start(gctx); err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
	}

	g.Go(func() error {
		s.logger.Info("starting session server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down session server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Router returns the configured router.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Engine returns the session engine.
func (s *service) Engine() *lifecycle.Engine {
	return s.engine
}

// Close releases all resources once.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cleanup()
	})
	return s.closeErr
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills zero-valued fields from config.Default().
func applyConfigDefaults(cfg config.Config) config.Config {
	def := config.Default()

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if cfg.Server.GinMode == "" {
		cfg.Server.GinMode = def.Server.GinMode
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Server.TimeUpTolerance == 0 {
		cfg.Server.TimeUpTolerance = def.Server.TimeUpTolerance
	}
	if cfg.Storage.Path == "" && !cfg.Storage.InMemory {
		cfg.Storage.Path = config.ExpandPath(def.Storage.Path)
	}
	if cfg.Storage.GCDiscardRatio == 0 {
		cfg.Storage.GCDiscardRatio = def.Storage.GCDiscardRatio
	}
	if cfg.Sweeper.Interval == 0 {
		cfg.Sweeper.Interval = def.Sweeper.Interval
	}
	if cfg.Sweeper.BatchSize == 0 {
		cfg.Sweeper.BatchSize = def.Sweeper.BatchSize
	}
	if cfg.Clock.MinValid.IsZero() {
		cfg.Clock.MinValid = def.Clock.MinValid
	}
	if cfg.Clock.MaxForwardJump == 0 {
		cfg.Clock.MaxForwardJump = def.Clock.MaxForwardJump
	}
	if len(cfg.Auth.AdminRoles) == 0 {
		cfg.Auth.AdminRoles = def.Auth.AdminRoles
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	return cfg
}

// buildOptions fills missing providers from the auth config.
func buildOptions(auth config.AuthConfig, opts *extensions.ServiceOptions) (extensions.ServiceOptions, error) {
	var out extensions.ServiceOptions
	if opts != nil {
		out = *opts
	}
	if out.AuthProvider == nil && len(auth.Tokens) > 0 {
		provider, err := extensions.NewTokenAuthProvider(auth.Tokens)
		if err != nil {
			return extensions.ServiceOptions{}, err
		}
		out.AuthProvider = provider
	}
	if out.AuthzProvider == nil {
		out.AuthzProvider = extensions.NewRoleAuthzProvider(map[string][]string{
			extensions.PermissionKey(extensions.ResourceCredits, extensions.ActionGrant): auth.AdminRoles,
		})
	}
	return out.Normalize(), nil
}

func (s *service) initTelemetry() error {
	shutdown, err := telemetry.Init(context.Background(), s.config.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.telemetryShutdown = shutdown
	return nil
}

func (s *service) initStorage() error {
	dbCfg := tbadger.DefaultConfig()
	dbCfg.Path = s.config.Storage.Path
	dbCfg.InMemory = s.config.Storage.InMemory
	dbCfg.GCInterval = s.config.Storage.GCInterval
	dbCfg.GCDiscardRatio = s.config.Storage.GCDiscardRatio
	dbCfg.Logger = s.logger.With("component", "badger")

	db, err := tbadger.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to open session database: %w", err)
	}
	s.db = db
	s.logger.Info("session database opened", "path", db.Path(), "in_memory", db.InMemory())
	return nil
}

// initSettlement opens the audit log and the completion dispatcher.
func (s *service) initSettlement() error {
	s.audit = audit.NewNopLogger()
	if path := s.config.Audit.Path; path != "" {
		logger, err := audit.NewLogger(path, nil)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		s.audit = logger
	}

	s.dispatcher = dispatch.Nop{}
	if url := s.config.Webhook.URL; url != "" {
		metrics := s.metrics
		webhook, err := dispatch.NewWebhook(dispatch.WebhookConfig{
			URL:            url,
			Workers:        s.config.Webhook.Workers,
			QueueSize:      s.config.Webhook.QueueSize,
			RequestTimeout: s.config.Webhook.RequestTimeout,
			MaxTries:       s.config.Webhook.MaxTries,
			Logger:         s.logger.With("component", "dispatch"),
			OnResult: func(ev dispatch.CompletionEvent, err error) {
				if err != nil {
					metrics.RecordDispatchError()
				}
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create webhook dispatcher: %w", err)
		}
		s.dispatcher = webhook
	}
	return nil
}

func (s *service) sanityChecker() clock.SanityChecker {
	if s.config.Clock.Disabled {
		s.logger.Warn("clock sanity check disabled")
		return clock.NewNoopSanityChecker(clock.SystemClock{})
	}
	sanity := clock.DefaultSanityConfig()
	sanity.MinValidTime = s.config.Clock.MinValid
	sanity.MaxForwardJump = s.config.Clock.MaxForwardJump
	return clock.NewSanityChecker(clock.SystemClock{}, sanity)
}

func (s *service) initRouter() {
	gin.SetMode(s.config.Server.GinMode)
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(s.config.Telemetry.ServiceName))

	routes.SetupRoutes(s.router, routes.Deps{
		Engine:    s.engine,
		Options:   s.opts,
		Limiter:   middleware.NewUserRateLimiter(s.config.Server.RateLimit, s.config.Server.RateBurst),
		Countdown: handlers.CountdownConfig{Metrics: s.metrics},
		Gatherer:  s.gatherer,
	})
}

// cleanup releases resources in reverse order of creation.
func (s *service) cleanup() error {
	var errs []error

	if s.sweeper != nil {
		if err := s.sweeper.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop sweeper: %w", err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.dispatcher != nil {
		if err := s.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		}
	}
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit log: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if s.telemetryShutdown != nil {
		if err := s.telemetryShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("service cleanup incomplete", "error", err)
		return err
	}
	return nil
}
