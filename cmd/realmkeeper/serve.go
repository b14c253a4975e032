// Copyright 2026 The RealmKeeper Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/realmkeeper/realmkeeper/internal/announce"
	"github.com/realmkeeper/realmkeeper/internal/audit"
	"github.com/realmkeeper/realmkeeper/internal/claim"
	"github.com/realmkeeper/realmkeeper/internal/config"
	"github.com/realmkeeper/realmkeeper/internal/cooldown"
	"github.com/realmkeeper/realmkeeper/internal/grant"
	"github.com/realmkeeper/realmkeeper/internal/keeper"
	"github.com/realmkeeper/realmkeeper/internal/observability/logger"
	"github.com/realmkeeper/realmkeeper/internal/observability/metrics"
	"github.com/realmkeeper/realmkeeper/internal/observability/tracing"
	"github.com/realmkeeper/realmkeeper/internal/persistence"
	"github.com/realmkeeper/realmkeeper/internal/tenant"
	transportHTTP "github.com/realmkeeper/realmkeeper/internal/transport/http"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with periodic persistence",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, l, err := loadConfig(os.Stdout)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, l)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, l *slog.Logger) error {
	l.Info("starting realmkeeper")

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
		Endpoint:       cfg.Observability.OTELEndpoint,
		Insecure:       cfg.Observability.OTELInsecure,
	})
	if err != nil {
		l.Error("failed to initialize tracer", logger.Error(err))
		tracer = tracing.Noop()
	}
	defer tracer.Shutdown(context.WithoutCancel(ctx))

	// Initialize meter
	meter, err := metrics.New(ctx, metrics.Config{Enabled: cfg.Observability.OTELEnabled}, cfg.Observability.ServiceName)
	if err != nil {
		return fmt.Errorf("initialize meter: %w", err)
	}
	claimMetrics, err := metrics.NewClaims(meter)
	if err != nil {
		return err
	}

	backend, closeBackend, err := openBackend(ctx, cfg, l)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	defer closeBackend()

	store := tenant.NewStore()
	persist := persistence.NewManager(store, backend, persistence.Options{
		Interval: cfg.Storage.SaveInterval,
		Filter:   filterConfig(cfg),
		Logger:   l,
		Tracer:   tracer,
	})
	report, err := persist.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	for _, t := range report.Tenants {
		if t.FilterRebuilt {
			l.Warn("filter rebuilt on load", logger.TenantID(t.TenantID), slog.String("reason", t.Reason))
		}
	}

	if cfg.Grant.WebhookURL == "" {
		l.Warn("GRANT_WEBHOOK_URL is not set, every claim will be rolled back")
	}
	granter := grant.NewWebhook(grant.WebhookConfig{
		URL:             cfg.Grant.WebhookURL,
		Token:           cfg.Grant.WebhookToken,
		InitialInterval: cfg.Grant.InitialInterval,
		MaxInterval:     cfg.Grant.MaxInterval,
		Logger:          l,
	})

	var announcer announce.Announcer = announce.Nop{}
	if cfg.Announce.AMQPURL != "" {
		rabbit, err := announce.NewRabbit(cfg.Announce.AMQPURL, cfg.Announce.Exchange)
		if err != nil {
			return err
		}
		announcer = rabbit
	}
	defer announcer.Close()

	auditLogger := audit.NewSlogLogger(l)
	cooldowns := cooldown.New()
	go cooldowns.Start()
	defer cooldowns.Stop()

	coordinator := claim.New(store, cooldowns, granter, claim.Options{
		GrantTimeout: cfg.Claim.GrantTimeout,
		Audit:        auditLogger,
		Metrics:      claimMetrics,
		Tracer:       tracer,
		Logger:       l,
	})
	service := keeper.New(store, cooldowns, coordinator, keeper.Options{
		Audit:           auditLogger,
		Announcer:       announcer,
		Saver:           persist,
		Filter:          filterConfig(cfg),
		Logger:          l,
		AnnounceTimeout: cfg.Announce.Timeout,
	})
	if err := service.RegisterMetrics(meter); err != nil {
		return err
	}

	auth, err := transportHTTP.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("AUTH_JWT_SECRET: %w", err)
	}
	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.RateLimit.IdleTTL)
	go rateLimiter.Start()
	defer rateLimiter.Stop()

	router := transportHTTP.NewRouter(transportHTTP.NewHandler(service, l), auth, rateLimiter)
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// The persistence loop outlives the server so claims committed during
	// shutdown are part of the final save.
	persistCtx, stopPersist := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPersist()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.Info("starting http server", logger.Component("server"), slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		service.Wait()
		stopPersist()
		return err
	})
	g.Go(func() error {
		return persist.Run(persistCtx)
	})
	g.Go(func() error {
		return service.RunExpirySweeper(gctx, cfg.Storage.SweepInterval)
	})

	err = g.Wait()
	l.Info("server stopped")
	return err
}
