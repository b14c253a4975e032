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

// Package claim implements the verify, consume, grant, commit-or-rollback
// protocol that redeems a key.
//
// For a given tenant, every step from key verification to commit or rollback
// runs under the tenant lock, so two claims presenting the same key cannot
// both observe it as valid. The key is consumed before the grant call and is
// restored when the grant fails, times out, panics or is cancelled.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/realmkeeper/realmkeeper/internal/audit"
	"github.com/realmkeeper/realmkeeper/internal/cooldown"
	"github.com/realmkeeper/realmkeeper/internal/keys"
	"github.com/realmkeeper/realmkeeper/internal/observability/logger"
	"github.com/realmkeeper/realmkeeper/internal/observability/metrics"
	"github.com/realmkeeper/realmkeeper/internal/observability/tracing"
	"github.com/realmkeeper/realmkeeper/internal/tenant"
)

// DefaultGrantTimeout bounds the grant call when no timeout is configured.
const DefaultGrantTimeout = 10 * time.Second

// ErrGrantPanicked wraps a panic raised by a Granter.
var ErrGrantPanicked = errors.New("grant panicked")

// Options configures a Coordinator. Zero values select defaults.
type Options struct {
	GrantTimeout time.Duration
	Audit        audit.Logger
	Metrics      *metrics.Claims
	Tracer       *tracing.Tracer
	Logger       *slog.Logger
	Now          func() time.Time
}

// Coordinator runs claims against the tenants of a store
type Coordinator struct {
	store     *tenant.Store
	cooldowns *cooldown.Tracker
	granter   Granter
	timeout   time.Duration
	audit     audit.Logger
	metrics   *metrics.Claims
	tracer    *tracing.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a coordinator.
func New(store *tenant.Store, cooldowns *cooldown.Tracker, granter Granter, opts Options) *Coordinator {
	c := &Coordinator{
		store:     store,
		cooldowns: cooldowns,
		granter:   granter,
		timeout:   opts.GrantTimeout,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultGrantTimeout
	}
	if c.tracer == nil {
		c.tracer = tracing.Noop()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.logger = c.logger.With(logger.Component("claim"))
	return c
}

// Claim redeems req.Key for req.CallerID on req.TenantID.
//
// Every outcome, including failures, is reported through the Result. An
// error is returned only when ctx ends while waiting for the tenant lock,
// in which case nothing was changed.
func (c *Coordinator) Claim(ctx context.Context, req Request) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "claim.Claim", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.Bool("caller.privileged", req.Privileged),
	))
	defer span.End()

	res, err := c.run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(attribute.String("claim.outcome", res.Outcome.String()))
	c.observe(ctx, req, res)
	return res, nil
}

func (c *Coordinator) run(ctx context.Context, req Request) (Result, error) {
	t, err := c.store.Get(req.TenantID)
	if err != nil {
		return Result{Outcome: TenantNotConfigured, Message: msgNotConfigured}, nil
	}
	if strings.TrimSpace(t.Settings().EntitlementID) == "" {
		return Result{Outcome: EntitlementMissing, Message: msgNoEntitlement}, nil
	}
	if res, limited := c.checkCooldown(req); limited {
		return res, nil
	}

	if err := t.Lock(ctx); err != nil {
		return Result{}, fmt.Errorf("acquire lock for tenant %s: %w", req.TenantID, err)
	}
	defer t.Unlock()

	return c.claimLocked(ctx, t, req), nil
}

func (c *Coordinator) checkCooldown(req Request) (Result, bool) {
	if req.Privileged {
		return Result{}, false
	}
	left := c.cooldowns.Remaining(req.TenantID, req.CallerID)
	if left <= 0 {
		return Result{}, false
	}
	res := Result{Outcome: CooldownActive, RetryAfter: left}
	res.Message = fmt.Sprintf(msgCooldownFormat, res.RetryAfterSeconds())
	return res, true
}

// claimLocked runs with the tenant lock held.
func (c *Coordinator) claimLocked(ctx context.Context, t *tenant.Tenant, req Request) Result {
	// The tenant may have been removed while waiting for the lock.
	if cur, err := c.store.Get(req.TenantID); err != nil || cur != t {
		return Result{Outcome: TenantNotConfigured, Message: msgNotConfigured}
	}
	// Settings may have changed while waiting for the lock.
	settings := t.Settings()
	if strings.TrimSpace(settings.EntitlementID) == "" {
		return Result{Outcome: EntitlementMissing, Message: msgNoEntitlement}
	}
	// A concurrent claim by the same caller may have committed meanwhile.
	if res, limited := c.checkCooldown(req); limited {
		return res
	}

	key, err := keys.Normalize(req.Key)
	if err != nil {
		t.Registry.RecordClaimFailure()
		return Result{Outcome: InvalidKeyFormat, Message: msgInvalidFormat}
	}

	entry, ok := t.Registry.Consume(key)
	if !ok {
		t.Registry.RecordClaimFailure()
		return Result{Outcome: InvalidOrUsedKey, Message: msgInvalidOrUsed}
	}

	if err := c.grant(ctx, req.CallerID, settings.EntitlementID); err != nil {
		t.Registry.Reinstate(key, entry)
		c.logger.WarnContext(ctx, "grant failed, key restored",
			logger.TenantID(req.TenantID),
			logger.CallerID(req.CallerID),
			logger.KeyPrefix(keys.Redact(key)),
			logger.Error(err),
		)
		if c.metrics != nil {
			c.metrics.Rollbacks.Add(ctx, 1)
		}
		return Result{Outcome: DownstreamGrantFailure, Message: msgGrantFailed}
	}

	t.Registry.RecordClaimSuccess(c.now().UTC())
	c.cooldowns.Record(req.TenantID, req.CallerID, settings.Cooldown())
	return Result{
		Outcome: Success,
		Message: t.RenderMessage(req.CallerID, settings.EntitlementID),
	}
}

// grant calls the Granter under the coordinator deadline. A Granter that
// ignores its context is abandoned when the deadline passes.
func (c *Coordinator) grant(ctx context.Context, callerID, entitlementID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "claim.grant")
	defer span.End()

	start := c.now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrGrantPanicked, r)
			}
		}()
		done <- c.granter.GrantEntitlement(ctx, callerID, entitlementID)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("grant entitlement: %w", ctx.Err())
	}

	if c.metrics != nil {
		c.metrics.GrantLatency.Record(ctx, c.now().Sub(start).Seconds(),
			metric.WithAttributes(attribute.Bool("success", err == nil)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "grant failed")
	}
	return err
}

func (c *Coordinator) observe(ctx context.Context, req Request, res Result) {
	if c.metrics != nil {
		c.metrics.Outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", res.Outcome.String())))
	}

	level := slog.LevelInfo
	if res.Outcome == DownstreamGrantFailure {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "claim processed",
		logger.TenantID(req.TenantID),
		logger.CallerID(req.CallerID),
		logger.Outcome(res.Outcome.String()),
	)

	if c.audit == nil {
		return
	}
	eventType := audit.TypeClaimFailed
	switch res.Outcome {
	case Success:
		eventType = audit.TypeClaimSucceeded
	case DownstreamGrantFailure:
		eventType = audit.TypeClaimRolledBack
	}
	meta := map[string]any{
		"outcome":    res.Outcome.String(),
		"privileged": req.Privileged,
	}
	if prefix := codePrefix(req.Key); prefix != "" {
		meta["code_prefix"] = prefix
	}
	c.audit.Log(ctx, audit.Event{
		Type:     eventType,
		TenantID: req.TenantID,
		ActorID:  req.CallerID,
		Metadata: meta,
	})
}

// codePrefix returns the redacted form of a well-formed key, or "".
func codePrefix(raw string) string {
	key, err := keys.Normalize(raw)
	if err != nil {
		return ""
	}
	return keys.Redact(key)
}
