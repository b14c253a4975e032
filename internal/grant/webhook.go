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

// Package grant delivers entitlement grants to the chat platform.
package grant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/realmkeeper/realmkeeper/internal/observability/logger"
)

var (
	// ErrGrantRejected is returned when the platform refuses the grant (4xx).
	ErrGrantRejected = errors.New("grant rejected")
	// ErrNotConfigured is returned by a Webhook without a URL.
	ErrNotConfigured = errors.New("grant webhook not configured")
)

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	URL   string
	Token string
	// InitialInterval is the first retry delay.
	InitialInterval time.Duration
	// MaxInterval caps the retry delay.
	MaxInterval time.Duration
	Client      *http.Client
	Logger      *slog.Logger
}

// Webhook grants entitlements by POSTing to the platform collaborator.
// Server errors and transport failures are retried until the context ends.
type Webhook struct {
	url     string
	token   string
	initial time.Duration
	max     time.Duration
	client  *http.Client
	logger  *slog.Logger
}

type grantRequest struct {
	CallerID      string    `json:"caller_id"`
	EntitlementID string    `json:"entitlement_id"`
	RequestedAt   time.Time `json:"requested_at"`
}

// NewWebhook creates a webhook granter
func NewWebhook(cfg WebhookConfig) *Webhook {
	w := &Webhook{
		url:     cfg.URL,
		token:   cfg.Token,
		initial: cfg.InitialInterval,
		max:     cfg.MaxInterval,
		client:  cfg.Client,
		logger:  cfg.Logger,
	}
	if w.initial <= 0 {
		w.initial = 200 * time.Millisecond
	}
	if w.max <= 0 {
		w.max = 2 * time.Second
	}
	if w.client == nil {
		w.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With(logger.Component("grant"))
	return w
}

// GrantEntitlement implements claim.Granter
func (w *Webhook) GrantEntitlement(ctx context.Context, callerID, entitlementID string) error {
	if w.url == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(grantRequest{
		CallerID:      callerID,
		EntitlementID: entitlementID,
		RequestedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode grant request: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.initial
	policy.MaxInterval = w.max
	// The caller's deadline bounds the retries.
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		return w.post(ctx, body)
	}
	notify := func(err error, wait time.Duration) {
		w.logger.WarnContext(ctx, "grant attempt failed, retrying",
			logger.CallerID(callerID),
			logger.EntitlementID(entitlementID),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			logger.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		return fmt.Errorf("grant %s to %s: %w", entitlementID, callerID, err)
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("platform rate limited the grant: status %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("%w: status %d", ErrGrantRejected, resp.StatusCode))
	default:
		return fmt.Errorf("platform error: status %d", resp.StatusCode)
	}
}
