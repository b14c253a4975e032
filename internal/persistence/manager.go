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

// Package persistence snapshots the tenant store to durable storage and
// restores it on startup.
//
// A snapshot is taken tenant by tenant: the store is read-locked for the
// walk and each tenant is locked only while its state is copied, so a save
// never observes a half-applied mutation and never blocks claims on other
// tenants. Filters are persisted as opaque blobs; a blob that is missing,
// corrupt or inconsistent with its key set is rebuilt from the set on load.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/realmkeeper/realmkeeper/internal/filter"
	"github.com/realmkeeper/realmkeeper/internal/observability/logger"
	"github.com/realmkeeper/realmkeeper/internal/observability/tracing"
	"github.com/realmkeeper/realmkeeper/internal/registry"
	"github.com/realmkeeper/realmkeeper/internal/tenant"
)

// DefaultInterval is the period of automatic saves.
const DefaultInterval = 60 * time.Second

const finalSaveTimeout = 30 * time.Second

// Options configures a Manager.
type Options struct {
	Interval time.Duration
	Filter   filter.Config
	Logger   *slog.Logger
	Tracer   *tracing.Tracer
}

// Manager saves and loads the tenant store through a SnapshotStore.
type Manager struct {
	store    *tenant.Store
	backend  SnapshotStore
	interval time.Duration
	filter   filter.Config
	logger   *slog.Logger
	tracer   *tracing.Tracer

	saving   chan struct{} // held by the save in progress
	requests chan struct{}
}

// NewManager creates a persistence manager
func NewManager(store *tenant.Store, backend SnapshotStore, opts Options) *Manager {
	m := &Manager{
		store:    store,
		backend:  backend,
		interval: opts.Interval,
		filter:   opts.Filter,
		logger:   opts.Logger,
		tracer:   opts.Tracer,
		saving:   make(chan struct{}, 1),
		requests: make(chan struct{}, 1),
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.tracer == nil {
		m.tracer = tracing.Noop()
	}
	m.logger = m.logger.With(logger.Component("persistence"))
	return m
}

// TenantReport describes how one tenant was restored.
type TenantReport struct {
	TenantID      string
	Keys          int
	FilterRebuilt bool
	Reason        string
	DroppedKeys   int
}

// LoadReport describes a restore.
type LoadReport struct {
	Tenants []TenantReport
	// Empty is set when the backend held no snapshot.
	Empty bool
}

// Rebuilt counts tenants whose filter was rebuilt.
func (r LoadReport) Rebuilt() int {
	n := 0
	for _, t := range r.Tenants {
		if t.FilterRebuilt {
			n++
		}
	}
	return n
}

// Capture copies the state of every tenant into a snapshot.
func (m *Manager) Capture(ctx context.Context) (*Snapshot, error) {
	snap := NewSnapshot()
	err := m.store.Range(func(t *tenant.Tenant) error {
		if err := t.Lock(ctx); err != nil {
			return fmt.Errorf("lock tenant %s: %w", t.ID, err)
		}
		st := t.Registry.State()
		blob, err := t.Registry.Filter().MarshalBinary()
		settings := t.Settings()
		t.Unlock()
		if err != nil {
			return fmt.Errorf("marshal filter of tenant %s: %w", t.ID, err)
		}

		snap.Tenants[t.ID] = TenantRecord{
			EntitlementID:      settings.EntitlementID,
			CommandAlias:       settings.CommandAlias,
			Keys:               st.Keys,
			MessageTemplates:   slices.Clone(settings.MessageTemplates),
			CooldownSeconds:    settings.CooldownSeconds,
			AnnouncementTarget: settings.AnnouncementTarget,
			Stats:              st.Stats,
			KeyExpiry:          st.Expiry,
		}
		snap.Filters[t.ID] = blob
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Save writes the current state. Concurrent calls are serialized.
func (m *Manager) Save(ctx context.Context) error {
	select {
	case m.saving <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.saving }()

	ctx, span := m.tracer.Start(ctx, "persistence.Save")
	defer span.End()
	start := time.Now()

	err := m.save(ctx)
	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
	}
	saveDurationHistogram.WithLabelValues(status).Observe(time.Since(start).Seconds())
	snapshotOperationsTotal.WithLabelValues("save", status).Inc()
	return err
}

func (m *Manager) save(ctx context.Context) error {
	snap, err := m.Capture(ctx)
	if err != nil {
		return fmt.Errorf("capture snapshot: %w", err)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("tenants", len(snap.Tenants)))
	if err := m.backend.Save(ctx, snap); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	snapshotTenantsGauge.Set(float64(len(snap.Tenants)))
	return nil
}

// Load replaces the store content with the stored snapshot. A backend
// without a snapshot leaves the store empty and is not an error.
func (m *Manager) Load(ctx context.Context) (LoadReport, error) {
	ctx, span := m.tracer.Start(ctx, "persistence.Load")
	defer span.End()

	snap, err := m.backend.Load(ctx)
	if errors.Is(err, ErrSnapshotNotFound) {
		snapshotOperationsTotal.WithLabelValues("load", "empty").Inc()
		m.logger.InfoContext(ctx, "no snapshot found, starting empty")
		m.store.Replace(nil)
		return LoadReport{Empty: true}, nil
	}
	if err != nil {
		snapshotOperationsTotal.WithLabelValues("load", "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return LoadReport{}, fmt.Errorf("read snapshot: %w", err)
	}

	tenants, report := Restore(snap, m.filter)
	for _, tr := range report.Tenants {
		if tr.FilterRebuilt {
			m.logger.WarnContext(ctx, "filter rebuilt from key set",
				logger.TenantID(tr.TenantID),
				slog.String("reason", tr.Reason),
				logger.Count(tr.Keys),
			)
		}
		if tr.DroppedKeys > 0 {
			m.logger.WarnContext(ctx, "dropped malformed keys from snapshot",
				logger.TenantID(tr.TenantID),
				logger.Count(tr.DroppedKeys),
			)
		}
	}
	m.store.Replace(tenants)

	snapshotOperationsTotal.WithLabelValues("load", "success").Inc()
	m.logger.InfoContext(ctx, "snapshot loaded",
		logger.Tenants(len(tenants)),
		slog.Int("filters_rebuilt", report.Rebuilt()),
	)
	return report, nil
}

// Restore rebuilds tenants from a snapshot, repairing filters as needed.
func Restore(snap *Snapshot, cfg filter.Config) ([]*tenant.Tenant, LoadReport) {
	ids := make([]string, 0, len(snap.Tenants))
	for id := range snap.Tenants {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var report LoadReport
	tenants := make([]*tenant.Tenant, 0, len(ids))
	for _, id := range ids {
		rec := snap.Tenants[id]

		var (
			f      *filter.Filter
			reason string
		)
		if blob, ok := snap.Filters[id]; !ok {
			reason = "filter blob missing"
		} else if decoded, err := filter.Decode(blob); err != nil {
			reason = err.Error()
		} else {
			f = decoded
		}

		reg, rr := registry.FromState(cfg, registry.State{
			Keys:   rec.Keys,
			Expiry: rec.KeyExpiry,
			Stats:  rec.Stats,
		}, f)
		if reason == "" {
			reason = rr.Reason
		}
		if rr.FilterRebuilt {
			filterRebuildsTotal.WithLabelValues(rebuildLabel(f)).Inc()
		}

		tenants = append(tenants, tenant.New(id, settingsOf(rec), reg))
		report.Tenants = append(report.Tenants, TenantReport{
			TenantID:      id,
			Keys:          reg.Len(),
			FilterRebuilt: rr.FilterRebuilt,
			Reason:        reasonIf(rr.FilterRebuilt, reason),
			DroppedKeys:   rr.Dropped,
		})
	}
	return tenants, report
}

func settingsOf(rec TenantRecord) tenant.Settings {
	s := tenant.Settings{
		EntitlementID:      rec.EntitlementID,
		CommandAlias:       tenant.NormalizeCommandAlias(rec.CommandAlias),
		CooldownSeconds:    max(rec.CooldownSeconds, 0),
		AnnouncementTarget: rec.AnnouncementTarget,
		MessageTemplates:   rec.MessageTemplates,
	}
	if tenant.ValidateTemplates(s.MessageTemplates) != nil {
		s.MessageTemplates = tenant.DefaultTemplates
	}
	return s
}

func rebuildLabel(decoded *filter.Filter) string {
	if decoded == nil {
		return "missing_or_corrupt"
	}
	return "inconsistent"
}

func reasonIf(ok bool, reason string) string {
	if !ok {
		return ""
	}
	return reason
}

// RequestSave asks Run to save soon. Requests made while one is pending
// are coalesced.
func (m *Manager) RequestSave() {
	select {
	case m.requests <- struct{}{}:
	default:
	}
}

// Run saves on every tick and on every request until ctx ends, then makes a
// final save with a fresh deadline. Failed saves are logged and retried on
// the next tick.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalSaveTimeout)
			defer cancel()
			if err := m.Save(finalCtx); err != nil {
				m.logger.ErrorContext(finalCtx, "final save failed", logger.Error(err))
				return fmt.Errorf("final save: %w", err)
			}
			m.logger.InfoContext(finalCtx, "final save complete")
			return nil
		case <-ticker.C:
			m.saveLogged(ctx, "periodic")
		case <-m.requests:
			m.saveLogged(ctx, "requested")
		}
	}
}

func (m *Manager) saveLogged(ctx context.Context, trigger string) {
	if err := m.Save(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.ErrorContext(ctx, "snapshot save failed",
			logger.Operation(trigger),
			logger.Error(err),
		)
	}
}
