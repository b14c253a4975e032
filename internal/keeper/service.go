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

// Package keeper is the operation surface used by front ends: tenant
// configuration, key administration, claims and maintenance.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/realmkeeper/realmkeeper/internal/announce"
	"github.com/realmkeeper/realmkeeper/internal/audit"
	"github.com/realmkeeper/realmkeeper/internal/claim"
	"github.com/realmkeeper/realmkeeper/internal/cooldown"
	"github.com/realmkeeper/realmkeeper/internal/filter"
	"github.com/realmkeeper/realmkeeper/internal/keys"
	"github.com/realmkeeper/realmkeeper/internal/observability/logger"
	"github.com/realmkeeper/realmkeeper/internal/observability/metrics"
	"github.com/realmkeeper/realmkeeper/internal/registry"
	"github.com/realmkeeper/realmkeeper/internal/tenant"
)

// MaxGenerate bounds a single GenerateKeys call.
const MaxGenerate = 1000

// DefaultAnnounceTimeout bounds a single announcement publish.
const DefaultAnnounceTimeout = 5 * time.Second

// MaxKeyTTL is the longest accepted key lifetime.
const MaxKeyTTL = 10 * 365 * 24 * time.Hour

var (
	// ErrInvalidCount is returned by GenerateKeys for counts outside 1..MaxGenerate.
	ErrInvalidCount = errors.New("invalid key count")
	// ErrInvalidTTL is returned for key lifetimes outside [0, MaxKeyTTL].
	ErrInvalidTTL = errors.New("invalid key ttl")
)

// Saver is notified after every state change worth persisting.
type Saver interface {
	RequestSave()
}

// TenantConfig describes a tenant to create or update.
//
// On update an empty CommandAlias and a nil MessageTemplates keep the
// current values.
type TenantConfig struct {
	ID                 string
	EntitlementID      string
	CommandAlias       string
	CooldownSeconds    int
	AnnouncementTarget *string
	MessageTemplates   []string
	InitialKeys        []string
}

// TenantView is a point-in-time copy of a tenant.
type TenantView struct {
	ID                 string         `json:"tenant_id"`
	EntitlementID      string         `json:"entitlement_id"`
	CommandAlias       string         `json:"command_alias"`
	CooldownSeconds    int            `json:"cooldown_seconds"`
	AnnouncementTarget *string        `json:"announcement_target"`
	MessageTemplates   []string       `json:"message_templates"`
	Stats              registry.Stats `json:"stats"`
	ActiveCooldowns    int            `json:"active_cooldowns"`
	CreatedAt          time.Time      `json:"created_at"`
}

// AddReport counts the results of an AddKeys call.
type AddReport struct {
	Added     int `json:"added"`
	Duplicate int `json:"duplicate"`
	Invalid   int `json:"invalid"`
}

// RemoveReport counts the results of a RemoveKeys call.
type RemoveReport struct {
	Removed  int `json:"removed"`
	NotFound int `json:"not_found"`
	Invalid  int `json:"invalid"`
}

// Options configures a Service. Zero values select defaults.
type Options struct {
	Audit           audit.Logger
	Announcer       announce.Announcer
	Saver           Saver
	Filter          filter.Config
	Logger          *slog.Logger
	AnnounceTimeout time.Duration
	Now             func() time.Time
}

// Service implements tenant administration and claims on top of a store.
type Service struct {
	store     *tenant.Store
	cooldowns *cooldown.Tracker
	claims    *claim.Coordinator

	audit           audit.Logger
	announcer       announce.Announcer
	saver           Saver
	filterCfg       filter.Config
	logger          *slog.Logger
	announceTimeout time.Duration
	now             func() time.Time

	inflight sync.WaitGroup
}

type nopSaver struct{}

func (nopSaver) RequestSave() {}

type nopAudit struct{}

func (nopAudit) Log(context.Context, audit.Event) {}

// New creates a service.
func New(store *tenant.Store, cooldowns *cooldown.Tracker, claims *claim.Coordinator, opts Options) *Service {
	s := &Service{
		store:           store,
		cooldowns:       cooldowns,
		claims:          claims,
		audit:           opts.Audit,
		announcer:       opts.Announcer,
		saver:           opts.Saver,
		filterCfg:       opts.Filter,
		logger:          opts.Logger,
		announceTimeout: opts.AnnounceTimeout,
		now:             opts.Now,
	}
	if s.audit == nil {
		s.audit = nopAudit{}
	}
	if s.announcer == nil {
		s.announcer = announce.Nop{}
	}
	if s.saver == nil {
		s.saver = nopSaver{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.announceTimeout <= 0 {
		s.announceTimeout = DefaultAnnounceTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.logger = s.logger.With(logger.Component("keeper"))
	return s
}

type actorKey struct{}

// WithActor attaches the id of the caller performing an operation; it is
// recorded as the actor of audit events.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorFrom(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}

func (s *Service) record(ctx context.Context, eventType, tenantID string, meta map[string]any) {
	s.audit.Log(ctx, audit.Event{
		Type:     eventType,
		TenantID: tenantID,
		ActorID:  actorFrom(ctx),
		Metadata: meta,
	})
}

// withTenant runs fn with the tenant lock held.
func (s *Service) withTenant(ctx context.Context, tenantID string, fn func(*tenant.Tenant) error) error {
	t, err := s.store.Get(tenantID)
	if err != nil {
		return err
	}
	if err := t.Lock(ctx); err != nil {
		return fmt.Errorf("acquire lock for tenant %s: %w", tenantID, err)
	}
	defer t.Unlock()
	return fn(t)
}

func validateTTL(ttl time.Duration) error {
	if ttl < 0 || ttl > MaxKeyTTL {
		return fmt.Errorf("%w: %s not in [0, %s]", ErrInvalidTTL, ttl, MaxKeyTTL)
	}
	return nil
}

func (s *Service) expiryAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl).UTC()
}

func (s *Service) view(t *tenant.Tenant) *TenantView {
	st := t.Settings()
	return &TenantView{
		ID:                 t.ID,
		EntitlementID:      st.EntitlementID,
		CommandAlias:       st.CommandAlias,
		CooldownSeconds:    st.CooldownSeconds,
		AnnouncementTarget: st.AnnouncementTarget,
		MessageTemplates:   st.MessageTemplates,
		Stats:              t.Registry.Stats(),
		ActiveCooldowns:    s.cooldowns.Active(t.ID),
		CreatedAt:          t.CreatedAt,
	}
}

// ConfigureTenant creates the tenant or updates its settings, then adds
// any initial keys.
func (s *Service) ConfigureTenant(ctx context.Context, cfg TenantConfig) (*TenantView, error) {
	if err := tenant.ValidateTenantID(cfg.ID); err != nil {
		return nil, err
	}

	initial := tenant.Settings{
		EntitlementID:      cfg.EntitlementID,
		CommandAlias:       tenant.NormalizeCommandAlias(cfg.CommandAlias),
		CooldownSeconds:    cfg.CooldownSeconds,
		AnnouncementTarget: cfg.AnnouncementTarget,
		MessageTemplates:   cfg.MessageTemplates,
	}
	if initial.MessageTemplates == nil {
		initial.MessageTemplates = tenant.DefaultTemplates
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}

	t, created, err := s.store.GetOrCreate(cfg.ID, func() (*tenant.Tenant, error) {
		return tenant.New(cfg.ID, initial, registry.New(s.filterCfg)), nil
	})
	if err != nil {
		return nil, err
	}

	if err := t.Lock(ctx); err != nil {
		return nil, fmt.Errorf("acquire lock for tenant %s: %w", cfg.ID, err)
	}
	defer t.Unlock()

	if !created {
		err := t.Update(func(st *tenant.Settings) {
			st.EntitlementID = cfg.EntitlementID
			st.CooldownSeconds = cfg.CooldownSeconds
			st.AnnouncementTarget = cfg.AnnouncementTarget
			if cfg.CommandAlias != "" {
				st.CommandAlias = initial.CommandAlias
			}
			if cfg.MessageTemplates != nil {
				st.MessageTemplates = cfg.MessageTemplates
			}
		})
		if err != nil {
			return nil, err
		}
	}

	var report AddReport
	for _, raw := range cfg.InitialKeys {
		report.count(t.Registry.Add(raw))
	}

	s.record(ctx, audit.TypeTenantConfigured, cfg.ID, map[string]any{
		"created":        created,
		"entitlement_id": cfg.EntitlementID,
		"added":          report.Added,
	})
	s.logger.InfoContext(ctx, "tenant configured",
		logger.TenantID(cfg.ID),
		logger.EntitlementID(cfg.EntitlementID),
		slog.Bool("created", created),
		logger.Count(report.Added),
	)
	s.saver.RequestSave()
	return s.view(t), nil
}

func (r *AddReport) count(res registry.AddResult) {
	switch res {
	case registry.Added:
		r.Added++
	case registry.Duplicate:
		r.Duplicate++
	default:
		r.Invalid++
	}
}

// RemoveTenant deletes a tenant with its keys, stats and cooldowns.
func (s *Service) RemoveTenant(ctx context.Context, tenantID string) error {
	t, err := s.store.Get(tenantID)
	if err != nil {
		return err
	}
	// In-flight claims finish, including their cooldown, before the reset.
	if err := t.Lock(ctx); err != nil {
		return fmt.Errorf("acquire lock for tenant %s: %w", tenantID, err)
	}
	_, err = s.store.Delete(tenantID)
	if err == nil {
		s.cooldowns.ResetTenant(tenantID)
	}
	t.Unlock()
	if err != nil {
		return err
	}

	s.record(ctx, audit.TypeTenantRemoved, tenantID, map[string]any{
		"count": t.Registry.Len(),
	})
	s.logger.InfoContext(ctx, "tenant removed", logger.TenantID(tenantID))
	s.saver.RequestSave()
	return nil
}

// SetMessageTemplates replaces the success templates of a tenant.
func (s *Service) SetMessageTemplates(ctx context.Context, tenantID string, templates []string) error {
	if err := tenant.ValidateTemplates(templates); err != nil {
		return err
	}
	err := s.withTenant(ctx, tenantID, func(t *tenant.Tenant) error {
		return t.Update(func(st *tenant.Settings) { st.MessageTemplates = templates })
	})
	if err != nil {
		return err
	}

	s.record(ctx, audit.TypeTemplatesUpdated, tenantID, map[string]any{"count": len(templates)})
	s.saver.RequestSave()
	return nil
}

// SetCommandAlias changes the command alias of a tenant and returns the
// normalized alias.
func (s *Service) SetCommandAlias(ctx context.Context, tenantID, alias string) (string, error) {
	alias = tenant.NormalizeCommandAlias(alias)
	if err := tenant.ValidateCommandAlias(alias); err != nil {
		return "", err
	}
	err := s.withTenant(ctx, tenantID, func(t *tenant.Tenant) error {
		return t.Update(func(st *tenant.Settings) { st.CommandAlias = alias })
	})
	if err != nil {
		return "", err
	}

	s.record(ctx, audit.TypeCommandUpdated, tenantID, map[string]any{"alias": alias})
	s.saver.RequestSave()
	return alias, nil
}

// AddKeys inserts keys; a positive ttl makes them expire.
func (s *Service) AddKeys(ctx context.Context, tenantID string, raw []string, ttl time.Duration) (AddReport, error) {
	if err := validateTTL(ttl); err != nil {
		return AddReport{}, err
	}
	var report AddReport
	expiresAt := s.expiryAt(ttl)
	err := s.withTenant(ctx, tenantID, func(t *tenant.Tenant) error {
		for _, k := range raw {
			report.count(t.Registry.AddWithExpiry(k, expiresAt))
		}
		return nil
	})
	if err != nil {
		return AddReport{}, err
	}

	s.record(ctx, audit.TypeKeysAdded, tenantID, map[string]any{
		"added":     report.Added,
		"duplicate": report.Duplicate,
		"invalid":   report.Invalid,
	})
	if report.Added > 0 {
		s.saver.RequestSave()
	}
	return report, nil
}

// RemoveKeys deletes keys from the redeemable set.
func (s *Service) RemoveKeys(ctx context.Context, tenantID string, raw []string) (RemoveReport, error) {
	var report RemoveReport
	err := s.withTenant(ctx, tenantID, func(t *tenant.Tenant) error {
		for _, k := range raw {
			switch t.Registry.Remove(k) {
			case registry.Removed:
				report.Removed++
			case registry.NotFound:
				report.NotFound++
			default:
				report.Invalid++
			}
		}
		return nil
	})
	if err != nil {
		return RemoveReport{}, err
	}

	s.record(ctx, audit.TypeKeysRemoved, tenantID, map[string]any{
		"removed":   report.Removed,
		"not_found": report.NotFound,
		"invalid":   report.Invalid,
	})
	if report.Removed > 0 {
		s.saver.RequestSave()
	}
	return report, nil
}

// ClearKeys removes every key of a tenant and returns how many there were.
func (s *Service) ClearKeys(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.withTenant(ctx, tenantID, func(t *tenant.Tenant) error {
		n = t.Registry.Clear()
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.record(ctx, audit.TypeKeysCleared, tenantID, map[string]any{"count": n})
	s.saver.RequestSave()
	return n, nil
}

// GenerateKeys creates n fresh keys for a tenant and returns them. This is
// the only place raw keys are handed back to a caller.
func (s *Service) GenerateKeys(ctx context.Context, tenantID string, n int, ttl time.Duration) ([]string, error) {
	if n < 1 || n > MaxGenerate {
		return nil, fmt.Errorf("%w: %d not in 1..%d", ErrInvalidCount, n, MaxGenerate)
	}
	if err := validateTTL(ttl); err != nil {
		return nil, err
	}
	expiresAt := s.expiryAt(ttl)
	var out []string
	err := s.withTenant(ctx, tenantID, func(t *tenant.Tenant) error {
		out = make([]string, 0, n)
		for _, k := range keys.Generate(n) {
			if t.Registry.AddWithExpiry(k, expiresAt) == registry.Added {
				out = append(out, k)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, audit.TypeKeysGenerated, tenantID, map[string]any{
		"count":   len(out),
		"expires": !expiresAt.IsZero(),
	})
	s.saver.RequestSave()
	return out, nil
}

// GetStats returns the counters of a tenant.
func (s *Service) GetStats(ctx context.Context, tenantID string) (registry.Stats, error) {
	var stats registry.Stats
	err := s.withTenant(ctx, tenantID, func(t *tenant.Tenant) error {
		stats = t.Registry.Stats()
		return nil
	})
	return stats, err
}

// GetTenant returns a view of one tenant.
func (s *Service) GetTenant(ctx context.Context, tenantID string) (*TenantView, error) {
	var v *TenantView
	err := s.withTenant(ctx, tenantID, func(t *tenant.Tenant) error {
		v = s.view(t)
		return nil
	})
	return v, err
}

// ListTenants returns a view of every tenant, ordered by id.
func (s *Service) ListTenants(ctx context.Context) ([]TenantView, error) {
	out := make([]TenantView, 0, s.store.Len())
	for _, t := range s.store.List() {
		if err := t.Lock(ctx); err != nil {
			return nil, fmt.Errorf("acquire lock for tenant %s: %w", t.ID, err)
		}
		out = append(out, *s.view(t))
		t.Unlock()
	}
	return out, nil
}

// Claim redeems a key. Committed claims are announced in the background
// when the tenant has an announcement target.
func (s *Service) Claim(ctx context.Context, req claim.Request) (claim.Result, error) {
	res, err := s.claims.Claim(ctx, req)
	if err != nil {
		return res, err
	}

	switch res.Outcome {
	case claim.Success:
		s.saver.RequestSave()
		s.announce(ctx, req, res)
	case claim.InvalidKeyFormat, claim.InvalidOrUsedKey:
		s.saver.RequestSave()
	}
	return res, nil
}

func (s *Service) announce(ctx context.Context, req claim.Request, res claim.Result) {
	t, err := s.store.Get(req.TenantID)
	if err != nil {
		return
	}
	st := t.Settings()
	if st.AnnouncementTarget == nil || *st.AnnouncementTarget == "" {
		return
	}
	a := announce.Announcement{
		TenantID:      req.TenantID,
		Target:        *st.AnnouncementTarget,
		CallerID:      req.CallerID,
		EntitlementID: st.EntitlementID,
		Message:       res.Message,
		ClaimedAt:     s.now().UTC(),
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.announceTimeout)
		defer cancel()
		if err := s.announcer.Announce(ctx, a); err != nil {
			s.logger.WarnContext(ctx, "announcement failed",
				logger.TenantID(a.TenantID),
				logger.CallerID(a.CallerID),
				logger.Error(err),
			)
		}
	}()
}

// Wait blocks until background announcements have finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// PurgeExpired removes expired keys from every tenant and returns the
// total removed.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	total := 0
	for _, t := range s.store.List() {
		if err := t.Lock(ctx); err != nil {
			return total, fmt.Errorf("acquire lock for tenant %s: %w", t.ID, err)
		}
		n := t.Registry.PurgeExpired()
		t.Unlock()

		if n > 0 {
			total += n
			s.record(ctx, audit.TypeKeysExpired, t.ID, map[string]any{"count": n})
		}
	}
	if total > 0 {
		s.logger.InfoContext(ctx, "expired keys purged", logger.Count(total))
		s.saver.RequestSave()
	}
	return total, nil
}

// RunExpirySweeper calls PurgeExpired every interval until ctx ends.
func (s *Service) RunExpirySweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.PurgeExpired(ctx); err != nil && ctx.Err() == nil {
				s.logger.WarnContext(ctx, "expiry sweep failed", logger.Error(err))
			}
		}
	}
}

// RegisterMetrics exposes the total number of stored keys on m.
func (s *Service) RegisterMetrics(m *metrics.Meter) error {
	return metrics.ObserveKeys(m, s.totalKeys)
}

func (s *Service) totalKeys(ctx context.Context) int64 {
	var total int64
	for _, t := range s.store.List() {
		if err := t.Lock(ctx); err != nil {
			continue
		}
		total += int64(t.Registry.Len())
		t.Unlock()
	}
	return total
}
