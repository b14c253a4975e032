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

package tenant

import (
	"context"
	"math/rand/v2"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/realmkeeper/realmkeeper/internal/registry"
)

// Settings is the configuration of a tenant. A Settings value is never
// mutated once published; updates publish a modified copy.
type Settings struct {
	EntitlementID      string   `json:"entitlement_id"`
	CommandAlias       string   `json:"command_alias"`
	CooldownSeconds    int      `json:"cooldown_seconds"`
	AnnouncementTarget *string  `json:"announcement_target"`
	MessageTemplates   []string `json:"message_templates"`
}

// Cooldown returns the claim cooldown as a duration, clamped to
// [0, MaxCooldownSeconds] for settings that bypassed validation.
func (s *Settings) Cooldown() time.Duration {
	return time.Duration(min(max(s.CooldownSeconds, 0), MaxCooldownSeconds)) * time.Second
}

// Validate checks every field of s.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.EntitlementID) == "" {
		return ErrEntitlementRequired
	}
	if err := ValidateCommandAlias(s.CommandAlias); err != nil {
		return err
	}
	if err := ValidateCooldown(s.CooldownSeconds); err != nil {
		return err
	}
	return ValidateTemplates(s.MessageTemplates)
}

func (s *Settings) clone() *Settings {
	c := *s
	c.MessageTemplates = slices.Clone(s.MessageTemplates)
	if s.AnnouncementTarget != nil {
		target := *s.AnnouncementTarget
		c.AnnouncementTarget = &target
	}
	return &c
}

// Tenant is one isolated community with its own keys and entitlement binding.
//
// Registry and stats are guarded by the tenant lock. Settings can be read
// without the lock; writers hold it.
type Tenant struct {
	ID        string
	Registry  *registry.Registry
	CreatedAt time.Time

	settings atomic.Pointer[Settings]
	lock     *semaphore.Weighted
}

// New creates a tenant from validated settings and a registry.
func New(id string, s Settings, reg *registry.Registry) *Tenant {
	t := &Tenant{
		ID:        id,
		Registry:  reg,
		CreatedAt: time.Now().UTC(),
		lock:      semaphore.NewWeighted(1),
	}
	t.settings.Store(s.clone())
	return t
}

// Settings returns the current configuration. Callers must not modify it.
func (t *Tenant) Settings() *Settings {
	return t.settings.Load()
}

// Update applies fn to a copy of the settings and publishes the copy if it
// validates. The caller must hold the tenant lock.
func (t *Tenant) Update(fn func(*Settings)) error {
	next := t.settings.Load().clone()
	fn(next)
	if err := next.Validate(); err != nil {
		return err
	}
	t.settings.Store(next)
	return nil
}

// Lock acquires the tenant's exclusive lock. Waiters are served in FIFO order.
func (t *Tenant) Lock(ctx context.Context) error {
	return t.lock.Acquire(ctx, 1)
}

// Unlock releases the tenant lock.
func (t *Tenant) Unlock() {
	t.lock.Release(1)
}

// RenderMessage picks a random template and fills in the claimant and entitlement.
func (t *Tenant) RenderMessage(user, role string) string {
	tpls := t.Settings().MessageTemplates
	if len(tpls) == 0 {
		tpls = DefaultTemplates
	}
	return Render(tpls[rand.IntN(len(tpls))], user, role)
}

// Render substitutes the placeholders in tpl.
func Render(tpl, user, role string) string {
	return strings.NewReplacer(PlaceholderUser, user, PlaceholderRole, role).Replace(tpl)
}
