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

// Package cooldown tracks per-tenant, per-caller claim cooldowns.
//
// Entries live in a ttlcache and disappear on their own once the cooldown
// has elapsed. Cooldowns are process-local and are not persisted.
package cooldown

import (
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const sep = "\x00"

// Tracker records when each caller may claim again.
type Tracker struct {
	cache *ttlcache.Cache[string, time.Time]
	now   func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
}

// New creates a tracker. Call Start to enable background eviction.
func New() *Tracker {
	return &Tracker{
		cache: ttlcache.New[string, time.Time](
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		),
		now: time.Now,
	}
}

// SetClock overrides the time source used to compute remaining waits.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

func entryKey(tenantID, callerID string) string {
	return tenantID + sep + callerID
}

// Remaining returns how long callerID must still wait on tenantID, or zero.
func (t *Tracker) Remaining(tenantID, callerID string) time.Duration {
	item := t.cache.Get(entryKey(tenantID, callerID))
	if item == nil {
		return 0
	}
	left := item.Value().Sub(t.now())
	if left <= 0 {
		return 0
	}
	return left
}

// Record starts a cooldown of length d. Non-positive durations are ignored.
func (t *Tracker) Record(tenantID, callerID string, d time.Duration) {
	if d <= 0 {
		return
	}
	t.cache.Set(entryKey(tenantID, callerID), t.now().Add(d), d)
}

// Reset clears the cooldown of one caller.
func (t *Tracker) Reset(tenantID, callerID string) {
	t.cache.Delete(entryKey(tenantID, callerID))
}

// ResetTenant clears every cooldown of tenantID.
func (t *Tracker) ResetTenant(tenantID string) {
	prefix := tenantID + sep
	for _, k := range t.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			t.cache.Delete(k)
		}
	}
}

// Active counts callers of tenantID that are still cooling down.
func (t *Tracker) Active(tenantID string) int {
	prefix := tenantID + sep
	now := t.now()
	n := 0
	for k, item := range t.cache.Items() {
		if strings.HasPrefix(k, prefix) && item.Value().After(now) {
			n++
		}
	}
	return n
}

// Start runs the eviction loop until Stop is called. It returns at once if
// Stop was already called.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.stopped || t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()
	t.cache.Start()
}

// Stop ends the eviction loop. It is a no-op when Start never ran and safe
// to call more than once.
func (t *Tracker) Stop() {
	t.mu.Lock()
	wasRunning := t.running && !t.stopped
	t.stopped = true
	t.mu.Unlock()
	if wasRunning {
		t.cache.Stop()
	}
}
