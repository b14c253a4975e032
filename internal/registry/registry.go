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

// Package registry holds the authoritative key set of a tenant.
//
// A Registry pairs the exact set of redeemable keys with a membership filter
// over the same keys. The set is the source of truth; the filter only
// rejects unknown keys cheaply. Every key in the set tests positive in the
// filter. The filter is append-only, so removed keys may keep testing
// positive until the filter is rebuilt.
//
// A Registry is not safe for concurrent use. Callers serialize access with
// the owning tenant's lock.
package registry

import (
	"slices"
	"time"

	"github.com/realmkeeper/realmkeeper/internal/filter"
	"github.com/realmkeeper/realmkeeper/internal/keys"
)

// AddResult is the outcome of adding one key
type AddResult int

const (
	Added AddResult = iota
	Duplicate
	InvalidAdd
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case Duplicate:
		return "duplicate"
	default:
		return "invalid"
	}
}

// RemoveResult is the outcome of removing one key
type RemoveResult int

const (
	Removed RemoveResult = iota
	NotFound
	InvalidRemove
)

func (r RemoveResult) String() string {
	switch r {
	case Removed:
		return "removed"
	case NotFound:
		return "not_found"
	default:
		return "invalid"
	}
}

// Entry is the metadata kept for one key.
type Entry struct {
	// ExpiresAt is zero for keys that never expire.
	ExpiresAt time.Time
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Registry is the authoritative key set of one tenant
type Registry struct {
	filterCfg filter.Config
	keys      map[string]Entry
	filter    *filter.Filter
	stats     Stats
	now       func() time.Time
}

// New creates an empty registry whose filters use cfg
func New(cfg filter.Config) *Registry {
	return &Registry{
		filterCfg: cfg,
		keys:      make(map[string]Entry),
		filter:    filter.New(cfg),
		now:       time.Now,
	}
}

// SetClock overrides the time source used for key expiry.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Registry) recount() {
	r.stats.TotalKeys = len(r.keys)
}

// Add inserts rawKey without expiry.
func (r *Registry) Add(rawKey string) AddResult {
	return r.AddWithExpiry(rawKey, time.Time{})
}

// AddWithExpiry inserts rawKey; a zero expiresAt means the key never expires.
func (r *Registry) AddWithExpiry(rawKey string, expiresAt time.Time) AddResult {
	key, err := keys.Normalize(rawKey)
	if err != nil {
		return InvalidAdd
	}
	if _, ok := r.keys[key]; ok {
		return Duplicate
	}

	r.filter.Add(key)
	r.keys[key] = Entry{ExpiresAt: expiresAt}
	r.stats.KeysAdded++
	r.recount()
	return Added
}

// Remove deletes rawKey from the authoritative set. The filter is untouched.
func (r *Registry) Remove(rawKey string) RemoveResult {
	key, err := keys.Normalize(rawKey)
	if err != nil {
		return InvalidRemove
	}
	if _, ok := r.keys[key]; !ok {
		return NotFound
	}

	delete(r.keys, key)
	r.stats.KeysRemoved++
	r.recount()
	return Removed
}

// Verify reports whether rawKey is currently redeemable.
func (r *Registry) Verify(rawKey string) bool {
	key, err := keys.Normalize(rawKey)
	if err != nil {
		return false
	}
	return r.contains(key)
}

func (r *Registry) contains(key string) bool {
	// Filter first: most guessed keys stop here.
	if !r.filter.MightContain(key) {
		return false
	}
	e, ok := r.keys[key]
	return ok && !e.expired(r.now())
}

// Consume removes a canonical key for a claim in progress. It reports false
// if the key is not redeemable. Claim consumption is counted through the
// claim counters, not KeysRemoved.
func (r *Registry) Consume(key string) (Entry, bool) {
	if !r.contains(key) {
		return Entry{}, false
	}
	e := r.keys[key]
	delete(r.keys, key)
	r.recount()
	return e, true
}

// Reinstate puts back a key taken by Consume.
func (r *Registry) Reinstate(key string, e Entry) {
	r.filter.Add(key)
	r.keys[key] = e
	r.recount()
}

// Clear empties the set, replaces the filter and returns the number of keys removed.
func (r *Registry) Clear() int {
	n := len(r.keys)
	r.keys = make(map[string]Entry)
	r.filter = filter.New(r.filterCfg)
	r.stats.KeysRemoved += uint64(n)
	r.recount()
	return n
}

// PurgeExpired removes every expired key and returns how many were removed.
func (r *Registry) PurgeExpired() int {
	now := r.now()
	n := 0
	for key, e := range r.keys {
		if e.expired(now) {
			delete(r.keys, key)
			n++
		}
	}
	r.stats.KeysRemoved += uint64(n)
	r.recount()
	return n
}

// RebuildFilter replaces the filter with a fresh one built from the set.
func (r *Registry) RebuildFilter() {
	f := filter.New(r.filterCfg)
	for key := range r.keys {
		f.Add(key)
	}
	r.filter = f
}

// Filter returns the current membership filter.
func (r *Registry) Filter() *filter.Filter {
	return r.filter
}

// Len returns the size of the authoritative set.
func (r *Registry) Len() int {
	return len(r.keys)
}

// Keys returns the canonical keys in sorted order.
func (r *Registry) Keys() []string {
	out := make([]string, 0, len(r.keys))
	for key := range r.keys {
		out = append(out, key)
	}
	slices.Sort(out)
	return out
}

// Stats returns a copy of the counters.
func (r *Registry) Stats() Stats {
	return r.stats.clone()
}

// RecordClaimSuccess counts a committed claim.
func (r *Registry) RecordClaimSuccess(at time.Time) {
	r.stats.SuccessfulClaims++
	r.stats.LastClaimTimestamp = &at
}

// RecordClaimFailure counts a rejected claim.
func (r *Registry) RecordClaimFailure() {
	r.stats.FailedClaims++
}
