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

package audit

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Event types
const (
	TypeTenantConfigured = "tenant_configured"
	TypeTenantRemoved    = "tenant_removed"
	TypeTemplatesUpdated = "templates_updated"
	TypeCommandUpdated   = "command_updated"
	TypeKeysAdded        = "keys_added"
	TypeKeysRemoved      = "keys_removed"
	TypeKeysCleared      = "keys_cleared"
	TypeKeysGenerated    = "keys_generated"
	TypeKeysExpired      = "keys_expired"
	TypeClaimSucceeded   = "claim_succeeded"
	TypeClaimFailed      = "claim_failed"
	TypeClaimRolledBack  = "claim_rolled_back"
)

// Event represents an auditable action
type Event struct {
	Type      string
	TenantID  string
	ActorID   string
	Resource  string
	Metadata  map[string]any
	Timestamp time.Time
}

// Logger defines the interface for audit logging
type Logger interface {
	Log(ctx context.Context, event Event)
}

// SlogLogger implements Logger using slog
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates a new audit logger writing to l, or to the default
// logger when l is nil.
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	return &SlogLogger{logger: l}
}

// Log records an audit event
func (l *SlogLogger) Log(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	attrs := []slog.Attr{
		slog.String("component", "audit"),
		slog.String("audit_type", event.Type),
		slog.String("tenant_id", event.TenantID),
		slog.String("actor_id", event.ActorID),
		slog.Time("timestamp", event.Timestamp),
	}
	if event.Resource != "" {
		attrs = append(attrs, slog.String("resource", event.Resource))
	}

	if len(event.Metadata) > 0 {
		names := make([]string, 0, len(event.Metadata))
		for k := range event.Metadata {
			names = append(names, k)
		}
		slices.Sort(names)

		group := make([]any, 0, len(names))
		for _, k := range names {
			v := event.Metadata[k]
			if isSecret(k) {
				v = "[REDACTED]"
			}
			group = append(group, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", group...))
	}

	logger := l.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "AUDIT_EVENT", attrs...)
}

var secretMarkers = []string{"password", "secret", "token", "key", "hash", "credential", "authorization"}

// isSecret reports whether a metadata name likely holds a secret
func isSecret(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range secretMarkers {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Recorder keeps events in memory. It is used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Log implements Logger
func (r *Recorder) Log(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
