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

package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/realmkeeper/realmkeeper/internal/keeper"
)

// ConfigureTenantRequest represents tenant configuration data
type ConfigureTenantRequest struct {
	EntitlementID      string   `json:"entitlement_id"`
	CommandAlias       string   `json:"command_alias,omitempty"`
	CooldownSeconds    int      `json:"cooldown_seconds"`
	AnnouncementTarget *string  `json:"announcement_target,omitempty"`
	MessageTemplates   []string `json:"message_templates,omitempty"`
	InitialKeys        []string `json:"initial_keys,omitempty"`
}

// ConfigureTenant creates or updates a tenant
func (h *Handler) ConfigureTenant(w http.ResponseWriter, r *http.Request) {
	var req ConfigureTenantRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	v, err := h.service.ConfigureTenant(r.Context(), keeper.TenantConfig{
		ID:                 chi.URLParam(r, "tenantID"),
		EntitlementID:      req.EntitlementID,
		CommandAlias:       req.CommandAlias,
		CooldownSeconds:    req.CooldownSeconds,
		AnnouncementTarget: req.AnnouncementTarget,
		MessageTemplates:   req.MessageTemplates,
		InitialKeys:        req.InitialKeys,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, v)
}

// RemoveTenant deletes a tenant
func (h *Handler) RemoveTenant(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RemoveTenant(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTenant returns one tenant
func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.GetTenant(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

// ListTenants returns every tenant
func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.ListTenants(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tenants": views})
}

// SetTemplatesRequest replaces the success templates
type SetTemplatesRequest struct {
	Templates []string `json:"templates"`
}

// SetMessageTemplates replaces the success templates of a tenant
func (h *Handler) SetMessageTemplates(w http.ResponseWriter, r *http.Request) {
	var req SetTemplatesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.service.SetMessageTemplates(r.Context(), chi.URLParam(r, "tenantID"), req.Templates); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"templates": req.Templates})
}

// SetCommandRequest changes the command alias
type SetCommandRequest struct {
	Alias string `json:"alias"`
}

// SetCommandAlias changes the command alias of a tenant
func (h *Handler) SetCommandAlias(w http.ResponseWriter, r *http.Request) {
	var req SetCommandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	alias, err := h.service.SetCommandAlias(r.Context(), chi.URLParam(r, "tenantID"), req.Alias)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"alias": alias})
}

// GetStats returns the counters of a tenant
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStats(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// KeysRequest carries a batch of keys
type KeysRequest struct {
	Keys       []string `json:"keys"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
}

// AddKeys inserts a batch of keys
func (h *Handler) AddKeys(w http.ResponseWriter, r *http.Request) {
	var req KeysRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	keyTTL, err := ttl(req.TTLSeconds)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	report, err := h.service.AddKeys(r.Context(), chi.URLParam(r, "tenantID"), req.Keys, keyTTL)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// RemoveKeys deletes a batch of keys
func (h *Handler) RemoveKeys(w http.ResponseWriter, r *http.Request) {
	var req KeysRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	report, err := h.service.RemoveKeys(r.Context(), chi.URLParam(r, "tenantID"), req.Keys)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// ClearKeys removes every key of a tenant
func (h *Handler) ClearKeys(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.ClearKeys(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// GenerateKeysRequest asks for fresh keys
type GenerateKeysRequest struct {
	Count      int `json:"count"`
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// GenerateKeys creates fresh keys and returns them
func (h *Handler) GenerateKeys(w http.ResponseWriter, r *http.Request) {
	var req GenerateKeysRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	keyTTL, err := ttl(req.TTLSeconds)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	generated, err := h.service.GenerateKeys(r.Context(), chi.URLParam(r, "tenantID"), req.Count, keyTTL)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"keys": generated})
}

// ttl converts ttl_seconds without overflowing. Zero means no expiry.
func ttl(seconds int) (time.Duration, error) {
	if seconds < 0 || int64(seconds) > int64(keeper.MaxKeyTTL/time.Second) {
		return 0, fmt.Errorf("%w: ttl_seconds %d", keeper.ErrInvalidTTL, seconds)
	}
	return time.Duration(seconds) * time.Second, nil
}
