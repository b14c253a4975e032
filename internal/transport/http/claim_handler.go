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
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/realmkeeper/realmkeeper/internal/claim"
)

// ClaimRequest carries the key to redeem
type ClaimRequest struct {
	Key string `json:"key"`
}

// ClaimResponse reports the outcome of a claim
type ClaimResponse struct {
	Outcome           claim.Outcome `json:"outcome"`
	Message           string        `json:"message"`
	RetryAfterSeconds int           `json:"retry_after_seconds,omitempty"`
}

// claimStatus maps claim outcomes to HTTP statuses.
var claimStatus = map[claim.Outcome]int{
	claim.Success:                http.StatusOK,
	claim.InvalidKeyFormat:       http.StatusBadRequest,
	claim.InvalidOrUsedKey:       http.StatusNotFound,
	claim.CooldownActive:         http.StatusTooManyRequests,
	claim.TenantNotConfigured:    http.StatusNotFound,
	claim.EntitlementMissing:     http.StatusConflict,
	claim.DownstreamGrantFailure: http.StatusBadGateway,
}

// Claim redeems a key for the authenticated caller
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.Claim(r.Context(), claim.Request{
		TenantID:   chi.URLParam(r, "tenantID"),
		CallerID:   GetCallerID(r.Context()),
		Key:        req.Key,
		Privileged: IsPrivileged(r.Context()),
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	status, ok := claimStatus[res.Outcome]
	if !ok {
		status = http.StatusInternalServerError
	}
	resp := ClaimResponse{Outcome: res.Outcome, Message: res.Message}
	if res.Outcome == claim.CooldownActive {
		resp.RetryAfterSeconds = res.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
	}
	respondJSON(w, status, resp)
}
