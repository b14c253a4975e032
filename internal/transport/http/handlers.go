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

// Package http exposes the keeper service over a JSON API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/realmkeeper/realmkeeper/internal/keeper"
	"github.com/realmkeeper/realmkeeper/internal/observability/logger"
	"github.com/realmkeeper/realmkeeper/internal/tenant"
)

// maxBodyBytes bounds request bodies; large key batches fit comfortably.
const maxBodyBytes = 4 << 20

// Handler holds HTTP handlers and dependencies
type Handler struct {
	service *keeper.Service
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(service *keeper.Service, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	return &Handler{service: service, logger: l.With(logger.Component("http"))}
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, auth *Authenticator, rateLimiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", h.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Use(RateLimitMiddleware(rateLimiter))

		r.Route("/tenants", func(r chi.Router) {
			r.With(RequirePrivileged).Get("/", h.ListTenants)

			r.Route("/{tenantID}", func(r chi.Router) {
				// Any authenticated caller may claim.
				r.Post("/claims", h.Claim)

				r.Group(func(r chi.Router) {
					r.Use(RequirePrivileged)
					r.Get("/", h.GetTenant)
					r.Put("/", h.ConfigureTenant)
					r.Delete("/", h.RemoveTenant)
					r.Put("/templates", h.SetMessageTemplates)
					r.Put("/command", h.SetCommandAlias)
					r.Get("/stats", h.GetStats)
					r.Post("/keys", h.AddKeys)
					r.Delete("/keys", h.RemoveKeys)
					r.Post("/keys/generate", h.GenerateKeys)
					r.Post("/keys/clear", h.ClearKeys)
				})
			})
		})
	})

	return r
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "realmkeeper",
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// handleServiceError maps service errors to HTTP statuses.
func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tenant.ErrInvalidTenantID),
		errors.Is(err, tenant.ErrInvalidTemplate),
		errors.Is(err, tenant.ErrInvalidCommand),
		errors.Is(err, tenant.ErrInvalidCooldown),
		errors.Is(err, tenant.ErrEntitlementRequired),
		errors.Is(err, keeper.ErrInvalidCount),
		errors.Is(err, keeper.ErrInvalidTTL):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tenant.ErrReservedCommand):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusServiceUnavailable, "request cancelled while waiting for the tenant")
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			logger.Path(r.URL.Path),
			logger.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
