package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realmkeeper/realmkeeper/internal/claim"
	"github.com/realmkeeper/realmkeeper/internal/cooldown"
	"github.com/realmkeeper/realmkeeper/internal/keeper"
	"github.com/realmkeeper/realmkeeper/internal/keys"
	"github.com/realmkeeper/realmkeeper/internal/observability/logger"
	"github.com/realmkeeper/realmkeeper/internal/tenant"
)

const testSecret = "test-secret"

type apiFixture struct {
	router http.Handler
	auth   *Authenticator
	admin  string
	user   string
	grant  func(callerID string) error
}

func newAPI(t *testing.T, rps float64, burst int) *apiFixture {
	t.Helper()
	f := &apiFixture{grant: func(string) error { return nil }}

	store := tenant.NewStore()
	cooldowns := cooldown.New()
	t.Cleanup(cooldowns.Stop)
	granter := claim.GranterFunc(func(_ context.Context, callerID, _ string) error {
		return f.grant(callerID)
	})
	coord := claim.New(store, cooldowns, granter, claim.Options{GrantTimeout: time.Second, Logger: logger.Discard()})
	svc := keeper.New(store, cooldowns, coord, keeper.Options{Logger: logger.Discard()})

	auth, err := NewAuthenticator(testSecret, "realmkeeper")
	require.NoError(t, err)
	f.auth = auth
	f.admin, err = auth.IssueToken("admin-1", true, time.Hour)
	require.NoError(t, err)
	f.user, err = auth.IssueToken("user-1", false, time.Hour)
	require.NoError(t, err)

	f.router = NewRouter(NewHandler(svc, logger.Discard()), auth, NewRateLimiter(rps, burst, time.Minute))
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

// TestPurpose: Validates authentication and authorization of the API.
// Scope: Unit Test
// Expected: Missing or forged tokens get 401, non-privileged callers get 403 on admin routes, health is public.
// Test Case ID: HTTP-01
func TestRouter_Auth(t *testing.T) {
	f := newAPI(t, 100, 100)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/v1/tenants", "", nil).Code)

	other, err := NewAuthenticator("another-secret", "realmkeeper")
	require.NoError(t, err)
	forged, err := other.IssueToken("admin-1", true, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/v1/tenants", forged, nil).Code)

	noExpiry, err := f.auth.IssueToken("admin-1", true, -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/tenants", noExpiry, nil).Code, "non-positive ttl issues a token without expiry")

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/v1/tenants", f.user, nil).Code)
	assert.Equal(t, http.StatusForbidden,
		f.do(t, http.MethodPut, "/api/v1/tenants/g", f.user, ConfigureTenantRequest{EntitlementID: "x"}).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/tenants", f.admin, nil).Code)

	_, err = NewAuthenticator("", "")
	assert.Error(t, err)
}

// TestPurpose: Validates the administrative workflow end to end.
// Scope: Unit Test
// Expected: Configure, add, generate, remove, clear and stats return the documented bodies and statuses.
// Test Case ID: HTTP-02
func TestRouter_AdminWorkflow(t *testing.T) {
	f := newAPI(t, 100, 100)

	w := f.do(t, http.MethodPut, "/api/v1/tenants/guild-1", f.admin, ConfigureTenantRequest{
		EntitlementID:   "Knight",
		CooldownSeconds: 30,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view := decode[keeper.TenantView](t, w)
	assert.Equal(t, "Knight", view.EntitlementID)
	assert.Equal(t, "claim", view.CommandAlias)

	batch := keys.Generate(3)
	w = f.do(t, http.MethodPost, "/api/v1/tenants/guild-1/keys", f.admin, KeysRequest{Keys: append(batch, "nope")})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, keeper.AddReport{Added: 3, Invalid: 1}, decode[keeper.AddReport](t, w))

	w = f.do(t, http.MethodPost, "/api/v1/tenants/guild-1/keys/generate", f.admin, GenerateKeysRequest{Count: 2})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Len(t, decode[map[string][]string](t, w)["keys"], 2)

	w = f.do(t, http.MethodPost, "/api/v1/tenants/guild-1/keys/generate", f.admin, GenerateKeysRequest{Count: 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/tenants/guild-1/keys", f.admin, KeysRequest{Keys: batch[:1]})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, keeper.RemoveReport{Removed: 1}, decode[keeper.RemoveReport](t, w))

	w = f.do(t, http.MethodGet, "/api/v1/tenants/guild-1/stats", f.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[map[string]any](t, w)
	assert.EqualValues(t, 4, stats["total_keys"])
	assert.EqualValues(t, 5, stats["keys_added"])

	w = f.do(t, http.MethodPost, "/api/v1/tenants/guild-1/keys/clear", f.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 4, decode[map[string]int](t, w)["removed"])

	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPut, "/api/v1/tenants/guild-1/templates", f.admin, SetTemplatesRequest{Templates: []string{"no placeholders"}}).Code)
	assert.Equal(t, http.StatusOK,
		f.do(t, http.MethodPut, "/api/v1/tenants/guild-1/templates", f.admin, SetTemplatesRequest{Templates: []string{"{user}: {role}"}}).Code)
	assert.Equal(t, http.StatusConflict,
		f.do(t, http.MethodPut, "/api/v1/tenants/guild-1/command", f.admin, SetCommandRequest{Alias: "setup"}).Code)
	w = f.do(t, http.MethodPut, "/api/v1/tenants/guild-1/command", f.admin, SetCommandRequest{Alias: "Redeem"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "redeem", decode[map[string]string](t, w)["alias"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/tenants/missing/stats", f.admin, nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPut, "/api/v1/tenants/guild-2", f.admin, ConfigureTenantRequest{}).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/api/v1/tenants/guild-1/keys", f.admin, map[string]any{"unknown": true}).Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/v1/tenants/guild-1", f.admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/tenants/guild-1", f.admin, nil).Code)
}

// TestPurpose: Validates the claim outcome to status mapping.
// Scope: Unit Test
// Expected: 200, 400, 404, 429 with Retry-After, 404 for unknown tenants and 502 for grant failures.
// Test Case ID: HTTP-03
func TestRouter_ClaimStatuses(t *testing.T) {
	f := newAPI(t, 100, 100)
	ks := keys.Generate(3)
	w := f.do(t, http.MethodPut, "/api/v1/tenants/g", f.admin, ConfigureTenantRequest{
		EntitlementID:    "Knight",
		CooldownSeconds:  90,
		MessageTemplates: []string{"{user} is now {role}"},
		InitialKeys:      ks,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/tenants/g/claims", f.user, ClaimRequest{Key: ks[0]})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[map[string]any](t, w)
	assert.Equal(t, "success", resp["outcome"])
	assert.Equal(t, "user-1 is now Knight", resp["message"])

	w = f.do(t, http.MethodPost, "/api/v1/tenants/g/claims", f.user, ClaimRequest{Key: ks[1]})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "90", w.Header().Get("Retry-After"))

	// Privileged callers are not subject to cooldowns.
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/tenants/g/claims", f.admin, ClaimRequest{Key: "xyz"}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/tenants/g/claims", f.admin, ClaimRequest{Key: ks[0]}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/tenants/none/claims", f.admin, ClaimRequest{Key: ks[1]}).Code)

	f.grant = func(string) error { return errors.New("upstream 503") }
	w = f.do(t, http.MethodPost, "/api/v1/tenants/g/claims", f.admin, ClaimRequest{Key: ks[1]})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "downstream_grant_failure", decode[map[string]any](t, w)["outcome"])

	f.grant = func(string) error { return nil }
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/tenants/g/claims", f.admin, ClaimRequest{Key: ks[1]}).Code,
		"key restored after the failed grant")
}

// TestPurpose: Validates per-caller rate limiting.
// Scope: Unit Test
// Expected: Requests beyond the burst get 429 with Retry-After, other callers are unaffected.
// Test Case ID: HTTP-04
func TestRouter_RateLimit(t *testing.T) {
	f := newAPI(t, 0.001, 2)

	for range 2 {
		assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/v1/tenants", f.user, nil).Code)
	}
	w := f.do(t, http.MethodGet, "/api/v1/tenants", f.user, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/tenants", f.admin, nil).Code)
}

// TestPurpose: Validates the rate limiter lifecycle.
// Scope: Unit Test
// Expected: Stop returns when Start never ran and stops a running eviction loop.
// Test Case ID: HTTP-05
func TestRateLimiter_StopWithoutStart(t *testing.T) {
	idle := NewRateLimiter(1, 1, time.Minute)
	done := make(chan struct{})
	go func() {
		idle.Stop()
		idle.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a limiter that was never started")
	}

	running := NewRateLimiter(1, 1, time.Minute)
	go running.Start()
	assert.Eventually(t, func() bool {
		running.mu.Lock()
		defer running.mu.Unlock()
		return running.running
	}, time.Second, 5*time.Millisecond)
	running.Stop()
}

// TestPurpose: Validates key ttl bounds on the API.
// Scope: Unit Test
// Expected: Negative or overflowing ttl_seconds are rejected with 400; a valid ttl is accepted.
// Test Case ID: HTTP-06
func TestRouter_KeyTTLBounds(t *testing.T) {
	f := newAPI(t, 100, 100)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/v1/tenants/g", f.admin, ConfigureTenantRequest{EntitlementID: "Knight"}).Code)

	huge := 10_000_000_000
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/api/v1/tenants/g/keys", f.admin, KeysRequest{Keys: []string{keys.New()}, TTLSeconds: huge}).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/api/v1/tenants/g/keys/generate", f.admin, GenerateKeysRequest{Count: 1, TTLSeconds: -1}).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPut, "/api/v1/tenants/g", f.admin, ConfigureTenantRequest{EntitlementID: "Knight", CooldownSeconds: huge}).Code)
	assert.Equal(t, http.StatusCreated,
		f.do(t, http.MethodPost, "/api/v1/tenants/g/keys/generate", f.admin, GenerateKeysRequest{Count: 1, TTLSeconds: 3600}).Code)
}
