package claim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/realmkeeper/realmkeeper/internal/audit"
	"github.com/realmkeeper/realmkeeper/internal/cooldown"
	"github.com/realmkeeper/realmkeeper/internal/filter"
	"github.com/realmkeeper/realmkeeper/internal/keys"
	"github.com/realmkeeper/realmkeeper/internal/observability/logger"
	"github.com/realmkeeper/realmkeeper/internal/observability/metrics"
	"github.com/realmkeeper/realmkeeper/internal/registry"
	"github.com/realmkeeper/realmkeeper/internal/tenant"
)

type mockGranter struct {
	mock.Mock
}

func (m *mockGranter) GrantEntitlement(ctx context.Context, callerID, entitlementID string) error {
	args := m.Called(ctx, callerID, entitlementID)
	return args.Error(0)
}

var grantOK = GranterFunc(func(context.Context, string, string) error { return nil })

type fixture struct {
	store     *tenant.Store
	cooldowns *cooldown.Tracker
	audit     *audit.Recorder
	tenant    *tenant.Tenant
}

func newFixture(t *testing.T, cooldownSeconds int, initial ...string) *fixture {
	t.Helper()
	reg := registry.New(filter.Config{})
	for _, k := range initial {
		require.Equal(t, registry.Added, reg.Add(k))
	}
	tn := tenant.New("realm", tenant.Settings{
		EntitlementID:    "Knight",
		CommandAlias:     tenant.DefaultCommandAlias,
		CooldownSeconds:  cooldownSeconds,
		MessageTemplates: []string{"{user} is now a {role}"},
	}, reg)

	store := tenant.NewStore()
	store.Put(tn)
	return &fixture{
		store:     store,
		cooldowns: cooldown.New(),
		audit:     &audit.Recorder{},
		tenant:    tn,
	}
}

func (f *fixture) coordinator(t *testing.T, g Granter, timeout time.Duration) *Coordinator {
	t.Helper()
	m, err := metrics.New(context.Background(), metrics.Config{}, "test")
	require.NoError(t, err)
	instruments, err := metrics.NewClaims(m)
	require.NoError(t, err)
	return New(f.store, f.cooldowns, g, Options{
		GrantTimeout: timeout,
		Audit:        f.audit,
		Metrics:      instruments,
		Logger:       logger.Discard(),
	})
}

func claimOf(key, caller string) Request {
	return Request{TenantID: "realm", CallerID: caller, Key: key}
}

// TestPurpose: Validates the basic redeem-once flow.
// Scope: Unit Test
// Expected: The first claim succeeds and empties the registry; a second caller presenting the same key gets InvalidOrUsedKey.
// Test Case ID: CLM-01
func TestCoordinator_RedeemOnce(t *testing.T) {
	key := "a1b2c3d4-e5f6-4a7b-8c9d-0e1f2a3b4c5d"
	f := newFixture(t, 0, key)
	c := f.coordinator(t, grantOK, 0)
	require.Equal(t, 1, f.tenant.Registry.Stats().TotalKeys)

	res, err := c.Claim(context.Background(), claimOf(strings.ToUpper(key), "user1"))
	require.NoError(t, err)
	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, "user1 is now a Knight", res.Message)
	assert.Equal(t, 0, f.tenant.Registry.Stats().TotalKeys)

	res, err = c.Claim(context.Background(), claimOf(key, "user2"))
	require.NoError(t, err)
	assert.Equal(t, InvalidOrUsedKey, res.Outcome)

	st := f.tenant.Registry.Stats()
	assert.Equal(t, uint64(1), st.SuccessfulClaims)
	assert.Equal(t, uint64(1), st.FailedClaims)
	require.NotNil(t, st.LastClaimTimestamp)
	assert.Equal(t, uint64(0), st.KeysRemoved)
	assert.Equal(t, []string{audit.TypeClaimSucceeded, audit.TypeClaimFailed}, f.audit.Types())
}

// TestPurpose: Validates at-most-once redemption under concurrency.
// Scope: Unit Test
// Expected: With N concurrent callers presenting one key, exactly one succeeds and N-1 receive InvalidOrUsedKey.
// Test Case ID: CLM-02
func TestCoordinator_ConcurrentSameKey(t *testing.T) {
	key := keys.New()
	f := newFixture(t, 0, key)
	slow := GranterFunc(func(ctx context.Context, _, _ string) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	c := f.coordinator(t, slow, time.Second)

	const n = 32
	results := make([]Result, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := c.Claim(context.Background(), claimOf(key, fmt.Sprintf("user%d", i)))
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	close(start)
	wg.Wait()

	counts := map[Outcome]int{}
	for _, r := range results {
		counts[r.Outcome]++
	}
	assert.Equal(t, 1, counts[Success])
	assert.Equal(t, n-1, counts[InvalidOrUsedKey])
	assert.Equal(t, uint64(1), f.tenant.Registry.Stats().SuccessfulClaims)
	assert.Equal(t, uint64(n-1), f.tenant.Registry.Stats().FailedClaims)
}

// TestPurpose: Validates rollback when the grant action fails.
// Scope: Unit Test
// Expected: DownstreamGrantFailure, key restored, total_keys unchanged, successful_claims not incremented, no cooldown recorded.
// Test Case ID: CLM-03
func TestCoordinator_GrantFailureRollsBack(t *testing.T) {
	key := keys.New()
	f := newFixture(t, 300, key)
	g := &mockGranter{}
	g.On("GrantEntitlement", mock.Anything, "user1", "Knight").Return(errors.New("platform unavailable")).Once()
	g.On("GrantEntitlement", mock.Anything, "user1", "Knight").Return(nil).Once()
	c := f.coordinator(t, g, time.Second)

	res, err := c.Claim(context.Background(), claimOf(key, "user1"))
	require.NoError(t, err)
	assert.Equal(t, DownstreamGrantFailure, res.Outcome)
	assert.Contains(t, res.Message, "still valid")

	st := f.tenant.Registry.Stats()
	assert.Equal(t, 1, st.TotalKeys)
	assert.Zero(t, st.SuccessfulClaims)
	assert.Nil(t, st.LastClaimTimestamp)
	assert.True(t, f.tenant.Registry.Verify(key))
	assert.Zero(t, f.cooldowns.Remaining("realm", "user1"))

	// The restored key can still be redeemed.
	res, err = c.Claim(context.Background(), claimOf(key, "user1"))
	require.NoError(t, err)
	assert.Equal(t, Success, res.Outcome)
	g.AssertExpectations(t)
	assert.Equal(t, []string{audit.TypeClaimRolledBack, audit.TypeClaimSucceeded}, f.audit.Types())
}

// TestPurpose: Validates that timeouts, panics and cancellation in the grant call count as failures.
// Scope: Unit Test
// Expected: Each case returns DownstreamGrantFailure and the key remains redeemable.
// Test Case ID: CLM-04
func TestCoordinator_GrantTimeoutPanicCancel(t *testing.T) {
	tests := map[string]Granter{
		"honours deadline": GranterFunc(func(ctx context.Context, _, _ string) error {
			<-ctx.Done()
			return ctx.Err()
		}),
		"ignores deadline": GranterFunc(func(ctx context.Context, _, _ string) error {
			time.Sleep(200 * time.Millisecond)
			return nil
		}),
		"panics": GranterFunc(func(context.Context, string, string) error {
			panic("boom")
		}),
	}
	for name, g := range tests {
		t.Run(name, func(t *testing.T) {
			key := keys.New()
			f := newFixture(t, 0, key)
			c := f.coordinator(t, g, 20*time.Millisecond)

			res, err := c.Claim(context.Background(), claimOf(key, "user1"))
			require.NoError(t, err)
			assert.Equal(t, DownstreamGrantFailure, res.Outcome)
			assert.True(t, f.tenant.Registry.Verify(key))
			assert.Equal(t, 1, f.tenant.Registry.Len())
		})
	}

	t.Run("caller cancels", func(t *testing.T) {
		key := keys.New()
		f := newFixture(t, 0, key)
		ctx, cancel := context.WithCancel(context.Background())
		g := GranterFunc(func(gctx context.Context, _, _ string) error {
			cancel()
			<-gctx.Done()
			return gctx.Err()
		})
		c := f.coordinator(t, g, time.Second)

		res, err := c.Claim(ctx, claimOf(key, "user1"))
		require.NoError(t, err)
		assert.Equal(t, DownstreamGrantFailure, res.Outcome)
		assert.True(t, f.tenant.Registry.Verify(key))
	})
}

// TestPurpose: Validates per-caller cooldown and privileged bypass.
// Scope: Unit Test
// Expected: A second claim within 300s yields CooldownActive with a positive wait; a privileged caller never does.
// Test Case ID: CLM-05
func TestCoordinator_Cooldown(t *testing.T) {
	k1, k2, k3, k4 := keys.New(), keys.New(), keys.New(), keys.New()
	f := newFixture(t, 300, k1, k2, k3, k4)
	c := f.coordinator(t, grantOK, time.Second)

	res, err := c.Claim(context.Background(), claimOf(k1, "user1"))
	require.NoError(t, err)
	require.Equal(t, Success, res.Outcome)

	res, err = c.Claim(context.Background(), claimOf(k2, "user1"))
	require.NoError(t, err)
	assert.Equal(t, CooldownActive, res.Outcome)
	assert.Positive(t, res.RetryAfter)
	assert.LessOrEqual(t, res.RetryAfter, 300*time.Second)
	assert.Equal(t, 300, res.RetryAfterSeconds())
	assert.Contains(t, res.Message, "300 seconds")
	assert.True(t, f.tenant.Registry.Verify(k2), "cooldown must not consume the key")

	res, err = c.Claim(context.Background(), claimOf(k2, "user2"))
	require.NoError(t, err)
	assert.Equal(t, Success, res.Outcome)

	admin := Request{TenantID: "realm", CallerID: "admin", Key: k3, Privileged: true}
	res, err = c.Claim(context.Background(), admin)
	require.NoError(t, err)
	assert.Equal(t, Success, res.Outcome)
	admin.Key = k4
	res, err = c.Claim(context.Background(), admin)
	require.NoError(t, err)
	assert.Equal(t, Success, res.Outcome)
}

// TestPurpose: Validates that one caller racing with several keys is still bound by the cooldown.
// Scope: Unit Test
// Expected: Exactly one of the concurrent claims succeeds; the rest see CooldownActive and keep their keys.
// Test Case ID: CLM-06
func TestCoordinator_CooldownRecheckedUnderLock(t *testing.T) {
	const n = 8
	var ks []string
	for range n {
		ks = append(ks, keys.New())
	}
	f := newFixture(t, 60, ks...)
	c := f.coordinator(t, grantOK, time.Second)

	var wg sync.WaitGroup
	results := make([]Result, n)
	for i, k := range ks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Claim(context.Background(), claimOf(k, "greedy"))
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	success := 0
	for _, r := range results {
		if r.Outcome == Success {
			success++
		} else {
			assert.Equal(t, CooldownActive, r.Outcome)
		}
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, n-1, f.tenant.Registry.Len())
}

// TestPurpose: Validates precondition failures.
// Scope: Unit Test
// Expected: Unknown tenant yields TenantNotConfigured, empty entitlement yields EntitlementMissing, neither mutates stats.
// Test Case ID: CLM-07
func TestCoordinator_Preconditions(t *testing.T) {
	key := keys.New()
	f := newFixture(t, 0, key)
	c := f.coordinator(t, grantOK, time.Second)

	res, err := c.Claim(context.Background(), Request{TenantID: "elsewhere", CallerID: "u", Key: key})
	require.NoError(t, err)
	assert.Equal(t, TenantNotConfigured, res.Outcome)

	bare := tenant.New("bare", tenant.Settings{CommandAlias: "claim"}, registry.New(filter.Config{}))
	require.Equal(t, registry.Added, bare.Registry.Add(key))
	f.store.Put(bare)

	res, err = c.Claim(context.Background(), Request{TenantID: "bare", CallerID: "u", Key: key})
	require.NoError(t, err)
	assert.Equal(t, EntitlementMissing, res.Outcome)
	assert.Equal(t, 1, bare.Registry.Len())
	assert.Zero(t, bare.Registry.Stats().FailedClaims)
}

// TestPurpose: Validates malformed key handling.
// Scope: Unit Test
// Expected: InvalidKeyFormat, failed_claims incremented, key set untouched.
// Test Case ID: CLM-08
func TestCoordinator_InvalidFormat(t *testing.T) {
	key := keys.New()
	f := newFixture(t, 0, key)
	c := f.coordinator(t, grantOK, time.Second)

	for _, raw := range []string{"", "hello", "a1b2c3d4-e5f6-1a7b-8c9d-0e1f2a3b4c5d"} {
		res, err := c.Claim(context.Background(), claimOf(raw, "user1"))
		require.NoError(t, err)
		assert.Equal(t, InvalidKeyFormat, res.Outcome, raw)
	}
	st := f.tenant.Registry.Stats()
	assert.Equal(t, uint64(3), st.FailedClaims)
	assert.Equal(t, 1, st.TotalKeys)
}

// TestPurpose: Validates cancellation while waiting for the tenant lock.
// Scope: Unit Test
// Expected: Claim returns the context error and leaves the registry unchanged.
// Test Case ID: CLM-09
func TestCoordinator_LockWaitCancelled(t *testing.T) {
	key := keys.New()
	f := newFixture(t, 0, key)
	c := f.coordinator(t, grantOK, time.Second)

	require.NoError(t, f.tenant.Lock(context.Background()))
	defer f.tenant.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Claim(ctx, claimOf(key, "user1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, f.tenant.Registry.Len())
	assert.Empty(t, f.audit.Types())
}

func TestOutcomeStrings(t *testing.T) {
	text, err := CooldownActive.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "cooldown_active", string(text))
	assert.Equal(t, "downstream_grant_failure", DownstreamGrantFailure.String())
	assert.Equal(t, "outcome(99)", Outcome(99).String())
}
