package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realmkeeper/realmkeeper/internal/config"
	"github.com/realmkeeper/realmkeeper/internal/filter"
	"github.com/realmkeeper/realmkeeper/internal/keys"
	"github.com/realmkeeper/realmkeeper/internal/observability/logger"
	"github.com/realmkeeper/realmkeeper/internal/persistence"
	"github.com/realmkeeper/realmkeeper/internal/registry"
	"github.com/realmkeeper/realmkeeper/internal/store/file"
	"github.com/realmkeeper/realmkeeper/internal/tenant"
	transportHTTP "github.com/realmkeeper/realmkeeper/internal/transport/http"
)

func fileConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Dir = t.TempDir()
	return cfg
}

// TestPurpose: Validates the snapshot check report.
// Scope: Unit Test
// Expected: Healthy tenants are listed as ok; a deleted filter blob is reported as rebuilt and fails --strict.
// Test Case ID: CLI-01
func TestSnapshotCheck(t *testing.T) {
	cfg := fileConfig(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, runSnapshotCheck(ctx, cfg, logger.Discard(), &out, true))
	assert.Contains(t, out.String(), "no snapshot stored")

	store := tenant.NewStore()
	for _, id := range []string{"alpha", "beta"} {
		reg := registry.New(filter.Config{})
		for range 5 {
			reg.Add(keys.New())
		}
		store.Put(tenant.New(id, tenant.Settings{
			EntitlementID:    "role",
			CommandAlias:     "claim",
			MessageTemplates: tenant.DefaultTemplates,
		}, reg))
	}
	backend, err := file.New(cfg.Storage.Dir, cfg.Storage.BackupCount, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, persistence.NewManager(store, backend, persistence.Options{Logger: logger.Discard()}).Save(ctx))

	out.Reset()
	require.NoError(t, runSnapshotCheck(ctx, cfg, logger.Discard(), &out, true))
	assert.Contains(t, out.String(), "2 tenants, 0 filters rebuilt")

	require.NoError(t, os.Remove(filepath.Join(cfg.Storage.Dir, "filters", "beta.bloom")))
	out.Reset()
	err = runSnapshotCheck(ctx, cfg, logger.Discard(), &out, true)
	assert.ErrorIs(t, err, errUnhealthySnapshot)
	lines := strings.Split(out.String(), "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Contains(t, lines[1], "ok")
	assert.Contains(t, lines[2], "rebuilt")
}

// TestPurpose: Validates the snapshot reset command.
// Scope: Unit Test
// Expected: Reset without --yes is refused; with --yes the stored snapshot is empty and the old document is kept as a backup.
// Test Case ID: CLI-03
func TestSnapshotReset(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.FileEnv, "")
	t.Setenv("STORAGE_BACKEND", config.BackendFile)
	t.Setenv("STORAGE_DIR", dir)
	t.Setenv("AUTH_JWT_SECRET", "cli-secret")

	cfg := config.Default()
	cfg.Storage.Dir = dir
	store := tenant.NewStore()
	store.Put(tenant.New("alpha", tenant.Settings{
		EntitlementID:    "role",
		CommandAlias:     "claim",
		MessageTemplates: tenant.DefaultTemplates,
	}, registry.New(filter.Config{})))
	backend, err := file.New(dir, cfg.Storage.BackupCount, logger.Discard())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, persistence.NewManager(store, backend, persistence.Options{Logger: logger.Discard()}).Save(ctx))

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"snapshot", "reset"})
	assert.ErrorIs(t, root.Execute(), errResetNotConfirmed)

	var out bytes.Buffer
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"snapshot", "reset", "--yes"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "removed 1 tenants")

	snap, err := backend.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Tenants)
	assert.FileExists(t, filepath.Join(dir, "realms.json.1"))
}

// TestPurpose: Validates the token command.
// Scope: Unit Test
// Expected: The printed token verifies with the configured secret and carries the requested claims.
// Test Case ID: CLI-02
func TestTokenCommand(t *testing.T) {
	t.Setenv(config.FileEnv, "")
	t.Setenv("STORAGE_BACKEND", config.BackendMemory)
	t.Setenv("AUTH_JWT_SECRET", "cli-secret")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--caller", "ops-bot", "--privileged"})
	require.NoError(t, root.Execute())

	auth, err := transportHTTP.NewAuthenticator("cli-secret", "")
	require.NoError(t, err)
	claims, err := auth.ParseToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "ops-bot", claims.CallerID)
	assert.True(t, claims.Privileged)
	assert.NotNil(t, claims.ExpiresAt)
}
