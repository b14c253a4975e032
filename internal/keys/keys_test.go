package keys

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates that raw key input is normalized to a single canonical lowercase form.
// Scope: Unit Test
// Expected: Mixed-case and padded v4 UUIDs normalize; other versions and shapes are rejected.
// Test Case ID: KEY-01
func TestKeys_Normalize(t *testing.T) {
	const canonical = "a1b2c3d4-e5f6-4a7b-8c9d-0e1f2a3b4c5d"

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"canonical", canonical, canonical, false},
		{"uppercase", strings.ToUpper(canonical), canonical, false},
		{"surrounding whitespace", "  " + canonical + "\n", canonical, false},
		{"empty", "", "", true},
		{"garbage", "not-a-key", "", true},
		{"version 1", "a1b2c3d4-e5f6-1a7b-8c9d-0e1f2a3b4c5d", "", true},
		{"bad variant", "a1b2c3d4-e5f6-4a7b-cc9d-0e1f2a3b4c5d", "", true},
		{"no hyphens", "a1b2c3d4e5f64a7b8c9d0e1f2a3b4c5d", "", true},
		{"braced", "{" + canonical + "}", "", true},
		{"urn", "urn:uuid:" + canonical, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKeyFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestPurpose: Validates that generated keys are canonical and distinct.
// Scope: Unit Test
// Expected: Every generated key normalizes to itself and no two are equal.
// Test Case ID: KEY-02
func TestKeys_Generate(t *testing.T) {
	generated := Generate(50)
	require.Len(t, generated, 50)

	seen := make(map[string]struct{}, len(generated))
	for _, k := range generated {
		got, err := Normalize(k)
		require.NoError(t, err)
		assert.Equal(t, k, got)
		seen[k] = struct{}{}
	}
	assert.Len(t, seen, 50)
}

func TestKeys_Redact(t *testing.T) {
	assert.Equal(t, "a1b2c3d4...", Redact("a1b2c3d4-e5f6-4a7b-8c9d-0e1f2a3b4c5d"))
	assert.Equal(t, "...", Redact("short"))
}
