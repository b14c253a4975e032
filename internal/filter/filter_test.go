package filter

import (
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKeys(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = uuid.NewString()
	}
	return out
}

// TestPurpose: Validates that the filter never reports a false negative, including across slice growth.
// Scope: Unit Test
// Expected: Every inserted key tests positive after inserting far more keys than the initial capacity.
// Test Case ID: FLT-01
func TestFilter_NoFalseNegatives(t *testing.T) {
	f := New(Config{FalsePositiveRate: 0.01, InitialCapacity: 16})
	inserted := randomKeys(2000)

	for i, k := range inserted {
		f.Add(k)
		// Every previously inserted key must still test positive.
		if i%97 == 0 {
			for _, prev := range inserted[:i+1] {
				require.True(t, f.MightContain(prev), "false negative for %s", prev)
			}
		}
	}
	for _, k := range inserted {
		assert.True(t, f.MightContain(k))
	}
	assert.Greater(t, f.Slices(), 1, "filter should have grown")
	assert.GreaterOrEqual(t, f.Capacity(), uint64(2000))
}

// TestPurpose: Validates that the observed false-positive rate stays near the configured target.
// Scope: Unit Test
// Expected: Fewer than 2% positives for 10k unseen keys with a 0.1% target.
// Test Case ID: FLT-02
func TestFilter_FalsePositiveRate(t *testing.T) {
	f := New(Config{FalsePositiveRate: 0.001, InitialCapacity: 100})
	for _, k := range randomKeys(5000) {
		f.Add(k)
	}

	positives := 0
	samples := randomKeys(10000)
	for _, k := range samples {
		if f.MightContain(k) {
			positives++
		}
	}
	assert.Less(t, float64(positives)/float64(len(samples)), 0.02)
}

// TestPurpose: Validates that adding the same key twice does not consume capacity.
// Scope: Unit Test
// Expected: Count is 1 after two identical insertions.
// Test Case ID: FLT-03
func TestFilter_AddIdempotent(t *testing.T) {
	f := New(Config{})
	f.Add("a1b2c3d4-e5f6-4a7b-8c9d-0e1f2a3b4c5d")
	f.Add("a1b2c3d4-e5f6-4a7b-8c9d-0e1f2a3b4c5d")
	assert.Equal(t, uint64(1), f.Count())
	assert.Equal(t, DefaultFalsePositiveRate, f.Config().FalsePositiveRate)
	assert.Equal(t, uint64(DefaultInitialCapacity), f.Config().InitialCapacity)
}

// TestPurpose: Validates that a filter survives a serialize/deserialize round trip.
// Scope: Unit Test
// Expected: The decoded filter answers identically for inserted and unseen keys.
// Test Case ID: FLT-04
func TestFilter_BinaryRoundTrip(t *testing.T) {
	f := New(Config{FalsePositiveRate: 0.01, InitialCapacity: 8})
	inserted := randomKeys(100)
	for _, k := range inserted {
		f.Add(k)
	}

	blob, err := f.MarshalBinary()
	require.NoError(t, err)

	var decoded Filter
	require.NoError(t, decoded.UnmarshalBinary(blob))

	assert.Equal(t, f.Count(), decoded.Count())
	assert.Equal(t, f.Slices(), decoded.Slices())
	for _, k := range inserted {
		assert.True(t, decoded.MightContain(k))
	}
	for _, k := range randomKeys(200) {
		assert.Equal(t, f.MightContain(k), decoded.MightContain(k))
	}
}

// TestPurpose: Validates that damaged blobs are rejected rather than producing a filter with false negatives.
// Scope: Unit Test
// Expected: ErrCorruptFilter for truncation, bit flips, and foreign data.
// Test Case ID: FLT-05
func TestFilter_DecodeCorrupt(t *testing.T) {
	f := New(Config{InitialCapacity: 4})
	for _, k := range randomKeys(10) {
		f.Add(k)
	}
	blob, err := f.MarshalBinary()
	require.NoError(t, err)

	flipped := append([]byte(nil), blob...)
	flipped[len(flipped)/2] ^= 0xff

	cases := map[string][]byte{
		"empty":     nil,
		"truncated": blob[:len(blob)-9],
		"bit flip":  flipped,
		"foreign":   []byte(fmt.Sprintf("%0100d", 7)),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			assert.ErrorIs(t, err, ErrCorruptFilter)
		})
	}
}

// TestPurpose: Validates slice sizes that would wrap when rounded up to words.
// Scope: Unit Test
// Expected: A checksum-valid blob declaring a bit count near the uint64 limit is rejected instead of decoding into a filter that panics on lookup.
// Test Case ID: FLT-06
func TestFilter_DecodeRejectsWrappingSize(t *testing.T) {
	f := New(Config{InitialCapacity: 4})
	f.Add(uuid.NewString())
	blob, err := f.MarshalBinary()
	require.NoError(t, err)

	// header: magic, version, fp rate, capacity, salt, slice count;
	// then capacity, count and k precede m in the first slice.
	const mOffset = 4 + 1 + 8 + 8 + saltSize + 4 + 8 + 8 + 4
	crafted := append([]byte(nil), blob[:len(blob)-8]...)
	binary.LittleEndian.PutUint64(crafted[mOffset:], math.MaxUint64-10)
	crafted = binary.LittleEndian.AppendUint64(crafted, xxhash.Sum64(crafted))

	var decoded *Filter
	assert.NotPanics(t, func() {
		decoded, err = Decode(crafted)
	})
	assert.ErrorIs(t, err, ErrCorruptFilter)
	assert.Nil(t, decoded)
}

func BenchmarkFilter_MightContain(b *testing.B) {
	f := New(Config{})
	inserted := randomKeys(10000)
	for _, k := range inserted {
		f.Add(k)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.MightContain(inserted[i%len(inserted)])
	}
}
