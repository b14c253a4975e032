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

// Package filter implements a scalable, append-only bloom filter.
//
// The filter is a chain of fixed-size bloom slices. When the newest slice
// reaches its capacity a new one is appended with twice the capacity and a
// tighter error rate, so the compound false-positive rate stays below the
// configured target however many keys are added. Keys are never removed;
// callers rebuild a fresh filter instead.
//
// A Filter is not safe for concurrent use.
package filter

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/crypto/blake2b"
)

const (
	// DefaultFalsePositiveRate is the compound error rate used when none is configured.
	DefaultFalsePositiveRate = 0.001
	// DefaultInitialCapacity is the capacity of the first slice.
	DefaultInitialCapacity = 1000

	growthFactor    = 2
	tighteningRatio = 0.9
	saltSize        = 16
	maxSlices       = 48
)

// Config holds filter construction parameters
type Config struct {
	FalsePositiveRate float64
	InitialCapacity   uint64
}

func (c Config) withDefaults() Config {
	if c.FalsePositiveRate <= 0 || c.FalsePositiveRate >= 1 {
		c.FalsePositiveRate = DefaultFalsePositiveRate
	}
	if c.InitialCapacity == 0 {
		c.InitialCapacity = DefaultInitialCapacity
	}
	return c
}

// Filter is a scalable bloom filter over strings
type Filter struct {
	cfg    Config
	salt   [saltSize]byte
	slices []*slice
}

// slice is one fixed-size bloom filter in the chain
type slice struct {
	capacity uint64
	count    uint64
	k        uint32
	m        uint64
	words    []uint64
}

// New creates an empty filter
func New(cfg Config) *Filter {
	f := &Filter{cfg: cfg.withDefaults()}
	if _, err := rand.Read(f.salt[:]); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(fmt.Sprintf("filter: read salt: %v", err))
	}
	f.slices = []*slice{newSlice(f.cfg.InitialCapacity, f.sliceErrorRate(0))}
	return f
}

// Config returns the construction parameters of f.
func (f *Filter) Config() Config {
	return f.cfg
}

func (f *Filter) sliceErrorRate(i int) float64 {
	return f.cfg.FalsePositiveRate * (1 - tighteningRatio) * math.Pow(tighteningRatio, float64(i))
}

func newSlice(capacity uint64, errorRate float64) *slice {
	// m = -(n * ln(p)) / (ln(2)^2), k = log2(1/p)
	m := uint64(math.Ceil(-float64(capacity) * math.Log(errorRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint32(math.Ceil(math.Log2(1 / errorRate)))
	if k == 0 {
		k = 1
	}
	return &slice{
		capacity: capacity,
		k:        k,
		m:        m,
		words:    make([]uint64, (m+63)/64),
	}
}

func (s *slice) set(h1, h2 uint64) {
	for i := uint64(0); i < uint64(s.k); i++ {
		bit := (h1 + i*h2) % s.m
		s.words[bit/64] |= 1 << (bit % 64)
	}
}

func (s *slice) test(h1, h2 uint64) bool {
	for i := uint64(0); i < uint64(s.k); i++ {
		bit := (h1 + i*h2) % s.m
		if s.words[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// hashes derives the two base hashes for double hashing from a keyed BLAKE2b digest.
func (f *Filter) hashes(key string) (uint64, uint64) {
	h, err := blake2b.New256(f.salt[:])
	if err != nil {
		panic(fmt.Sprintf("filter: blake2b: %v", err))
	}
	h.Write([]byte(key))
	sum := h.Sum(nil)
	h1 := binary.LittleEndian.Uint64(sum[0:8])
	h2 := binary.LittleEndian.Uint64(sum[8:16]) | 1
	return h1, h2
}

// Add inserts key. Adding a key that already tests positive is a no-op.
func (f *Filter) Add(key string) {
	h1, h2 := f.hashes(key)
	for _, s := range f.slices {
		if s.test(h1, h2) {
			return
		}
	}

	last := f.slices[len(f.slices)-1]
	if last.count >= last.capacity && len(f.slices) < maxSlices {
		last = newSlice(last.capacity*growthFactor, f.sliceErrorRate(len(f.slices)))
		f.slices = append(f.slices, last)
	}
	last.set(h1, h2)
	last.count++
}

// MightContain reports whether key may have been added. It never returns
// false for a key that was added.
func (f *Filter) MightContain(key string) bool {
	h1, h2 := f.hashes(key)
	for i := len(f.slices) - 1; i >= 0; i-- {
		if f.slices[i].test(h1, h2) {
			return true
		}
	}
	return false
}

// Count returns the number of distinct insertions recorded.
func (f *Filter) Count() uint64 {
	var n uint64
	for _, s := range f.slices {
		n += s.count
	}
	return n
}

// Capacity returns the total capacity across all slices.
func (f *Filter) Capacity() uint64 {
	var n uint64
	for _, s := range f.slices {
		n += s.capacity
	}
	return n
}

// Slices returns the number of bloom slices in the chain.
func (f *Filter) Slices() int {
	return len(f.slices)
}
