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

package filter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// ErrCorruptFilter is returned when a serialized filter cannot be decoded.
var ErrCorruptFilter = errors.New("corrupt filter blob")

var magic = [4]byte{'R', 'K', 'B', 'F'}

const formatVersion = 1

// Blob layout, little endian:
//
//	magic[4] version[1] fp_rate[8] initial_capacity[8] salt[16] slices[4]
//	per slice: capacity[8] count[8] k[4] m[8] words[8*ceil(m/64)]
//	checksum[8] (xxhash64 of everything before it)

// MarshalBinary encodes f into an opaque blob
func (f *Filter) MarshalBinary() ([]byte, error) {
	size := 4 + 1 + 8 + 8 + saltSize + 4 + 8
	for _, s := range f.slices {
		size += 8 + 8 + 4 + 8 + 8*len(s.words)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, magic[:]...)
	buf = append(buf, formatVersion)
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f.cfg.FalsePositiveRate))
	buf = binary.LittleEndian.AppendUint64(buf, f.cfg.InitialCapacity)
	buf = append(buf, f.salt[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.slices)))
	for _, s := range f.slices {
		buf = binary.LittleEndian.AppendUint64(buf, s.capacity)
		buf = binary.LittleEndian.AppendUint64(buf, s.count)
		buf = binary.LittleEndian.AppendUint32(buf, s.k)
		buf = binary.LittleEndian.AppendUint64(buf, s.m)
		for _, w := range s.words {
			buf = binary.LittleEndian.AppendUint64(buf, w)
		}
	}
	buf = binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf))
	return buf, nil
}

// UnmarshalBinary replaces the contents of f with the decoded blob.
func (f *Filter) UnmarshalBinary(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*f = *decoded
	return nil
}

// Decode parses a blob produced by MarshalBinary.
func Decode(data []byte) (*Filter, error) {
	if len(data) < 4+1+8+8+saltSize+4+8 {
		return nil, fmt.Errorf("%w: short blob (%d bytes)", ErrCorruptFilter, len(data))
	}

	body, trailer := data[:len(data)-8], data[len(data)-8:]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(trailer) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptFilter)
	}

	r := &reader{buf: body}
	var head [4]byte
	copy(head[:], r.bytes(4))
	if head != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptFilter)
	}
	if v := r.bytes(1); r.err == nil && v[0] != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptFilter, v[0])
	}

	f := &Filter{}
	f.cfg.FalsePositiveRate = math.Float64frombits(r.uint64())
	f.cfg.InitialCapacity = r.uint64()
	copy(f.salt[:], r.bytes(saltSize))
	n := r.uint32()
	if r.err != nil {
		return nil, r.err
	}
	if n == 0 || n > maxSlices {
		return nil, fmt.Errorf("%w: slice count %d", ErrCorruptFilter, n)
	}
	if f.cfg.FalsePositiveRate <= 0 || f.cfg.FalsePositiveRate >= 1 || f.cfg.InitialCapacity == 0 {
		return nil, fmt.Errorf("%w: invalid parameters", ErrCorruptFilter)
	}

	f.slices = make([]*slice, 0, n)
	for range n {
		s := &slice{
			capacity: r.uint64(),
			count:    r.uint64(),
			k:        r.uint32(),
			m:        r.uint64(),
		}
		if r.err != nil {
			return nil, r.err
		}
		// Bound m by the bytes left before rounding up to words so it cannot wrap.
		if s.k == 0 || s.k > 64 || s.m == 0 || s.m > uint64(r.remaining())*8 || (s.m+63)/64 > uint64(r.remaining()/8) {
			return nil, fmt.Errorf("%w: invalid slice header", ErrCorruptFilter)
		}
		s.words = make([]uint64, (s.m+63)/64)
		for i := range s.words {
			s.words[i] = r.uint64()
		}
		f.slices = append(f.slices, s)
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptFilter, r.remaining())
	}
	return f, nil
}

// reader is a bounds-checked cursor; the first short read sticks in err.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if r.remaining() < n {
		r.err = fmt.Errorf("%w: truncated", ErrCorruptFilter)
		return make([]byte, n)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint32() uint32 {
	return binary.LittleEndian.Uint32(r.bytes(4))
}

func (r *reader) uint64() uint64 {
	return binary.LittleEndian.Uint64(r.bytes(8))
}
