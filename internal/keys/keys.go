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

// Package keys defines the canonical form of redemption keys.
//
// A key is a version 4 UUID in its 36-character hyphenated form. Every key is
// normalized to lowercase before it is stored or compared, so two keys are
// equal iff their canonical strings are equal.
package keys

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Length is the length of a canonical key.
const Length = 36

// ErrInvalidKeyFormat is returned for input that is not a canonical key.
var ErrInvalidKeyFormat = errors.New("invalid key format")

// Normalize returns the canonical form of raw or ErrInvalidKeyFormat.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	// uuid.Parse also accepts urn:uuid:, braced and unhyphenated forms.
	if len(raw) != Length {
		return "", ErrInvalidKeyFormat
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return "", ErrInvalidKeyFormat
	}
	if id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		return "", ErrInvalidKeyFormat
	}

	canonical := id.String()
	if canonical != strings.ToLower(raw) {
		return "", ErrInvalidKeyFormat
	}
	return canonical, nil
}

// Valid reports whether raw normalizes to a canonical key.
func Valid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}

// New generates a fresh random canonical key.
func New() string {
	return uuid.New().String()
}

// Generate returns n fresh keys.
func Generate(n int) []string {
	out := make([]string, 0, n)
	for range n {
		out = append(out, New())
	}
	return out
}

// Redact returns a short prefix of a key that is safe to log.
func Redact(key string) string {
	if len(key) <= 8 {
		return "..."
	}
	return key[:8] + "..."
}
