// Copyright 2026 The OpenAuth Authors
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

// Package id generates identifiers for persisted entities and opaque
// credentials. Entity identifiers are UUIDv7 so that creation order is
// roughly preserved when they are used as storage keys.
package id

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
)

// NewUUIDv7 returns a time-ordered UUID string. It falls back to a random
// UUIDv4 in the unlikely event that the monotonic clock source fails.
func NewUUIDv7() string {
	u, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return u.String()
}

// NewToken returns a 256-bit opaque value encoded as URL-safe base64 without
// padding. Used for browser session ids, authorization codes, and refresh
// tokens, which must be unguessable.
func NewToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; giving out a
		// predictable credential is worse than crashing.
		panic("id: csprng unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
