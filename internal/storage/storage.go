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

// Package storage defines the key-value adapter contract the issuer persists
// through, plus the in-memory and Redis implementations and the tenant
// scoping wrapper. Keys are ordered tuples of short strings; values are
// opaque bytes, usually JSON.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get and GetDel when no live entry exists
	// under the key.
	ErrNotFound = errors.New("storage: key not found")

	// ErrStopScan can be returned from a scan callback to end iteration
	// early without surfacing an error to the caller.
	ErrStopScan = errors.New("storage: stop scan")
)

// Key is an ordered tuple of path segments, e.g. {"t", "acme", "session", id}.
type Key []string

// Adapter is the storage contract. Implementations must be safe for
// concurrent use. TTLs at or below zero mean no expiry. Remove is idempotent.
type Adapter interface {
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key Key) error

	// GetDel atomically fetches and removes an entry. Single-use values
	// (authorization codes, refresh-token consume markers) depend on at
	// most one caller ever observing the value.
	GetDel(ctx context.Context, key Key) ([]byte, error)

	// Scan streams every entry whose key starts with prefix, exact match
	// included. Iteration order is unspecified. Returning ErrStopScan from
	// fn ends the scan without error.
	Scan(ctx context.Context, prefix Key, fn func(key Key, value []byte) error) error

	Close() error
}

const keySeparator = ":"

// Encode renders the key as a single string. Segments are escaped so that
// the separator and the escape character themselves round-trip.
func (k Key) Encode() string {
	parts := make([]string, len(k))
	for i, p := range k {
		p = strings.ReplaceAll(p, "%", "%25")
		p = strings.ReplaceAll(p, keySeparator, "%3A")
		parts[i] = p
	}
	return strings.Join(parts, keySeparator)
}

// DecodeKey reverses Encode.
func DecodeKey(s string) Key {
	raw := strings.Split(s, keySeparator)
	k := make(Key, len(raw))
	for i, p := range raw {
		p = strings.ReplaceAll(p, "%3A", keySeparator)
		p = strings.ReplaceAll(p, "%25", "%")
		k[i] = p
	}
	return k
}

// HasPrefix reports whether the leading segments of k equal prefix.
func (k Key) HasPrefix(prefix Key) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if k[i] != p {
			return false
		}
	}
	return true
}

// Append returns a new key with extra segments added.
func (k Key) Append(segments ...string) Key {
	out := make(Key, 0, len(k)+len(segments))
	out = append(out, k...)
	return append(out, segments...)
}

func (k Key) String() string { return k.Encode() }

// GetJSON fetches and unmarshals a JSON value.
func GetJSON[T any](ctx context.Context, a Adapter, key Key) (*T, error) {
	raw, err := a.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return &v, nil
}

// SetJSON marshals and stores a JSON value.
func SetJSON(ctx context.Context, a Adapter, key Key, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}
	return a.Set(ctx, key, raw, ttl)
}

// GetDelJSON atomically fetches, removes, and unmarshals a JSON value.
func GetDelJSON[T any](ctx context.Context, a Adapter, key Key) (*T, error) {
	raw, err := a.GetDel(ctx, key)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return &v, nil
}

// Unmarshal decodes a stored JSON value. Scan callbacks receive raw bytes.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
