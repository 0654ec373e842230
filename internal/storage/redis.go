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

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the production Adapter. TTL enforcement and GetDel atomicity are
// delegated to the server (EXPIRE and GETDEL).
type Redis struct {
	client *redis.Client
}

// RedisConfig carries the connection settings for the Redis adapter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects and pings; a dead backend should fail startup, not the
// first request.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("storage: redis ping %s: %w", cfg.Addr, err)
	}
	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client. Used in tests with miniredis.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key Key) ([]byte, error) {
	val, err := r.client.Get(ctx, key.Encode()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: redis get %s: %w", key, err)
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key.Encode(), value, ttl).Err(); err != nil {
		return fmt.Errorf("storage: redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, key.Encode()).Err(); err != nil {
		return fmt.Errorf("storage: redis del %s: %w", key, err)
	}
	return nil
}

func (r *Redis) GetDel(ctx context.Context, key Key) ([]byte, error) {
	val, err := r.client.GetDel(ctx, key.Encode()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: redis getdel %s: %w", key, err)
	}
	return val, nil
}

func (r *Redis) Scan(ctx context.Context, prefix Key, fn func(key Key, value []byte) error) error {
	match := escapeGlob(prefix.Encode()) + "*"
	iter := r.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		encoded := iter.Val()
		k := DecodeKey(encoded)
		// The glob also matches sibling keys sharing a textual prefix
		// ("audit:local" vs "audit:localzone"); filter on segments.
		if !k.HasPrefix(prefix) {
			continue
		}
		val, err := r.client.Get(ctx, encoded).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired between SCAN and GET
			}
			return fmt.Errorf("storage: redis get %s during scan: %w", encoded, err)
		}
		if err := fn(k, val); err != nil {
			if err == ErrStopScan {
				return nil
			}
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("storage: redis scan %s: %w", match, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// escapeGlob neutralizes redis MATCH metacharacters in a literal prefix.
func escapeGlob(s string) string {
	var sb strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '^', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(c)
	}
	return sb.String()
}
