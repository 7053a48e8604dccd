// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps admission windows in Redis hashes. HINCRBY is
// atomic, so concurrent writers across processes are serialized by
// Redis itself, and per-key TTLs expire stale windows without a
// sweeper. Suited for the hot minute window; Postgres remains the
// durable backend when counters must survive a Redis flush.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a Redis-backed window store.
func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisStore{client: client, keyPrefix: "ratelimit"}, nil
}

func (s *RedisStore) key(k Key) string {
	return fmt.Sprintf("%s:%s:%s:%s:%d",
		s.keyPrefix, k.ProviderSlug, k.TenantID, k.Type, k.WindowStart.Unix())
}

// IncrementWindow implements Store.
func (s *RedisStore) IncrementWindow(ctx context.Context, key Key, success bool, limit int) error {
	field := "errors"
	if success {
		field = "successes"
	}

	redisKey := s.key(key)
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, redisKey, "requests", 1)
	pipe.HIncrBy(ctx, redisKey, field, 1)
	pipe.HSet(ctx, redisKey, "limit", limit)
	pipe.Expire(ctx, redisKey, key.Type.TTL())

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment window in redis: %w", err)
	}
	return nil
}

// GetWindow implements Store.
func (s *RedisStore) GetWindow(ctx context.Context, key Key) (*Window, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read window from redis: %w", err)
	}

	w := &Window{
		ProviderSlug: key.ProviderSlug,
		TenantID:     key.TenantID,
		Type:         key.Type,
		WindowStart:  key.WindowStart,
	}
	w.RequestCount = atoi(fields["requests"])
	w.SuccessCount = atoi(fields["successes"])
	w.ErrorCount = atoi(fields["errors"])
	w.LimitValue = atoi(fields["limit"])
	return w, nil
}

// Ping verifies connectivity; wired into readiness checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

var _ Store = (*RedisStore)(nil)
