// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
)

// CachedResponse is one response cache entry.
type CachedResponse struct {
	Key       string              `json:"key"`
	Response  *CompletionResponse `json:"response"`
	CreatedAt time.Time           `json:"created_at"`
	ExpiresAt time.Time           `json:"expires_at"`
	HitCount  int64               `json:"hit_count"`
}

// ResponseCache stores completions keyed by request identity. Get
// must return nil, nil for both missing and expired entries; an entry
// is served only while now < ExpiresAt.
type ResponseCache interface {
	Get(ctx context.Context, key string) (*CachedResponse, error)
	Put(ctx context.Context, key string, resp *CompletionResponse, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// CacheKey derives the deterministic cache key for a request. The
// model slug is part of the hashed identity, so swapping models
// naturally produces new keys with no explicit invalidation.
func CacheKey(modelSlug string, req CompletionRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "model=%s\n", modelSlug)
	for _, m := range req.Messages {
		fmt.Fprintf(h, "%s:%s\n", m.Role, m.Content)
	}
	fmt.Fprintf(h, "max_tokens=%d temp=%g json=%t\n", req.MaxTokens, req.Temperature, req.JSONMode)
	for _, s := range req.StopSequences {
		fmt.Fprintf(h, "stop=%s\n", s)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RedisCache is the Redis-backed response cache. Entries ride Redis
// TTLs, so expiry needs no sweeper; hit counts live in a sibling key.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

// NewRedisCache creates a Redis response cache.
func NewRedisCache(client *redis.Client) (*RedisCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisCache{client: client, keyPrefix: "llmcache", now: time.Now}, nil
}

func (c *RedisCache) entryKey(key string) string { return c.keyPrefix + ":" + key }
func (c *RedisCache) hitsKey(key string) string  { return c.keyPrefix + ":hits:" + key }

// Get implements ResponseCache.
func (c *RedisCache) Get(ctx context.Context, key string) (*CachedResponse, error) {
	data, err := c.client.Get(ctx, c.entryKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	entry := &CachedResponse{}
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	if !c.now().Before(entry.ExpiresAt) {
		return nil, nil
	}

	hits, err := c.client.Incr(ctx, c.hitsKey(key)).Result()
	if err == nil {
		entry.HitCount = hits
	}
	return entry, nil
}

// Put implements ResponseCache.
func (c *RedisCache) Put(ctx context.Context, key string, resp *CompletionResponse, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}

	now := c.now()
	entry := &CachedResponse{
		Key:       key,
		Response:  resp,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.entryKey(key), data, ttl)
	pipe.Set(ctx, c.hitsKey(key), 0, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Invalidate implements ResponseCache.
func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.entryKey(key), c.hitsKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cache entry: %w", err)
	}
	return nil
}

var _ ResponseCache = (*RedisCache)(nil)

// PostgresCache is the durable response cache for deployments without
// Redis. Expired rows are ignored on read and purged by a sweeper.
type PostgresCache struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresCache creates a Postgres response cache.
func NewPostgresCache(db *sql.DB) (*PostgresCache, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is required")
	}
	return &PostgresCache{db: db, now: time.Now}, nil
}

// EnsureSchema creates the cache table if it does not exist.
func (c *PostgresCache) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS llm_response_cache (
			cache_key VARCHAR(64) PRIMARY KEY,
			response JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			hit_count BIGINT NOT NULL DEFAULT 0
		)`
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create llm_response_cache table: %w", err)
	}
	return nil
}

// Get implements ResponseCache. The hit count increment and read are
// one statement, so concurrent hits all count.
func (c *PostgresCache) Get(ctx context.Context, key string) (*CachedResponse, error) {
	query := `
		UPDATE llm_response_cache
		SET hit_count = hit_count + 1
		WHERE cache_key = $1 AND expires_at > $2
		RETURNING response, created_at, expires_at, hit_count`

	entry := &CachedResponse{Key: key}
	var data []byte
	err := c.db.QueryRowContext(ctx, query, key, c.now()).
		Scan(&data, &entry.CreatedAt, &entry.ExpiresAt, &entry.HitCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	entry.Response = &CompletionResponse{}
	if err := json.Unmarshal(data, entry.Response); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return entry, nil
}

// Put implements ResponseCache.
func (c *PostgresCache) Put(ctx context.Context, key string, resp *CompletionResponse, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	now := c.now()
	query := `
		INSERT INTO llm_response_cache (cache_key, response, created_at, expires_at, hit_count)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (cache_key) DO UPDATE SET
			response = $2, created_at = $3, expires_at = $4, hit_count = 0`
	if _, err := c.db.ExecContext(ctx, query, key, data, now, now.Add(ttl)); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Invalidate implements ResponseCache.
func (c *PostgresCache) Invalidate(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM llm_response_cache WHERE cache_key = $1`, key); err != nil {
		return fmt.Errorf("failed to invalidate cache entry: %w", err)
	}
	return nil
}

// PurgeExpired deletes expired rows; intended for a periodic sweeper.
func (c *PostgresCache) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM llm_response_cache WHERE expires_at <= $1`, c.now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

var _ ResponseCache = (*PostgresCache)(nil)
