// Package infra provides concrete infrastructure adapters for Redis.
//
// The OAuth authorize flow stores its anti-CSRF state nonces here so
// that a callback can land on any replica. If Redis is not available
// the server falls back to the in-memory cache in main.go.
package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/autoflow/backend/internal/credentials"
)

// RedisStateCache implements credentials.StateCache on go-redis v9.
type RedisStateCache struct {
	rdb *redis.Client
}

// NewRedisStateCache connects and pings. Returns the connection error
// so the caller can decide whether to fall back to in-memory.
func NewRedisStateCache(addr, password string, db int) (*RedisStateCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	log.New(log.Writer(), "[REDIS] ", log.LstdFlags).Printf("connected to %s (db %d)", addr, db)
	return &RedisStateCache{rdb: rdb}, nil
}

// Close shuts down the underlying client.
func (c *RedisStateCache) Close() error {
	return c.rdb.Close()
}

func stateKey(state string) string {
	return "oauth:state:" + state
}

// Put stores the entry with the state TTL; Redis handles expiry.
func (c *RedisStateCache) Put(ctx context.Context, state string, entry credentials.StateEntry) error {
	if entry.IssuedAt.IsZero() {
		entry.IssuedAt = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding state entry: %w", err)
	}
	return c.rdb.Set(ctx, stateKey(state), data, credentials.StateTTL).Err()
}

// Consume atomically fetches and deletes the entry; a replayed state
// finds nothing and fails.
func (c *RedisStateCache) Consume(ctx context.Context, state string) (credentials.StateEntry, error) {
	data, err := c.rdb.GetDel(ctx, stateKey(state)).Bytes()
	if err == redis.Nil {
		return credentials.StateEntry{}, credentials.ErrStateInvalid
	}
	if err != nil {
		return credentials.StateEntry{}, fmt.Errorf("fetching state entry: %w", err)
	}
	var entry credentials.StateEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return credentials.StateEntry{}, fmt.Errorf("decoding state entry: %w", err)
	}
	return entry, nil
}
