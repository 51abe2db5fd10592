package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const defaultRedisPrefix = "liveuser:total:"

// RedisCounter keeps site totals in Redis using INCR, which is atomic on the
// server side.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter connects to addr and verifies the connection with PING.
func NewRedisCounter(ctx context.Context, addr, password string, db int) (*RedisCounter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisCounter{client: client, prefix: defaultRedisPrefix}, nil
}

func (r *RedisCounter) key(siteID string) string {
	return r.prefix + siteID
}

// Increment bumps the total for a site and returns the new value.
func (r *RedisCounter) Increment(ctx context.Context, siteID string) (int64, error) {
	total, err := r.client.Incr(ctx, r.key(siteID)).Result()
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", siteID, err)
	}
	return total, nil
}

// Read returns the total for a site, zero if it has never been counted.
func (r *RedisCounter) Read(ctx context.Context, siteID string) (int64, error) {
	total, err := r.client.Get(ctx, r.key(siteID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", siteID, err)
	}
	return total, nil
}

// Reset drops the total for a site.
func (r *RedisCounter) Reset(ctx context.Context, siteID string) error {
	if err := r.client.Del(ctx, r.key(siteID)).Err(); err != nil {
		return fmt.Errorf("reset %s: %w", siteID, err)
	}
	return nil
}

// Close releases the client's connection pool.
func (r *RedisCounter) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
