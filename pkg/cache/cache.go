// Package cache holds customer credit scores between recomputations.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcclellann/loanEngine/pkg/risk"
	"github.com/redis/go-redis/v9"
)

// ScoreCache stores computed customer scores per customer and per snapshot of the customer's
// profile. A miss is reported with ok == false and a nil error. Invalidate drops every snapshot
// held for the customer.
type ScoreCache interface {
	GetCustomerScore(ctx context.Context, customerKey, snapshot string) (score *risk.CustomerScore, ok bool, err error)
	SetCustomerScore(ctx context.Context, customerKey, snapshot string, score *risk.CustomerScore) error
	Invalidate(ctx context.Context, customerKey string) error
}

// NopScoreCache never stores anything. It is used when no Redis address is configured.
type NopScoreCache struct{}

func (NopScoreCache) GetCustomerScore(context.Context, string, string) (*risk.CustomerScore, bool, error) {
	return nil, false, nil
}

func (NopScoreCache) SetCustomerScore(context.Context, string, string, *risk.CustomerScore) error {
	return nil
}

func (NopScoreCache) Invalidate(context.Context, string) error {
	return nil
}

// DefaultTTL bounds how stale a cached score can get when an invalidation is missed.
const DefaultTTL = 10 * time.Minute

// RedisScoreCache keeps one Redis hash per customer, mapping profile snapshot to the JSON score.
type RedisScoreCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisScoreCache connects to addr and verifies the connection.
func NewRedisScoreCache(ctx context.Context, addr string, ttl time.Duration) (*RedisScoreCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}
	return NewRedisScoreCacheWithClient(client, ttl), nil
}

// NewRedisScoreCacheWithClient wraps an existing client.
func NewRedisScoreCacheWithClient(client *redis.Client, ttl time.Duration) *RedisScoreCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisScoreCache{client: client, ttl: ttl}
}

func scoreKey(customerKey string) string {
	return "loanengine:customer:" + customerKey + ":score"
}

func (c *RedisScoreCache) GetCustomerScore(ctx context.Context, customerKey, snapshot string) (*risk.CustomerScore, bool, error) {
	data, err := c.client.HGet(ctx, scoreKey(customerKey), snapshot).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	var score risk.CustomerScore
	if err := json.Unmarshal([]byte(data), &score); err != nil {
		// Treat an unreadable entry as a miss; the caller will overwrite it.
		return nil, false, nil
	}
	return &score, true, nil
}

func (c *RedisScoreCache) SetCustomerScore(ctx context.Context, customerKey, snapshot string, score *risk.CustomerScore) error {
	data, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("failed to encode score: %w", err)
	}
	key := scoreKey(customerKey)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, snapshot, data)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (c *RedisScoreCache) Invalidate(ctx context.Context, customerKey string) error {
	if err := c.client.Del(ctx, scoreKey(customerKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (c *RedisScoreCache) Close() error {
	return c.client.Close()
}
