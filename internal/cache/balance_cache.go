package cache

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "credits:balance:"

// BalanceCache is an advisory copy of account balances in Redis. It is only
// read by the availability check; debits always go to PostgreSQL. A nil
// *BalanceCache behaves as a permanent miss.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

func NewBalanceCache(client *redis.Client, ttl time.Duration, log *slog.Logger) *BalanceCache {
	if client == nil {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BalanceCache{client: client, ttl: ttl, log: log}
}

// Get returns the cached balance. Errors are logged and reported as a miss.
func (c *BalanceCache) Get(ctx context.Context, userID string) (int64, bool) {
	if c == nil || c.client == nil {
		return 0, false
	}
	raw, err := c.client.Get(ctx, keyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false
	}
	if err != nil {
		c.log.Warn("balance cache get failed", "user_id", userID, "error", err)
		return 0, false
	}
	balance, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return balance, true
}

// Set stores a committed balance.
func (c *BalanceCache) Set(ctx context.Context, userID string, balance int64) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Set(ctx, keyPrefix+userID, balance, c.ttl).Err(); err != nil {
		c.log.Warn("balance cache set failed", "user_id", userID, "error", err)
	}
}

// Invalidate drops the cached balance.
func (c *BalanceCache) Invalidate(ctx context.Context, userID string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, keyPrefix+userID).Err(); err != nil {
		c.log.Warn("balance cache invalidate failed", "user_id", userID, "error", err)
	}
}

// Ping checks connectivity for the health endpoint.
func (c *BalanceCache) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}
