package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sheikh-saqib/wallet-ledger/internal/models"
)

const keyPrefix = "ledger:idempotency:"

// RedisCache stores final transaction outcomes in Redis with a TTL.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ ResultCache = (*RedisCache)(nil)

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// cacheKey length-prefixes the account id; both parts are opaque and may
// contain the separator.
func cacheKey(accountID, requestKey string) string {
	return keyPrefix + strconv.Itoa(len(accountID)) + ":" + accountID + ":" + requestKey
}

func (c *RedisCache) Get(ctx context.Context, accountID, requestKey string) (models.Transaction, bool, error) {
	data, err := c.client.Get(ctx, cacheKey(accountID, requestKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Transaction{}, false, nil
	}
	if err != nil {
		return models.Transaction{}, false, fmt.Errorf("redis get: %w", err)
	}

	var tx models.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return models.Transaction{}, false, fmt.Errorf("decode cached transaction: %w", err)
	}
	if !tx.IsFinal() {
		return models.Transaction{}, false, nil
	}
	return tx, true, nil
}

// Put only stores final outcomes; SetNX keeps the first recorded value.
func (c *RedisCache) Put(ctx context.Context, tx models.Transaction) error {
	if !tx.IsFinal() {
		return nil
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	if err := c.client.SetNX(ctx, cacheKey(tx.AccountID, tx.RequestKey), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
