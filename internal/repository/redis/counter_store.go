package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"security-gateway/internal/client"
	"security-gateway/internal/util"
)

// incrScript increments a counter and sets its expiry only on creation so a
// window never slides forward under load.
var incrScript = goredis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// CounterStore is the shared store.Counter used when several gateway
// instances must agree on rate windows and dedup counts.
type CounterStore struct {
	client *client.RedisClient
}

func NewCounterStore(client *client.RedisClient) *CounterStore {
	return &CounterStore{client: client}
}

func (c *CounterStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := c.client.Run(ctx, incrScript, []string{key}, ttl.Milliseconds())
	if err != nil {
		util.Error("Failed to increment counter", zap.String("key", key), zap.Error(err))
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type %T from counter script", res)
	}
	return n, nil
}

func (c *CounterStore) Get(ctx context.Context, key string) (int64, error) {
	val, err := c.client.Get(ctx, key)
	if errors.Is(err, client.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid counter format: %w", err)
	}
	return n, nil
}

func (c *CounterStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("failed to set counter: %w", err)
	}
	return nil
}

func (c *CounterStore) Scan(ctx context.Context, prefix string) (map[string]int64, error) {
	keys, err := c.client.ScanAll(ctx, prefix+"*", 500)
	if err != nil {
		return nil, fmt.Errorf("failed to scan counters: %w", err)
	}
	out := make(map[string]int64, len(keys))
	for _, key := range keys {
		n, err := c.Get(ctx, key)
		if err != nil {
			util.Warn("Skipping unreadable counter", zap.String("key", key), zap.Error(err))
			continue
		}
		// expired between SCAN and GET
		if n == 0 {
			continue
		}
		out[key] = n
	}
	return out, nil
}

func (c *CounterStore) Clear(ctx context.Context, prefix string) (int, error) {
	keys, err := c.client.ScanAll(ctx, prefix+"*", 500)
	if err != nil {
		return 0, fmt.Errorf("failed to scan counters: %w", err)
	}
	const chunk = 500
	for start := 0; start < len(keys); start += chunk {
		end := start + chunk
		if end > len(keys) {
			end = len(keys)
		}
		if err := c.client.Del(ctx, keys[start:end]...); err != nil {
			return start, fmt.Errorf("failed to clear counters: %w", err)
		}
	}
	return len(keys), nil
}

// SweepExpired is a no-op: Redis expires keys itself.
func (c *CounterStore) SweepExpired(context.Context) (int, error) {
	return 0, nil
}
