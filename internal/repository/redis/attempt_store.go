package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"security-gateway/internal/client"
)

const attemptPrefix = "attempts:"

var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
redis.call('ZADD', key, now, ARGV[3])
redis.call('PEXPIRE', key, ARGV[4])
return redis.call('ZCARD', key)
`)

// AttemptStore keeps a sliding window of timestamps per key in a sorted set.
type AttemptStore struct {
	client *client.RedisClient
}

func NewAttemptStore(client *client.RedisClient) *AttemptStore {
	return &AttemptStore{client: client}
}

// Record adds an attempt at time at and returns how many attempts for key
// fall inside (at-window, at].
func (s *AttemptStore) Record(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
	now := at.UnixMilli()
	res, err := s.client.Run(ctx, slidingWindowScript, []string{attemptPrefix + key},
		now, now-window.Milliseconds(), uuid.NewString(), window.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("failed to record attempt: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type %T from sliding window script", res)
	}
	return int(n), nil
}
