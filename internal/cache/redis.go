// =================================
// File: internal/cache/redis.go
// =================================
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisBackend stores entries in a shared redis instance. Staleness is
// derived from the remaining TTL: the entry is stale once less than half
// the configured TTL remains. Backend errors are treated as misses and
// never surfaced to callers; last writer wins across processes.
type redisBackend struct {
	rdb    *redis.Client
	ttl    time.Duration // the configured full TTL, for the staleness cut
	logger *zap.Logger
}

func newRedisBackend(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *redisBackend {
	return &redisBackend{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.Named("redis_cache"),
	}
}

func (r *redisBackend) Get(ctx context.Context, key string) ([]byte, bool, bool) {
	pipe := r.rdb.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		if err != redis.Nil {
			r.logger.Debug("Redis read failed, treating as miss", zap.Error(err))
		}
		return nil, false, false
	}

	data, err := getCmd.Bytes()
	if err != nil {
		return nil, false, false
	}

	remaining := ttlCmd.Val()
	stale := remaining > 0 && remaining < r.ttl/2
	return data, stale, true
}

func (r *redisBackend) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		r.logger.Debug("Redis write failed", zap.Error(err))
		return err
	}
	return nil
}

func (r *redisBackend) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		r.logger.Debug("Redis delete failed", zap.Error(err))
	}
}
