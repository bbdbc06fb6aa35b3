// =================================
// File: internal/cache/cache.go
// =================================
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/wallet-pnl/internal/types"
)

const keyPrefix = "walletpnl"

// backend is a TTL-bearing byte store. Get reports (data, isStale, found).
type backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, bool)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string)
}

// RefreshFunc recomputes a wallet's cached state in the background.
type RefreshFunc func(ctx context.Context, wallet string) error

// Options configures the cache.
type Options struct {
	// TTL is the refresh horizon: entries older than this are served
	// stale. They are kept for twice this long before disappearing.
	TTL      time.Duration
	Capacity int
	RedisURL string
}

// Cache stores computed snapshots and positions with staleness marking,
// LRU eviction (in-process backend) and deduplicated background refresh.
// Reads never block on recomputation: a stale value is returned
// immediately and refreshed out of band.
type Cache struct {
	backend backend
	softTTL time.Duration

	mu       sync.Mutex
	refresh  RefreshFunc
	inflight map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// New builds the cache. When a redis URL is configured and reachable the
// shared backend is used; any problem falls back to the in-process LRU
// silently. A degraded cache is never a caller-visible error.
func New(opts Options, logger *zap.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}

	log := logger.Named("cache")
	ctx, cancel := context.WithCancel(context.Background())

	c := &Cache{
		softTTL:  opts.TTL,
		inflight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log,
	}

	c.backend = newMemoryBackend(opts.Capacity)
	if opts.RedisURL != "" {
		if rb := dialRedis(opts.RedisURL, 2*opts.TTL, log); rb != nil {
			c.backend = rb
		}
	}

	return c
}

func dialRedis(url string, hardTTL time.Duration, log *zap.Logger) *redisBackend {
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Warn("Invalid redis URL, using in-process cache", zap.Error(err))
		return nil
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("Redis unreachable, using in-process cache", zap.Error(err))
		_ = rdb.Close()
		return nil
	}

	log.Info("Redis cache backend enabled")
	return newRedisBackend(rdb, hardTTL, log)
}

// SetRefreshFunc installs the background recompute used for stale reads.
func (c *Cache) SetRefreshFunc(fn RefreshFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresh = fn
}

// GetSnapshot returns the wallet's cached snapshot and whether it is
// stale. A stale result is still valid to serve.
func (c *Cache) GetSnapshot(ctx context.Context, wallet string) (*types.PositionSnapshot, bool, bool) {
	data, stale, ok := c.backend.Get(ctx, snapshotKey(wallet))
	if !ok {
		return nil, false, false
	}

	var snap types.PositionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.logger.Warn("Corrupt snapshot entry dropped", zap.String("wallet", wallet), zap.Error(err))
		c.backend.Delete(ctx, snapshotKey(wallet))
		return nil, false, false
	}
	return &snap, stale, true
}

// SetSnapshot stores a snapshot, resetting its age clock. Entries live for
// twice the configured TTL; the second half of that window is the stale
// phase.
func (c *Cache) SetSnapshot(ctx context.Context, snap *types.PositionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return c.backend.Set(ctx, snapshotKey(snap.Wallet), data, 2*c.softTTL)
}

// GetPositions returns the wallet's cached open positions.
func (c *Cache) GetPositions(ctx context.Context, wallet string) ([]types.Position, bool, bool) {
	data, stale, ok := c.backend.Get(ctx, positionsKey(wallet))
	if !ok {
		return nil, false, false
	}

	var positions []types.Position
	if err := json.Unmarshal(data, &positions); err != nil {
		c.logger.Warn("Corrupt positions entry dropped", zap.String("wallet", wallet), zap.Error(err))
		c.backend.Delete(ctx, positionsKey(wallet))
		return nil, false, false
	}
	return positions, stale, true
}

// SetPositions stores the wallet's open positions.
func (c *Cache) SetPositions(ctx context.Context, wallet string, positions []types.Position) error {
	data, err := json.Marshal(positions)
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}
	return c.backend.Set(ctx, positionsKey(wallet), data, 2*c.softTTL)
}

// Invalidate removes every namespace entry for the wallet.
func (c *Cache) Invalidate(ctx context.Context, wallet string) {
	c.backend.Delete(ctx, snapshotKey(wallet), positionsKey(wallet))
}

// RequestRefresh schedules a detached background recompute for the
// wallet, deduplicated so concurrent stale reads spawn at most one. The
// caller is never blocked. The registry entry clears when the task ends,
// success or failure.
func (c *Cache) RequestRefresh(wallet string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refresh == nil {
		return
	}
	if _, running := c.inflight[wallet]; running {
		return
	}
	c.inflight[wallet] = struct{}{}

	fn := c.refresh
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, wallet)
			c.mu.Unlock()
		}()

		if err := fn(c.ctx, wallet); err != nil {
			c.logger.Warn("Background refresh failed",
				zap.String("wallet", wallet),
				zap.Error(err))
			return
		}
		c.logger.Debug("Background refresh complete", zap.String("wallet", wallet))
	}()
}

// InflightRefreshes reports the number of running refresh tasks.
func (c *Cache) InflightRefreshes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Close cancels outstanding refresh tasks and waits for them to exit.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}

func snapshotKey(wallet string) string {
	return fmt.Sprintf("%s:snapshot:%s", keyPrefix, wallet)
}

func positionsKey(wallet string) string {
	return fmt.Sprintf("%s:positions:%s", keyPrefix, wallet)
}
