// =================================
// File: internal/pricing/cache.go
// =================================
package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PricePoint is a per-minute price observation for a mint. Missing marks a
// mint the provider had no data for; it is cached so the query is not
// repeated.
type PricePoint struct {
	Mint      string
	Minute    int64 // unix timestamp / 60
	Price     decimal.Decimal
	Source    string
	Missing   bool
	FetchedAt int64 // unix seconds
}

// MinuteBucket maps a timestamp onto the cache's per-minute granularity.
func MinuteBucket(ts time.Time) int64 {
	return ts.UTC().Unix() / 60
}

type priceKey struct {
	mint   string
	minute int64
}

type batchFetcher interface {
	BatchPrices(ctx context.Context, mints []string, unixTime int64) (map[string]*decimal.Decimal, string, error)
}

// Cache maps (mint, minute) to a price. Misses are queued and resolved in
// provider-sized batch groups with bounded parallelism. An optional sqlite
// store makes the cache survive restarts.
type Cache struct {
	mu      sync.RWMutex
	points  map[priceKey]PricePoint
	pending map[priceKey]struct{}
	latest  map[string]int64 // mint -> newest cached minute

	fetcher     batchFetcher
	store       *Store
	batchSize   int
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
}

// NewCache builds the cache and warms it from the store when one is given.
func NewCache(fetcher batchFetcher, store *Store, batchSize, concurrency int, logger *zap.Logger) (*Cache, error) {
	if batchSize <= 0 || batchSize > MaxBatchMints {
		batchSize = MaxBatchMints
	}
	if concurrency <= 0 {
		concurrency = 3
	}

	c := &Cache{
		points:      make(map[priceKey]PricePoint),
		pending:     make(map[priceKey]struct{}),
		latest:      make(map[string]int64),
		fetcher:     fetcher,
		store:       store,
		batchSize:   batchSize,
		concurrency: concurrency,
		logger:      logger.Named("price_cache"),
		now:         time.Now,
	}

	if store != nil {
		points, err := store.LoadAll(context.Background())
		if err != nil {
			return nil, err
		}
		for _, p := range points {
			c.insert(p)
		}
		c.logger.Info("Price cache warmed from disk", zap.Int("points", len(points)))
	}

	return c, nil
}

// Close flushes nothing (writes are synchronous) and closes the store.
func (c *Cache) Close() error {
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// Get returns the cached point for the mint at the timestamp's minute
// bucket. A miss queues the pair for the next FlushPending.
func (c *Cache) Get(mint string, ts time.Time) (PricePoint, bool) {
	k := priceKey{mint: mint, minute: MinuteBucket(ts)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.points[k]; ok {
		return p, true
	}
	c.pending[k] = struct{}{}
	return PricePoint{}, false
}

// Request queues a (mint, timestamp) pair without reading.
func (c *Cache) Request(mint string, ts time.Time) {
	k := priceKey{mint: mint, minute: MinuteBucket(ts)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.points[k]; !ok {
		c.pending[k] = struct{}{}
	}
}

// Latest returns the newest cached non-missing price for a mint.
func (c *Cache) Latest(mint string) (PricePoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	minute, ok := c.latest[mint]
	if !ok {
		return PricePoint{}, false
	}
	p, ok := c.points[priceKey{mint: mint, minute: minute}]
	return p, ok
}

// FlushPending resolves every queued pair. Pending keys are grouped by
// minute bucket, chunked to the provider's batch cap and issued with
// bounded parallelism. Provider nulls are cached as Missing so they are
// never asked again. A failed group leaves its keys pending for a later
// flush; sibling groups are unaffected.
func (c *Cache) FlushPending(ctx context.Context) error {
	c.mu.Lock()
	byMinute := make(map[int64][]string)
	for k := range c.pending {
		byMinute[k.minute] = append(byMinute[k.minute], k.mint)
	}
	c.pending = make(map[priceKey]struct{})
	c.mu.Unlock()

	if len(byMinute) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for minute, mints := range byMinute {
		for start := 0; start < len(mints); start += c.batchSize {
			end := start + c.batchSize
			if end > len(mints) {
				end = len(mints)
			}
			chunk := mints[start:end]
			minute := minute

			g.Go(func() error {
				prices, source, err := c.fetcher.BatchPrices(gctx, chunk, minute*60)
				if err != nil {
					c.logger.Warn("Price batch failed, keys left pending",
						zap.Int64("minute", minute),
						zap.Int("mints", len(chunk)),
						zap.Error(err))
					c.requeue(chunk, minute)
					return nil // sibling groups keep going
				}
				c.storeBatch(chunk, minute, prices, source)
				return nil
			})
		}
	}

	return g.Wait()
}

func (c *Cache) requeue(mints []string, minute int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, mint := range mints {
		c.pending[priceKey{mint: mint, minute: minute}] = struct{}{}
	}
}

func (c *Cache) storeBatch(mints []string, minute int64, prices map[string]*decimal.Decimal, source string) {
	fetchedAt := c.now().Unix()
	points := make([]PricePoint, 0, len(mints))
	for _, mint := range mints {
		p := PricePoint{
			Mint:      mint,
			Minute:    minute,
			Source:    source,
			FetchedAt: fetchedAt,
		}
		if d, ok := prices[mint]; ok && d != nil {
			p.Price = *d
		} else {
			p.Missing = true
		}
		points = append(points, p)
	}

	c.mu.Lock()
	for _, p := range points {
		c.insert(p)
	}
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Upsert(context.Background(), points); err != nil {
			// Persistence is best-effort; the in-memory cache stays correct.
			c.logger.Warn("Failed to persist price batch", zap.Error(err))
		}
	}
}

// insert assumes c.mu is held (or the cache is still private).
func (c *Cache) insert(p PricePoint) {
	c.points[priceKey{mint: p.Mint, minute: p.Minute}] = p
	if !p.Missing {
		if cur, ok := c.latest[p.Mint]; !ok || p.Minute > cur {
			c.latest[p.Mint] = p.Minute
		}
	}
}

// Stats reports cache size and outstanding misses.
func (c *Cache) Stats() (points, pending int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.points), len(c.pending)
}
