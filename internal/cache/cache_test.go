// =================================
// File: internal/cache/cache_test.go
// =================================
package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/wallet-pnl/internal/types"
)

const testWallet = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

// fakeClock drives the memory backend's age checks.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryBackendStalenessTransitions(t *testing.T) {
	clock := newFakeClock()
	m := newMemoryBackend(16)
	m.now = clock.Now
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 30*time.Minute))

	// Young entry is fresh.
	clock.Advance(500 * time.Second)
	data, stale, ok := m.Get(ctx, "k")
	require.True(t, ok)
	assert.False(t, stale)
	assert.Equal(t, []byte("v"), data)

	// Past half the TTL it is served stale.
	clock.Advance(401 * time.Second) // age 901s, half at 900s
	_, stale, ok = m.Get(ctx, "k")
	require.True(t, ok)
	assert.True(t, stale)

	// Past the full TTL it is gone.
	clock.Advance(900 * time.Second) // age 1801s
	_, _, ok = m.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestMemoryBackendSetResetsAge(t *testing.T) {
	clock := newFakeClock()
	m := newMemoryBackend(16)
	m.now = clock.Now
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v1"), 10*time.Second))
	clock.Advance(6 * time.Second)
	_, stale, ok := m.Get(ctx, "k")
	require.True(t, ok)
	assert.True(t, stale)

	require.NoError(t, m.Set(ctx, "k", []byte("v2"), 10*time.Second))
	data, stale, ok := m.Get(ctx, "k")
	require.True(t, ok)
	assert.False(t, stale)
	assert.Equal(t, []byte("v2"), data)
}

func TestMemoryBackendLRUEviction(t *testing.T) {
	m := newMemoryBackend(3)
	ctx := context.Background()
	ttl := time.Hour

	require.NoError(t, m.Set(ctx, "a", []byte("a"), ttl))
	require.NoError(t, m.Set(ctx, "b", []byte("b"), ttl))
	require.NoError(t, m.Set(ctx, "c", []byte("c"), ttl))

	// Touch a so b becomes the least recently used.
	_, _, ok := m.Get(ctx, "a")
	require.True(t, ok)

	require.NoError(t, m.Set(ctx, "d", []byte("d"), ttl))

	_, _, ok = m.Get(ctx, "b")
	assert.False(t, ok, "b should have been evicted")
	for _, key := range []string{"a", "c", "d"} {
		_, _, ok = m.Get(ctx, key)
		assert.True(t, ok, "%s should survive", key)
	}
	assert.Equal(t, 3, m.Len())
}

func testCache(clock *fakeClock, ttl time.Duration) *Cache {
	c := New(Options{TTL: ttl, Capacity: 16}, zap.NewNop())
	mb := c.backend.(*memoryBackend)
	mb.now = clock.Now
	return c
}

func testSnapshot(wallet string) *types.PositionSnapshot {
	return &types.PositionSnapshot{
		Wallet:        wallet,
		Timestamp:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		NativeBalance: decimal.RequireFromString("1.5"),
		Positions: []types.PositionPnL{
			{
				Position: types.Position{
					PositionID:   "p1",
					Wallet:       wallet,
					TokenMint:    "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
					Balance:      decimal.RequireFromString("600"),
					CostBasis:    decimal.RequireFromString("0.01"),
					CostBasisUSD: decimal.RequireFromString("6"),
					Method:       types.MethodFIFO,
					Decimals:     6,
				},
				CurrentPriceUSD: decimal.RequireFromString("0.02"),
				PriceConfidence: types.ConfidenceHigh,
			},
		},
	}
}

func TestCacheSnapshotLifecycle(t *testing.T) {
	clock := newFakeClock()
	c := testCache(clock, 900*time.Second)
	defer c.Close()
	ctx := context.Background()

	_, _, ok := c.GetSnapshot(ctx, testWallet)
	assert.False(t, ok)

	require.NoError(t, c.SetSnapshot(ctx, testSnapshot(testWallet)))

	// Fresh inside the TTL.
	clock.Advance(500 * time.Second)
	snap, stale, ok := c.GetSnapshot(ctx, testWallet)
	require.True(t, ok)
	assert.False(t, stale)
	assert.Equal(t, testWallet, snap.Wallet)
	assert.True(t, snap.NativeBalance.Equal(decimal.RequireFromString("1.5")))
	require.Len(t, snap.Positions, 1)
	assert.True(t, snap.Positions[0].Position.Balance.Equal(decimal.RequireFromString("600")))
	assert.True(t, snap.Positions[0].Position.CostBasisUSD.Equal(decimal.RequireFromString("6")))

	// Stale past the TTL, still served.
	clock.Advance(401 * time.Second)
	_, stale, ok = c.GetSnapshot(ctx, testWallet)
	require.True(t, ok)
	assert.True(t, stale)

	// Gone past twice the TTL.
	clock.Advance(900 * time.Second)
	_, _, ok = c.GetSnapshot(ctx, testWallet)
	assert.False(t, ok)
}

func TestCachePositionsRoundTrip(t *testing.T) {
	clock := newFakeClock()
	c := testCache(clock, time.Minute)
	defer c.Close()
	ctx := context.Background()

	positions := []types.Position{
		{
			PositionID: "p1",
			Wallet:     testWallet,
			TokenMint:  "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263",
			Balance:    decimal.RequireFromString("123.456789"),
			Decimals:   5,
		},
	}
	require.NoError(t, c.SetPositions(ctx, testWallet, positions))

	got, stale, ok := c.GetPositions(ctx, testWallet)
	require.True(t, ok)
	assert.False(t, stale)
	require.Len(t, got, 1)
	assert.True(t, got[0].Balance.Equal(positions[0].Balance))
	assert.Equal(t, 5, got[0].Decimals)
}

func TestCacheInvalidate(t *testing.T) {
	clock := newFakeClock()
	c := testCache(clock, time.Minute)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SetSnapshot(ctx, testSnapshot(testWallet)))
	require.NoError(t, c.SetPositions(ctx, testWallet, []types.Position{{PositionID: "p1"}}))

	c.Invalidate(ctx, testWallet)

	_, _, ok := c.GetSnapshot(ctx, testWallet)
	assert.False(t, ok)
	_, _, ok = c.GetPositions(ctx, testWallet)
	assert.False(t, ok)
}

func TestCacheCorruptEntryDropped(t *testing.T) {
	clock := newFakeClock()
	c := testCache(clock, time.Minute)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.backend.Set(ctx, snapshotKey(testWallet), []byte("{not json"), time.Minute))

	_, _, ok := c.GetSnapshot(ctx, testWallet)
	assert.False(t, ok)
	// The corrupt entry was removed, not just skipped.
	_, _, ok = c.backend.Get(ctx, snapshotKey(testWallet))
	assert.False(t, ok)
}

func TestRequestRefreshDeduplicates(t *testing.T) {
	clock := newFakeClock()
	c := testCache(clock, time.Minute)

	started := make(chan string, 4)
	release := make(chan struct{})
	c.SetRefreshFunc(func(ctx context.Context, wallet string) error {
		started <- wallet
		<-release
		return nil
	})

	c.RequestRefresh(testWallet)
	select {
	case w := <-started:
		assert.Equal(t, testWallet, w)
	case <-time.After(time.Second):
		t.Fatal("refresh never started")
	}

	// Re-requesting while the first run is in flight is a no-op.
	c.RequestRefresh(testWallet)
	c.RequestRefresh(testWallet)
	assert.Equal(t, 1, c.InflightRefreshes())

	close(release)
	c.Close()
	assert.Equal(t, 0, c.InflightRefreshes())
	assert.Empty(t, started)
}

func TestRequestRefreshRunsAgainAfterCompletion(t *testing.T) {
	clock := newFakeClock()
	c := testCache(clock, time.Minute)
	defer c.Close()

	var mu sync.Mutex
	runs := 0
	done := make(chan struct{}, 2)
	c.SetRefreshFunc(func(ctx context.Context, wallet string) error {
		mu.Lock()
		runs++
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	c.RequestRefresh(testWallet)
	<-done

	// The registry entry clears asynchronously after the task signals.
	require.Eventually(t, func() bool {
		return c.InflightRefreshes() == 0
	}, time.Second, 5*time.Millisecond)

	c.RequestRefresh(testWallet)
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, runs)
}

func TestRequestRefreshWithoutFuncIsNoop(t *testing.T) {
	clock := newFakeClock()
	c := testCache(clock, time.Minute)
	defer c.Close()

	c.RequestRefresh(testWallet)
	assert.Equal(t, 0, c.InflightRefreshes())
}
