// =================================
// File: internal/pricing/store_test.go
// =================================
package pricing

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prices.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	return store, path
}

func TestStoreUpsertAndLoad(t *testing.T) {
	store, _ := openTestStore(t)
	defer store.Close()
	ctx := context.Background()

	points := []PricePoint{
		{Mint: mintA, Minute: 28400000, Price: decimal.RequireFromString("0.01234567"), Source: "stub", FetchedAt: 1704000000},
		{Mint: mintB, Minute: 28400000, Missing: true, Source: "stub", FetchedAt: 1704000000},
	}
	require.NoError(t, store.Upsert(ctx, points))

	loaded, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	byMint := make(map[string]PricePoint)
	for _, p := range loaded {
		byMint[p.Mint] = p
	}

	got := byMint[mintA]
	assert.True(t, got.Price.Equal(decimal.RequireFromString("0.01234567")), "price = %s", got.Price)
	assert.Equal(t, int64(28400000), got.Minute)
	assert.False(t, got.Missing)

	assert.True(t, byMint[mintB].Missing)
}

func TestStoreUpsertOverwrites(t *testing.T) {
	store, _ := openTestStore(t)
	defer store.Close()
	ctx := context.Background()

	first := PricePoint{Mint: mintA, Minute: 28400000, Missing: true, FetchedAt: 1704000000}
	require.NoError(t, store.Upsert(ctx, []PricePoint{first}))

	second := first
	second.Missing = false
	second.Price = decimal.RequireFromString("2.5")
	second.Source = "stub"
	second.FetchedAt = 1704000060
	require.NoError(t, store.Upsert(ctx, []PricePoint{second}))

	loaded, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.False(t, loaded[0].Missing)
	assert.True(t, loaded[0].Price.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, int64(1704000060), loaded[0].FetchedAt)
}

func TestCacheWarmsFromStore(t *testing.T) {
	store, path := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, []PricePoint{
		{Mint: mintA, Minute: 28400000, Price: decimal.RequireFromString("0.75"), Source: "stub", FetchedAt: 1704000000},
	}))
	require.NoError(t, store.Close())

	reopened, err := OpenStore(path)
	require.NoError(t, err)

	c, err := NewCache(&stubFetcher{}, reopened, 100, 2, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	p, ok := c.Latest(mintA)
	require.True(t, ok)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("0.75")))
	points, _ := c.Stats()
	assert.Equal(t, 1, points)
}
