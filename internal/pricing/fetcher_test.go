// =================================
// File: internal/pricing/fetcher_test.go
// =================================
package pricing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testFetcher(baseURL string) *Fetcher {
	return NewFetcher("test-key", baseURL, 1000, 3, zap.NewNop())
}

func TestBatchPricesParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.Header.Get("X-API-KEY"))

		var req batchPriceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{mintA, mintB}, req.Mints)
		assert.Equal(t, int64(1704000000), req.Timestamp)

		price := "0.01234567"
		_ = json.NewEncoder(w).Encode(batchPriceResponse{
			Prices: map[string]*string{mintA: &price, mintB: nil},
			Source: "provider",
		})
	}))
	defer srv.Close()

	prices, source, err := testFetcher(srv.URL).BatchPrices(context.Background(), []string{mintA, mintB}, 1704000000)
	require.NoError(t, err)
	assert.Equal(t, "provider", source)

	require.NotNil(t, prices[mintA])
	assert.True(t, prices[mintA].Equal(decimal.RequireFromString("0.01234567")))
	// The provider having no price is a result, not an error.
	assert.Nil(t, prices[mintB])
}

func TestBatchPricesRejectsOversizedBatch(t *testing.T) {
	mints := make([]string, MaxBatchMints+1)
	for i := range mints {
		mints[i] = mintA
	}

	_, _, err := testFetcher("http://127.0.0.1:0").BatchPrices(context.Background(), mints, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds provider cap")
}

func TestBatchPricesRateLimitNotCountedAsAttempt(t *testing.T) {
	var calls atomic.Int32
	price := "2.5"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 4 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(batchPriceResponse{
			Prices: map[string]*string{mintA: &price},
			Source: "provider",
		})
	}))
	defer srv.Close()

	start := time.Now()
	prices, _, err := testFetcher(srv.URL).BatchPrices(context.Background(), []string{mintA}, 0)
	require.NoError(t, err)
	require.NotNil(t, prices[mintA])
	// Four rate limits exceed the three-attempt budget without failing.
	assert.EqualValues(t, 5, calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 4*time.Second)
}

func TestBatchPricesTransientFailuresExhaust(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, _, err := testFetcher(srv.URL).BatchPrices(context.Background(), []string{mintA}, 0)
	require.Error(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestBatchPricesClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, _, err := testFetcher(srv.URL).BatchPrices(context.Background(), []string{mintA}, 0)
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestParsePricesTreatsGarbageAsMissing(t *testing.T) {
	good := "1.5"
	bad := "not-a-number"

	out := parsePrices(map[string]*string{
		mintA: &good,
		mintB: &bad,
		mintC: nil,
	})

	require.NotNil(t, out[mintA])
	assert.True(t, out[mintA].Equal(decimal.RequireFromString("1.5")))
	assert.Nil(t, out[mintB])
	assert.Nil(t, out[mintC])
}
