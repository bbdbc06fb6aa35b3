// =================================
// File: internal/helius/client_test.go
// =================================
package helius

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testAddress = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	return NewClient("test-key", baseURL, Options{
		RequestsPerSecond: 1000,
		MaxTries:          3,
		Timeout:           5 * time.Second,
	}, zap.NewNop())
}

func sigPage(start, n int) []SignatureInfo {
	page := make([]SignatureInfo, n)
	for i := range page {
		page[i] = SignatureInfo{
			Signature: fmt.Sprintf("sig-%d", start+i),
			Slot:      int64(1000 - start - i),
			BlockTime: int64(1700000000 - start - i),
		}
	}
	return page
}

func TestFetchSignaturesPaginates(t *testing.T) {
	pageSize := 3
	var (
		mu       sync.Mutex
		requests []string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.URL.Query().Get("api-key"))
		before := r.URL.Query().Get("before")
		mu.Lock()
		requests = append(requests, before)
		mu.Unlock()

		var page []SignatureInfo
		switch before {
		case "":
			page = sigPage(0, pageSize)
		case "sig-2":
			page = sigPage(3, pageSize)
		case "sig-5":
			page = sigPage(6, 1) // short page ends pagination
		default:
			t.Errorf("unexpected cursor %q", before)
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	sigs, err := c.FetchSignatures(context.Background(), testAddress, pageSize)
	require.NoError(t, err)

	require.Len(t, sigs, 7)
	assert.Equal(t, "sig-0", sigs[0].Signature)
	assert.Equal(t, "sig-6", sigs[6].Signature)
	// Each cursor is the last signature of the previous page.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", "sig-2", "sig-5"}, requests)
}

func TestFetchSignaturesEmptyHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]SignatureInfo{})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	sigs, err := c.FetchSignatures(context.Background(), testAddress, 100)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestFetchSignaturesFailsOnPageError(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("before") == "" {
			_ = json.NewEncoder(w).Encode(sigPage(0, 2))
			return
		}
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.FetchSignatures(context.Background(), testAddress, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	// No partial history with a hole in it.
	assert.EqualValues(t, 3, calls.Load())
}

func TestRateLimitHonorsRetryAfterWithoutConsumingAttempts(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Rate-limit more times than the attempt budget allows failures.
		if calls.Add(1) <= 4 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(sigPage(0, 1))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	start := time.Now()
	sigs, err := c.Signatures(context.Background(), testAddress, "", 10)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.EqualValues(t, 5, calls.Load())
	// Four Retry-After: 1 waits actually happened.
	assert.GreaterOrEqual(t, time.Since(start), 4*time.Second)
}

func TestTransientErrorsExhaustRetries(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.Transactions(context.Background(), []string{"sig-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.Signatures(context.Background(), testAddress, "", 10)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	// A 4xx is never retried.
	assert.EqualValues(t, 1, calls.Load())
}

func TestTransactionsBatchRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "test-key", r.URL.Query().Get("api-key"))

		var body map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"sig-1", "sig-2"}, body["transactions"])

		_ = json.NewEncoder(w).Encode([]EnhancedTransaction{
			{Signature: "sig-1", Type: "SWAP"},
			{Signature: "sig-2", Type: "SWAP"},
		})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	txns, err := c.Transactions(context.Background(), []string{"sig-1", "sig-2"})
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, "sig-1", txns[0].Signature)
}

func TestIsSwapShaped(t *testing.T) {
	tests := []struct {
		name string
		tx   EnhancedTransaction
		want bool
	}{
		{
			name: "parsed swap event",
			tx:   EnhancedTransaction{Events: Events{Swap: &SwapEvent{}}},
			want: true,
		},
		{
			name: "two token transfers",
			tx: EnhancedTransaction{TokenTransfers: []TokenTransfer{
				{Mint: "a"}, {Mint: "b"},
			}},
			want: true,
		},
		{
			name: "single transfer",
			tx:   EnhancedTransaction{TokenTransfers: []TokenTransfer{{Mint: "a"}}},
			want: false,
		},
		{
			name: "plain transaction",
			tx:   EnhancedTransaction{},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tx.IsSwapShaped())
		})
	}
}
