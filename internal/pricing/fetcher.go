// =================================
// File: internal/pricing/fetcher.go
// =================================
package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MaxBatchMints is the provider's hard cap on mints per batch request.
const MaxBatchMints = 100

const defaultRetryAfter = 5 * time.Second

// Fetcher queries the historical batch price endpoint. The price source is
// rate limited much more strictly than the transaction source, so it has
// its own token bucket.
type Fetcher struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxTries   int
	logger     *zap.Logger
}

// NewFetcher creates a price fetcher with its own rate limiter.
func NewFetcher(apiKey, baseURL string, rps float64, maxTries int, logger *zap.Logger) *Fetcher {
	if rps <= 0 {
		rps = 2
	}
	if maxTries <= 0 {
		maxTries = 3
	}
	return &Fetcher{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		maxTries: maxTries,
		logger:   logger.Named("price_fetcher"),
	}
}

type batchPriceRequest struct {
	Mints     []string `json:"mints"`
	Timestamp int64    `json:"timestamp"`
}

type batchPriceResponse struct {
	Prices map[string]*string `json:"prices"`
	Source string             `json:"source"`
}

// BatchPrices fetches per-mint prices at a unix timestamp. A nil entry in
// the result means the provider has no price for that mint at that time.
// Callers must keep len(mints) within MaxBatchMints.
func (f *Fetcher) BatchPrices(ctx context.Context, mints []string, unixTime int64) (map[string]*decimal.Decimal, string, error) {
	if len(mints) == 0 {
		return nil, "", nil
	}
	if len(mints) > MaxBatchMints {
		return nil, "", fmt.Errorf("batch of %d mints exceeds provider cap %d", len(mints), MaxBatchMints)
	}

	payload, err := json.Marshal(batchPriceRequest{Mints: mints, Timestamp: unixTime})
	if err != nil {
		return nil, "", fmt.Errorf("marshal price request: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	attempts := 0

	var lastErr error
	for attempts < f.maxTries {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, "", err
		}

		resp, retryAfter, err := f.doBatch(ctx, payload)
		if err == nil {
			return parsePrices(resp.Prices), resp.Source, nil
		}

		if retryAfter > 0 {
			// Provider backpressure, not a failure.
			f.logger.Debug("Price provider rate limit",
				zap.Duration("retry_after", retryAfter))
			if err := sleepCtx(ctx, retryAfter); err != nil {
				return nil, "", err
			}
			continue
		}

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, "", perm.Unwrap()
		}

		lastErr = err
		attempts++
		if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
			return nil, "", err
		}
	}

	return nil, "", fmt.Errorf("price batch failed after %d attempts: %w", attempts, lastErr)
}

// doBatch performs a single request. A positive retryAfter means a 429 with
// the provider's delay.
func (f *Fetcher) doBatch(ctx context.Context, payload []byte) (*batchPriceResponse, time.Duration, error) {
	endpoint := fmt.Sprintf("%s/defi/multi_price_historical", f.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", f.apiKey)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := defaultRetryAfter
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, retryAfter, fmt.Errorf("rate limited")
	case resp.StatusCode >= http.StatusInternalServerError:
		body, _ := io.ReadAll(resp.Body)
		return nil, 0, fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return nil, 0, backoff.Permanent(fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body)))
	}

	var out batchPriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("decode response: %w", err)
	}
	return &out, 0, nil
}

// parsePrices converts string prices to decimals, keeping nil for mints the
// provider has no data for. Unparseable values are treated as missing.
func parsePrices(raw map[string]*string) map[string]*decimal.Decimal {
	out := make(map[string]*decimal.Decimal, len(raw))
	for mint, s := range raw {
		if s == nil {
			out[mint] = nil
			continue
		}
		d, err := decimal.NewFromString(*s)
		if err != nil {
			out[mint] = nil
			continue
		}
		out[mint] = &d
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
