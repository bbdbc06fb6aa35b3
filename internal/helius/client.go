// =================================
// File: internal/helius/client.go
// =================================
package helius

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultRetryAfter = 2 * time.Second

var (
	// ErrRetriesExhausted is returned when a request keeps failing with
	// transient errors past the attempt budget.
	ErrRetriesExhausted = errors.New("helius: retries exhausted")
)

// rateLimitError carries the provider-specified delay from a 429 response.
// It is honored verbatim and never counted against the attempt budget.
type rateLimitError struct {
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.retryAfter)
}

// Client talks to the enhanced-transactions indexing API. Every request
// acquires a slot from a shared token bucket before going out.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxTries   int
	logger     *zap.Logger
}

// Options configures a Client.
type Options struct {
	RequestsPerSecond float64
	MaxTries          int
	Timeout           time.Duration
}

// DefaultOptions returns the default client settings.
func DefaultOptions() Options {
	return Options{
		RequestsPerSecond: 10,
		MaxTries:          3,
		Timeout:           30 * time.Second,
	}
}

// NewClient creates a new API client.
func NewClient(apiKey, baseURL string, opts Options, logger *zap.Logger) *Client {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = DefaultOptions().RequestsPerSecond
	}
	if opts.MaxTries <= 0 {
		opts.MaxTries = DefaultOptions().MaxTries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		limiter:  rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		maxTries: opts.MaxTries,
		logger:   logger.Named("helius"),
	}
}

// Signatures fetches a single page of signatures for an address, newest
// first, older than the before cursor when one is given.
func (c *Client) Signatures(ctx context.Context, address, before string, limit int) ([]SignatureInfo, error) {
	endpoint := fmt.Sprintf("%s/v0/addresses/%s/signatures", c.baseURL, address)

	params := url.Values{}
	params.Set("api-key", c.apiKey)
	params.Set("limit", strconv.Itoa(limit))
	if before != "" {
		params.Set("before", before)
	}

	var page []SignatureInfo
	err := c.doWithRetry(ctx, func(rctx context.Context) error {
		return c.getJSON(rctx, endpoint+"?"+params.Encode(), &page)
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// Transactions resolves a batch of signatures to parsed transactions. The
// response may contain fewer entries than requested on partial upstream
// failure.
func (c *Client) Transactions(ctx context.Context, signatures []string) ([]EnhancedTransaction, error) {
	endpoint := fmt.Sprintf("%s/v0/transactions?api-key=%s", c.baseURL, url.QueryEscape(c.apiKey))

	payload, err := json.Marshal(map[string][]string{"transactions": signatures})
	if err != nil {
		return nil, fmt.Errorf("marshal batch request: %w", err)
	}

	var txns []EnhancedTransaction
	err = c.doWithRetry(ctx, func(rctx context.Context) error {
		return c.postJSON(rctx, endpoint, payload, &txns)
	})
	if err != nil {
		return nil, err
	}
	return txns, nil
}

// doWithRetry runs op with the shared rate limiter, exponential backoff on
// transient failures and verbatim provider delays on rate-limit responses.
// Rate limits do not consume attempts; they are backpressure, not failures.
func (c *Client) doWithRetry(ctx context.Context, op func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	attempts := 0

	var lastErr error
	for attempts < c.maxTries {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		var rle *rateLimitError
		if errors.As(err, &rle) {
			c.logger.Debug("Rate limited by provider",
				zap.Duration("retry_after", rle.retryAfter))
			if err := sleepCtx(ctx, rle.retryAfter); err != nil {
				return err
			}
			continue
		}

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Unwrap()
		}

		lastErr = err
		attempts++
		delay := bo.NextBackOff()
		c.logger.Debug("Transient request failure, backing off",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", delay))
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

func (c *Client) getJSON(ctx context.Context, fullURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	return c.decodeResponse(req, out)
}

func (c *Client) postJSON(ctx context.Context, fullURL string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	return c.decodeResponse(req, out)
}

func (c *Client) decodeResponse(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &rateLimitError{retryAfter: retryAfterDelay(resp)}
	case resp.StatusCode >= http.StatusInternalServerError:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return backoff.Permanent(fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// retryAfterDelay reads the Retry-After header, in whole seconds.
func retryAfterDelay(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRetryAfter
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
