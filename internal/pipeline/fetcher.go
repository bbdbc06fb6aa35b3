// =================================
// File: internal/pipeline/fetcher.go
// =================================
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/wallet-pnl/internal/config"
	"github.com/rovshanmuradov/wallet-pnl/internal/helius"
	"github.com/rovshanmuradov/wallet-pnl/internal/pricing"
	"github.com/rovshanmuradov/wallet-pnl/internal/types"
)

// Metrics counts what a fetch actually did. Partial failures show up here
// instead of aborting the fetch.
type Metrics struct {
	SignatureCount   int           `json:"signature_count"`
	TransactionCount int           `json:"transaction_count"`
	SwapCount        int           `json:"swap_count"`
	TradeCount       int           `json:"trade_count"`
	FailedBatches    int           `json:"failed_batches"`
	SkippedTrades    int           `json:"skipped_trades"`
	EnrichedTrades   int           `json:"enriched_trades"`
	UnpricedTrades   int           `json:"unpriced_trades"`
	Elapsed          time.Duration `json:"elapsed"`
}

// FetchResult is the full outcome of one wallet fetch.
type FetchResult struct {
	Trades     []types.Trade `json:"trades"`
	Signatures []string      `json:"signatures"`
	Metrics    Metrics       `json:"metrics"`
}

// Pipeline wires the signature fetcher, the batch transaction fetcher, the
// trade extractor and the price cache into a single wallet fetch.
type Pipeline struct {
	client *helius.Client
	prices *pricing.Cache

	pageSize      int
	batchSize     int
	concurrency   int
	batchTimeout  time.Duration
	dustThreshold decimal.Decimal

	events chan ProgressEvent
	logger *zap.Logger
}

// New builds a pipeline from configuration. Configuration problems are the
// one fatal error class and surface here, at construction.
func New(cfg *config.Config, client *helius.Client, prices *pricing.Cache, logger *zap.Logger) (*Pipeline, error) {
	dust, err := decimal.NewFromString(cfg.DustThreshold)
	if err != nil {
		return nil, fmt.Errorf("invalid dust threshold: %w", err)
	}

	return &Pipeline{
		client:        client,
		prices:        prices,
		pageSize:      cfg.SignaturePageSize,
		batchSize:     cfg.TxBatchSize,
		concurrency:   cfg.TxConcurrency,
		batchTimeout:  time.Duration(cfg.TxBatchTimeout) * time.Second,
		dustThreshold: dust,
		events:        make(chan ProgressEvent, 64),
		logger:        logger.Named("pipeline"),
	}, nil
}

// FetchWalletTrades ingests the wallet's full swap history: sequential
// signature pagination, concurrent batch transaction resolution, trade
// extraction and price enrichment. A failed transaction batch degrades to
// an empty batch and a failure count; the fetch itself only errors when
// the wallet address is invalid or the signature history cannot be read
// at all.
func (p *Pipeline) FetchWalletTrades(ctx context.Context, wallet string) (*FetchResult, error) {
	if _, err := solana.PublicKeyFromBase58(wallet); err != nil {
		return nil, fmt.Errorf("invalid wallet address %q: %w", wallet, err)
	}

	start := time.Now()
	log := p.logger.With(zap.String("wallet", wallet))

	sigs, err := p.client.FetchSignatures(ctx, wallet, p.pageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch signatures: %w", err)
	}
	p.emit(ProgressEvent{Stage: StageSignatures, Completed: len(sigs), Total: len(sigs)})

	signatures := make([]string, 0, len(sigs))
	for _, s := range sigs {
		if s.Err != "" {
			continue
		}
		signatures = append(signatures, s.Signature)
	}

	txns, resolved, failedBatches := p.resolveTransactions(ctx, signatures)

	extractor := NewExtractor(wallet, p.dustThreshold, p.logger)
	trades, skipped := extractor.Extract(txns)

	enriched, unpriced := p.enrichTrades(ctx, trades)

	result := &FetchResult{
		Trades:     trades,
		Signatures: signatures,
		Metrics: Metrics{
			SignatureCount:   len(sigs),
			TransactionCount: resolved,
			SwapCount:        len(txns),
			TradeCount:       len(trades),
			FailedBatches:    failedBatches,
			SkippedTrades:    skipped,
			EnrichedTrades:   enriched,
			UnpricedTrades:   unpriced,
			Elapsed:          time.Since(start),
		},
	}

	log.Info("Wallet fetch complete",
		zap.Int("signatures", len(sigs)),
		zap.Int("transactions", resolved),
		zap.Int("swap_transactions", len(txns)),
		zap.Int("trades", len(trades)),
		zap.Int("failed_batches", failedBatches),
		zap.Int("unpriced_trades", unpriced),
		zap.Duration("elapsed", result.Metrics.Elapsed))

	return result, nil
}

// resolveTransactions splits signatures into fixed-size batches and issues
// them in waves with a bounded number in flight. A batch that exhausts its
// retries (or times out) contributes nothing but a failure count; sibling
// batches are unaffected and batch completion order does not matter.
// Returns the swap-shaped transactions, the total resolved count before
// the swap filter, and the failed batch count.
func (p *Pipeline) resolveTransactions(ctx context.Context, signatures []string) ([]helius.EnhancedTransaction, int, int) {
	var (
		mu            sync.Mutex
		txns          []helius.EnhancedTransaction
		resolvedCount int
		failedBatches int
		completed     int
	)

	batches := chunk(signatures, p.batchSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			bctx, cancel := context.WithTimeout(gctx, p.batchTimeout)
			defer cancel()

			resolved, err := p.client.Transactions(bctx, batch)

			mu.Lock()
			defer mu.Unlock()
			completed++
			if err != nil {
				failedBatches++
				p.logger.Warn("Transaction batch degraded to empty",
					zap.Int("batch_size", len(batch)),
					zap.Error(err))
			} else {
				resolvedCount += len(resolved)
				for i := range resolved {
					if resolved[i].TransactionError != nil {
						continue
					}
					if resolved[i].IsSwapShaped() {
						txns = append(txns, resolved[i])
					}
				}
			}
			p.emit(ProgressEvent{Stage: StageTransactions, Completed: completed, Total: len(batches)})
			return nil
		})
	}

	// Workers only report, never fail the group.
	_ = g.Wait()

	return txns, resolvedCount, failedBatches
}

// enrichTrades fills price and USD value on each trade from the per-minute
// price cache: the token's own price when available, otherwise derived
// from the native leg and the SOL price at the same minute.
func (p *Pipeline) enrichTrades(ctx context.Context, trades []types.Trade) (enriched, unpriced int) {
	if len(trades) == 0 {
		return 0, 0
	}

	for i := range trades {
		p.prices.Request(trades[i].Token().Mint, trades[i].Timestamp)
		if trades[i].NativeAmount().IsPositive() {
			p.prices.Request(types.NativeMint, trades[i].Timestamp)
		}
	}

	if err := p.prices.FlushPending(ctx); err != nil {
		p.logger.Warn("Price flush incomplete", zap.Error(err))
	}

	for i := range trades {
		trade := &trades[i]
		tok := trade.Token()

		if point, ok := p.prices.Get(tok.Mint, trade.Timestamp); ok && !point.Missing {
			trade.PriceUSD = types.TruncatePrice(point.Price)
			trade.ValueUSD = types.TruncateUSD(point.Price.Mul(tok.Amount))
			enriched++
			continue
		}

		native := trade.NativeAmount()
		if native.IsPositive() {
			if point, ok := p.prices.Get(types.NativeMint, trade.Timestamp); ok && !point.Missing {
				trade.ValueUSD = types.TruncateUSD(native.Mul(point.Price))
				if tok.Amount.IsPositive() {
					trade.PriceUSD = types.TruncatePrice(trade.ValueUSD.Div(tok.Amount))
				}
				enriched++
				continue
			}
		}

		unpriced++
	}

	p.emit(ProgressEvent{Stage: StagePrices, Completed: enriched, Total: len(trades)})
	return enriched, unpriced
}

func chunk(items []string, size int) [][]string {
	if size <= 0 {
		return [][]string{items}
	}
	var out [][]string
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
