// =================================
// File: internal/pnl/service.go
// =================================
package pnl

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/wallet-pnl/internal/cache"
	"github.com/rovshanmuradov/wallet-pnl/internal/config"
	"github.com/rovshanmuradov/wallet-pnl/internal/ledger"
	"github.com/rovshanmuradov/wallet-pnl/internal/pipeline"
	"github.com/rovshanmuradov/wallet-pnl/internal/pricing"
	"github.com/rovshanmuradov/wallet-pnl/internal/types"
)

// Confidence age bounds for mark prices.
const (
	highConfidenceAge      = 5 * time.Minute
	estimatedConfidenceAge = time.Hour
)

// Service is the wallet P&L facade: fetch swap history, replay it into
// positions, mark open positions to current prices and serve the result
// through the staleness-aware cache.
type Service struct {
	pipeline *pipeline.Pipeline
	prices   *pricing.Cache
	store    *cache.Cache

	method types.CostBasisMethod
	dust   decimal.Decimal

	logger *zap.Logger
	now    func() time.Time
}

// NewService wires the service and registers it as the cache's background
// refresh implementation.
func NewService(cfg *config.Config, pipe *pipeline.Pipeline, prices *pricing.Cache, store *cache.Cache, logger *zap.Logger) (*Service, error) {
	dust, err := decimal.NewFromString(cfg.DustThreshold)
	if err != nil {
		return nil, fmt.Errorf("invalid dust threshold: %w", err)
	}

	method := types.CostBasisMethod(cfg.CostBasisMethod)
	switch method {
	case types.MethodFIFO, types.MethodWeightedAverage:
	default:
		return nil, fmt.Errorf("unknown cost basis method %q", cfg.CostBasisMethod)
	}

	s := &Service{
		pipeline: pipe,
		prices:   prices,
		store:    store,
		method:   method,
		dust:     dust,
		logger:   logger.Named("pnl"),
		now:      time.Now,
	}
	if store != nil {
		store.SetRefreshFunc(func(ctx context.Context, wallet string) error {
			_, err := s.rebuild(ctx, wallet)
			return err
		})
	}
	return s, nil
}

// Trades fetches the wallet's canonical swap history.
func (s *Service) Trades(ctx context.Context, wallet string) (*pipeline.FetchResult, error) {
	return s.pipeline.FetchWalletTrades(ctx, wallet)
}

// Positions returns the wallet's open positions. A cached copy is served
// when one exists (the report is nil on that path; a stale copy schedules
// a background refresh); otherwise the history is fetched and replayed,
// and the result cached.
func (s *Service) Positions(ctx context.Context, wallet string) ([]types.Position, *ledger.BuildReport, error) {
	if s.store != nil {
		if positions, stale, ok := s.store.GetPositions(ctx, wallet); ok {
			if stale {
				s.logger.Debug("Serving stale positions, refresh scheduled",
					zap.String("wallet", wallet))
				s.store.RequestRefresh(wallet)
			}
			return positions, nil, nil
		}
	}

	result, err := s.pipeline.FetchWalletTrades(ctx, wallet)
	if err != nil {
		return nil, nil, err
	}

	builder := ledger.NewBuilder(s.method, s.dust, s.logger)
	positions, report := builder.Build(result.Trades, wallet)
	if s.store != nil {
		if err := s.store.SetPositions(ctx, wallet, positions); err != nil {
			s.logger.Warn("Positions cache write failed",
				zap.String("wallet", wallet), zap.Error(err))
		}
	}
	return positions, report, nil
}

// Snapshot serves the wallet's marked positions. A fresh cached snapshot
// is returned as-is; a stale one is returned immediately while a
// background refresh is scheduled; a miss rebuilds synchronously. The
// boolean reports whether the snapshot came from the cache.
func (s *Service) Snapshot(ctx context.Context, wallet string) (*types.PositionSnapshot, bool, error) {
	if s.store != nil {
		if snap, stale, ok := s.store.GetSnapshot(ctx, wallet); ok {
			if stale {
				s.logger.Debug("Serving stale snapshot, refresh scheduled",
					zap.String("wallet", wallet))
				s.store.RequestRefresh(wallet)
			}
			return snap, true, nil
		}
	}

	snap, err := s.rebuild(ctx, wallet)
	if err != nil {
		return nil, false, err
	}
	return snap, false, nil
}

// Invalidate drops the wallet's cached state so the next read rebuilds.
func (s *Service) Invalidate(ctx context.Context, wallet string) {
	if s.store != nil {
		s.store.Invalidate(ctx, wallet)
	}
}

// Progress exposes the pipeline's progress events.
func (s *Service) Progress() <-chan pipeline.ProgressEvent {
	return s.pipeline.Events()
}

// rebuild computes a wallet's snapshot from scratch and stores it.
func (s *Service) rebuild(ctx context.Context, wallet string) (*types.PositionSnapshot, error) {
	result, err := s.pipeline.FetchWalletTrades(ctx, wallet)
	if err != nil {
		return nil, err
	}

	builder := ledger.NewBuilder(s.method, s.dust, s.logger)
	positions, report := builder.Build(result.Trades, wallet)

	snap := s.mark(ctx, wallet, positions, report)
	if s.store != nil {
		if err := s.store.SetSnapshot(ctx, snap); err != nil {
			s.logger.Warn("Snapshot cache write failed",
				zap.String("wallet", wallet), zap.Error(err))
		}
		if err := s.store.SetPositions(ctx, wallet, positions); err != nil {
			s.logger.Warn("Positions cache write failed",
				zap.String("wallet", wallet), zap.Error(err))
		}
	}
	return snap, nil
}

// requestMarkPrices queues a current-minute price for every open mint and
// flushes the batch queue. Price failures degrade the snapshot's
// confidence grades rather than failing the rebuild.
func (s *Service) requestMarkPrices(ctx context.Context, positions []types.Position) {
	if len(positions) == 0 {
		return
	}
	now := s.now()
	for i := range positions {
		s.prices.Request(positions[i].TokenMint, now)
	}
	if err := s.prices.FlushPending(ctx); err != nil {
		s.logger.Warn("Mark price fetch incomplete", zap.Error(err))
	}
}

// ComputeUnrealizedPnL values each position at its freshest known price.
// Current prices are requested and flushed first; a mint with no price at
// all yields an entry with unavailable confidence and zero value.
func (s *Service) ComputeUnrealizedPnL(ctx context.Context, positions []types.Position) []types.PositionPnL {
	s.requestMarkPrices(ctx, positions)

	now := s.now()
	entries := make([]types.PositionPnL, 0, len(positions))
	for i := range positions {
		entries = append(entries, s.markPosition(&positions[i], now))
	}
	return entries
}

// mark marks the positions and sums the per-position results into
// snapshot totals. Totals are sums of the entries' already-truncated
// values, so the snapshot is internally consistent.
func (s *Service) mark(ctx context.Context, wallet string, positions []types.Position, report *ledger.BuildReport) *types.PositionSnapshot {
	snap := &types.PositionSnapshot{
		Wallet:        wallet,
		Timestamp:     s.now().UTC(),
		Positions:     s.ComputeUnrealizedPnL(ctx, positions),
		NativeBalance: report.NativeBalance,
	}

	var totalCost decimal.Decimal
	for i := range snap.Positions {
		entry := &snap.Positions[i]
		if entry.PriceConfidence != types.ConfidenceUnavailable {
			snap.TotalValueUSD = snap.TotalValueUSD.Add(entry.CurrentValueUSD)
			snap.TotalUnrealizedPnLUSD = snap.TotalUnrealizedPnLUSD.Add(entry.UnrealizedPnLUSD)
			totalCost = totalCost.Add(entry.Position.CostBasisUSD)
		}
	}

	if totalCost.IsPositive() {
		snap.TotalUnrealizedPnLPct = types.TruncateUSD(
			snap.TotalUnrealizedPnLUSD.Div(totalCost).Mul(decimal.NewFromInt(100)))
	}
	return snap
}

func (s *Service) markPosition(pos *types.Position, now time.Time) types.PositionPnL {
	entry := types.PositionPnL{
		Position:        *pos,
		PriceConfidence: types.ConfidenceUnavailable,
	}

	point, ok := s.prices.Latest(pos.TokenMint)
	if !ok || point.Missing {
		return entry
	}

	observedAt := time.Unix(point.Minute*60, 0)
	age := now.Sub(observedAt)
	entry.PriceAgeSeconds = int64(age.Seconds())
	entry.PriceSource = point.Source
	entry.PriceConfidence = confidenceForAge(age)

	entry.CurrentPriceUSD = types.TruncatePrice(point.Price)
	entry.CurrentValueUSD = types.TruncateUSD(pos.Balance.Mul(entry.CurrentPriceUSD))
	entry.UnrealizedPnLUSD = types.TruncateUSD(entry.CurrentValueUSD.Sub(pos.CostBasisUSD))
	if pos.CostBasisUSD.IsPositive() {
		entry.UnrealizedPnLPct = types.TruncateUSD(
			entry.UnrealizedPnLUSD.Div(pos.CostBasisUSD).Mul(decimal.NewFromInt(100)))
	}
	return entry
}

func confidenceForAge(age time.Duration) types.PriceConfidence {
	switch {
	case age < highConfidenceAge:
		return types.ConfidenceHigh
	case age < estimatedConfidenceAge:
		return types.ConfidenceEstimated
	default:
		return types.ConfidenceStale
	}
}
