// =================================
// File: internal/ledger/positions.go
// =================================
package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/wallet-pnl/internal/types"
)

// Builder replays a wallet's trades into open positions.
type Builder struct {
	calc   Calculator
	dust   decimal.Decimal
	logger *zap.Logger
}

// BuildReport carries the side results of a replay: realized P&L, the
// wallet's net native flow, and per-token accounting warnings.
type BuildReport struct {
	RealizedPnLUSD      decimal.Decimal
	NativeBalance       decimal.Decimal
	InsufficientHistory []string // mints where sells outran buy history
	SkippedTrades       int
}

// NewBuilder creates a position builder for the given method and dust
// threshold.
func NewBuilder(method types.CostBasisMethod, dust decimal.Decimal, logger *zap.Logger) *Builder {
	return &Builder{
		calc:   Calculator{Method: method},
		dust:   dust,
		logger: logger.Named("ledger"),
	}
}

// tokenReplay is the running state for a single mint.
type tokenReplay struct {
	mint       string
	symbol     string
	decimals   int
	lots       []*types.BuyLot
	balance    decimal.Decimal
	openedAt   time.Time
	lastTrade  time.Time
	tradeCount int
	hasBuys    bool
	warned     bool
}

// Build groups trades by mint, replays each mint's trades in timestamp
// order and returns the open positions. Closed positions (final balance at
// or below dust) and tokens with no buy history at all are excluded.
// The native asset is tracked as a plain balance with no cost basis.
func (b *Builder) Build(trades []types.Trade, wallet string) ([]types.Position, *BuildReport) {
	report := &BuildReport{}

	ordered := make([]types.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		if ordered[i].Slot != ordered[j].Slot {
			return ordered[i].Slot < ordered[j].Slot
		}
		return ordered[i].Signature < ordered[j].Signature
	})

	replays := make(map[string]*tokenReplay)
	var mintOrder []string

	for i := range ordered {
		trade := &ordered[i]
		if err := trade.Validate(); err != nil {
			report.SkippedTrades++
			b.logger.Debug("Skipping malformed trade",
				zap.String("signature", trade.Signature),
				zap.Error(err))
			continue
		}

		tok := trade.Token()
		if tok.Mint == types.NativeMint {
			report.SkippedTrades++
			continue
		}

		tr, ok := replays[tok.Mint]
		if !ok {
			tr = &tokenReplay{mint: tok.Mint, symbol: tok.Symbol, decimals: tok.Decimals}
			replays[tok.Mint] = tr
			mintOrder = append(mintOrder, tok.Mint)
		}
		if tr.symbol == "" {
			tr.symbol = tok.Symbol
		}

		switch trade.Action {
		case types.ActionBuy:
			b.applyBuy(tr, trade, tok)
			report.NativeBalance = report.NativeBalance.Sub(trade.NativeAmount())
		case types.ActionSell:
			b.applySell(tr, trade, tok, report)
			report.NativeBalance = report.NativeBalance.Add(trade.NativeAmount())
		}

		tr.tradeCount++
		tr.lastTrade = trade.Timestamp
	}

	positions := make([]types.Position, 0, len(replays))
	for _, mint := range mintOrder {
		tr := replays[mint]

		// A token never bought (airdrop, plain receipt) is not actionable.
		if !tr.hasBuys {
			continue
		}
		if tr.balance.LessThanOrEqual(b.dust) {
			continue
		}

		perToken, totalUSD := b.calc.RemainingCostBasis(tr.lots, tr.balance)
		positions = append(positions, types.Position{
			PositionID:   types.NewPositionID(wallet, tr.mint, tr.openedAt),
			Wallet:       wallet,
			TokenMint:    tr.mint,
			TokenSymbol:  tr.symbol,
			Balance:      tr.balance,
			CostBasis:    perToken,
			CostBasisUSD: totalUSD,
			Method:       b.calc.Method,
			OpenedAt:     tr.openedAt.UTC(),
			LastTradeAt:  tr.lastTrade.UTC(),
			TradeCount:   tr.tradeCount,
			Decimals:     tr.decimals,
		})
	}

	report.RealizedPnLUSD = types.TruncateUSD(report.RealizedPnLUSD)

	b.logger.Info("Positions built",
		zap.String("wallet", wallet),
		zap.Int("trades", len(ordered)),
		zap.Int("open_positions", len(positions)),
		zap.Int("skipped", report.SkippedTrades),
		zap.String("realized_pnl_usd", report.RealizedPnLUSD.String()))

	return positions, report
}

func (b *Builder) applyBuy(tr *tokenReplay, trade *types.Trade, tok types.TokenAmount) {
	// A buy into an empty (or fully closed) token opens a fresh position.
	if tr.balance.LessThanOrEqual(b.dust) {
		tr.openedAt = trade.Timestamp
		tr.lots = nil
		tr.tradeCount = 0
	}

	pricePerToken := decimal.Zero
	if trade.ValueUSD.IsPositive() {
		pricePerToken = types.TruncatePrice(trade.ValueUSD.Div(tok.Amount))
	} else if trade.PriceUSD.IsPositive() {
		pricePerToken = types.TruncatePrice(trade.PriceUSD)
	}

	tr.lots = append(tr.lots, &types.BuyLot{
		Timestamp:       trade.Timestamp,
		Amount:          tok.Amount,
		PricePerToken:   pricePerToken,
		TotalCostUSD:    types.TruncateUSD(trade.ValueUSD),
		RemainingAmount: tok.Amount,
		Signature:       trade.Signature,
		Slot:            trade.Slot,
	})
	tr.balance = tr.balance.Add(tok.Amount)
	tr.hasBuys = true
}

func (b *Builder) applySell(tr *tokenReplay, trade *types.Trade, tok types.TokenAmount, report *BuildReport) {
	cost, insufficient := b.calc.SellCost(tr.lots, tok.Amount)
	if b.calc.Method == types.MethodWeightedAverage {
		insufficient = tok.Amount.GreaterThan(tr.balance)
	}

	if insufficient && !tr.warned {
		tr.warned = true
		report.InsufficientHistory = append(report.InsufficientHistory, tr.mint)
		b.logger.Warn("Sell exceeds recorded buy history, using partial cost basis",
			zap.String("mint", tr.mint),
			zap.String("signature", trade.Signature))
	}

	realized := types.TruncateUSD(trade.ValueUSD.Sub(cost))
	report.RealizedPnLUSD = report.RealizedPnLUSD.Add(realized)

	tr.balance = tr.balance.Sub(tok.Amount)

	// Lots are discarded when the position fully closes; a later buy
	// starts a fresh lot list and a fresh position identity.
	if tr.balance.LessThanOrEqual(b.dust) {
		tr.lots = nil
	}
}
