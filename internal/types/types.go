// =================================
// File: internal/types/types.go
// =================================
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// NativeMint is the wrapped SOL mint address. Swaps against it are the
// common case; the wallet's SOL holdings are tracked as a plain balance
// with no cost basis.
const NativeMint = "So11111111111111111111111111111111111111112"

// NativeDecimals is the decimal count of the native token (lamports).
const NativeDecimals = 9

// Action is the direction of a trade relative to the wallet.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// CostBasisMethod selects how the ledger attributes cost to sold tokens.
type CostBasisMethod string

const (
	MethodFIFO            CostBasisMethod = "fifo"
	MethodWeightedAverage CostBasisMethod = "weighted_average"
)

// PriceConfidence grades how trustworthy a mark price is.
type PriceConfidence string

const (
	ConfidenceHigh        PriceConfidence = "high"
	ConfidenceEstimated   PriceConfidence = "estimated"
	ConfidenceStale       PriceConfidence = "stale"
	ConfidenceUnavailable PriceConfidence = "unavailable"
)

var (
	ErrMissingSignature = errors.New("trade has no signature")
	ErrMissingMint      = errors.New("trade has no token mint")
	ErrMissingTimestamp = errors.New("trade has no timestamp")
	ErrInvalidAction    = errors.New("trade action must be buy or sell")
	ErrInvalidAmount    = errors.New("trade amount must be positive")
)

// TokenAmount is one side of a swap.
type TokenAmount struct {
	Mint     string          `json:"mint"`
	Symbol   string          `json:"symbol,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	Decimals int             `json:"decimals"`
}

// Trade is a single canonical swap leg relative to a wallet. It is created
// once by extraction and enriched once with price data; it is never mutated
// afterwards.
type Trade struct {
	Signature string      `json:"signature"`
	Slot      int64       `json:"slot"`
	Timestamp time.Time   `json:"timestamp"`
	Action    Action      `json:"action"`
	TokenIn   TokenAmount `json:"token_in"`
	TokenOut  TokenAmount `json:"token_out"`

	// Filled by the price enrichment pass. Zero until then.
	PriceUSD decimal.Decimal `json:"price_usd"`
	ValueUSD decimal.Decimal `json:"value_usd"`
	PnLUSD   decimal.Decimal `json:"pnl_usd"`
}

// Validate checks the required fields. Extraction rejects trades that fail
// validation instead of letting malformed records reach the ledger.
func (t *Trade) Validate() error {
	if t.Signature == "" {
		return ErrMissingSignature
	}
	if t.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	if t.Action != ActionBuy && t.Action != ActionSell {
		return fmt.Errorf("%w: %q", ErrInvalidAction, t.Action)
	}
	tok := t.Token()
	if tok.Mint == "" {
		return ErrMissingMint
	}
	if !tok.Amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, tok.Amount)
	}
	return nil
}

// Token returns the non-native side of the trade: the token acquired on a
// buy, the token disposed of on a sell.
func (t *Trade) Token() TokenAmount {
	if t.Action == ActionBuy {
		return t.TokenOut
	}
	return t.TokenIn
}

// NativeAmount returns the native side of the trade, zero-valued when the
// trade is a token-to-token leg with no native side.
func (t *Trade) NativeAmount() decimal.Decimal {
	if t.Action == ActionBuy {
		if t.TokenIn.Mint == NativeMint {
			return t.TokenIn.Amount
		}
		return decimal.Zero
	}
	if t.TokenOut.Mint == NativeMint {
		return t.TokenOut.Amount
	}
	return decimal.Zero
}

// BuyLot is a single buy's remaining sellable quantity and per-unit cost.
// FIFO consumption decrements RemainingAmount; under weighted-average the
// lot is never mutated.
type BuyLot struct {
	Timestamp       time.Time       `json:"timestamp"`
	Amount          decimal.Decimal `json:"amount"`
	PricePerToken   decimal.Decimal `json:"price_per_token"`
	TotalCostUSD    decimal.Decimal `json:"total_cost_usd"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	Signature       string          `json:"signature"`
	Slot            int64           `json:"slot"`
}

// Position is an open holding produced by trade replay.
type Position struct {
	PositionID   string          `json:"position_id"`
	Wallet       string          `json:"wallet"`
	TokenMint    string          `json:"token_mint"`
	TokenSymbol  string          `json:"token_symbol,omitempty"`
	Balance      decimal.Decimal `json:"balance"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
	CostBasisUSD decimal.Decimal `json:"cost_basis_usd"`
	Method       CostBasisMethod `json:"method"`
	OpenedAt     time.Time       `json:"opened_at"`
	LastTradeAt  time.Time       `json:"last_trade_at"`
	IsClosed     bool            `json:"is_closed"`
	TradeCount   int             `json:"trade_count"`
	Decimals     int             `json:"decimals"`
}

// NewPositionID derives a stable identity for a position. A position that
// reopens after a full close has a different opened-at and so a fresh ID.
func NewPositionID(wallet, mint string, openedAt time.Time) string {
	return fmt.Sprintf("%s:%s:%d", wallet, mint, openedAt.UTC().Unix())
}

// PositionPnL marks a position to its current price.
type PositionPnL struct {
	Position Position `json:"position"`

	CurrentPriceUSD  decimal.Decimal `json:"current_price_usd"`
	CurrentValueUSD  decimal.Decimal `json:"current_value_usd"`
	UnrealizedPnLUSD decimal.Decimal `json:"unrealized_pnl_usd"`
	UnrealizedPnLPct decimal.Decimal `json:"unrealized_pnl_pct"`
	PriceConfidence  PriceConfidence `json:"price_confidence"`
	PriceSource      string          `json:"price_source,omitempty"`
	PriceAgeSeconds  int64           `json:"price_age_seconds"`
}

// PositionSnapshot is the per-wallet result served from the cache. Totals
// are exact sums of the entries' already-truncated values.
type PositionSnapshot struct {
	Wallet    string        `json:"wallet"`
	Timestamp time.Time     `json:"timestamp"`
	Positions []PositionPnL `json:"positions"`

	NativeBalance decimal.Decimal `json:"native_balance"`

	TotalValueUSD         decimal.Decimal `json:"total_value_usd"`
	TotalUnrealizedPnLUSD decimal.Decimal `json:"total_unrealized_pnl_usd"`
	TotalUnrealizedPnLPct decimal.Decimal `json:"total_unrealized_pnl_pct"`
}
