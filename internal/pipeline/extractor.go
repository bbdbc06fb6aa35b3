// =================================
// File: internal/pipeline/extractor.go
// =================================
package pipeline

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/wallet-pnl/internal/helius"
	"github.com/rovshanmuradov/wallet-pnl/internal/types"
)

var lamportsPerSOL = decimal.New(1, 9)

// Extractor converts swap-shaped transactions into canonical, deduplicated
// trades relative to one wallet.
type Extractor struct {
	wallet string
	dust   decimal.Decimal
	logger *zap.Logger
}

// NewExtractor creates an extractor for a wallet with a dust threshold
// below which token movements are ignored.
func NewExtractor(wallet string, dust decimal.Decimal, logger *zap.Logger) *Extractor {
	return &Extractor{
		wallet: wallet,
		dust:   dust,
		logger: logger.Named("extractor"),
	}
}

// Extract walks the transactions and emits trades. Direction is derived
// from token movement deltas relative to the wallet: a received token is a
// buy leg, a sent token a sell leg; a token-to-token swap emits both. The
// result is deduplicated by (signature, mint) and unsorted; ordering is
// the ledger's concern.
func (e *Extractor) Extract(txns []helius.EnhancedTransaction) (trades []types.Trade, skipped int) {
	seen := make(map[string]struct{})

	for i := range txns {
		tx := &txns[i]
		if tx.TransactionError != nil {
			skipped++
			continue
		}

		received, sent, nativeDelta := e.tokenDeltas(tx)
		if len(received) == 0 && len(sent) == 0 {
			skipped++
			continue
		}

		ts := time.Unix(tx.Timestamp, 0).UTC()

		for _, tok := range received {
			if tok.Mint == types.NativeMint {
				continue
			}
			trade := types.Trade{
				Signature: tx.Signature,
				Slot:      tx.Slot,
				Timestamp: ts,
				Action:    types.ActionBuy,
				TokenOut:  tok,
				TokenIn:   e.counterLeg(sent, nativeDelta.Neg()),
			}
			e.append(&trades, trade, seen, &skipped)
		}

		for _, tok := range sent {
			if tok.Mint == types.NativeMint {
				continue
			}
			trade := types.Trade{
				Signature: tx.Signature,
				Slot:      tx.Slot,
				Timestamp: ts,
				Action:    types.ActionSell,
				TokenIn:   tok,
				TokenOut:  e.counterLeg(received, nativeDelta),
			}
			e.append(&trades, trade, seen, &skipped)
		}
	}

	return trades, skipped
}

func (e *Extractor) append(trades *[]types.Trade, trade types.Trade, seen map[string]struct{}, skipped *int) {
	key := trade.Signature + "|" + trade.Token().Mint
	if _, dup := seen[key]; dup {
		return
	}

	if err := trade.Validate(); err != nil {
		*skipped++
		e.logger.Debug("Dropping malformed trade",
			zap.String("signature", trade.Signature),
			zap.Error(err))
		return
	}

	seen[key] = struct{}{}
	*trades = append(*trades, trade)
}

// counterLeg picks the opposite side of a trade: the native leg when SOL
// moved, otherwise the first token on the other side.
func (e *Extractor) counterLeg(other []types.TokenAmount, nativeAmount decimal.Decimal) types.TokenAmount {
	if nativeAmount.IsPositive() {
		return types.TokenAmount{
			Mint:     types.NativeMint,
			Symbol:   "SOL",
			Amount:   nativeAmount,
			Decimals: types.NativeDecimals,
		}
	}
	for _, tok := range other {
		if tok.Mint != types.NativeMint {
			return tok
		}
	}
	return types.TokenAmount{}
}

// tokenDeltas nets the wallet's token movements in one transaction. The
// swap event is preferred when present; otherwise raw token transfers are
// netted. nativeDelta is positive when the wallet received SOL.
func (e *Extractor) tokenDeltas(tx *helius.EnhancedTransaction) (received, sent []types.TokenAmount, nativeDelta decimal.Decimal) {
	deltas := make(map[string]*types.TokenAmount)
	order := make([]string, 0, 4)

	add := func(mint string, amount decimal.Decimal, decimals int) {
		d, ok := deltas[mint]
		if !ok {
			d = &types.TokenAmount{Mint: mint, Decimals: decimals}
			deltas[mint] = d
			order = append(order, mint)
		}
		d.Amount = d.Amount.Add(amount)
		if decimals > 0 {
			d.Decimals = decimals
		}
	}

	if swap := tx.Events.Swap; swap != nil {
		for _, t := range swap.TokenOutputs {
			if t.UserAccount == e.wallet {
				add(t.Mint, rawAmount(t.RawTokenAmount), t.RawTokenAmount.Decimals)
			}
		}
		for _, t := range swap.TokenInputs {
			if t.UserAccount == e.wallet {
				add(t.Mint, rawAmount(t.RawTokenAmount).Neg(), t.RawTokenAmount.Decimals)
			}
		}
		nativeDelta = swapNativeDelta(swap, e.wallet)
	}

	if len(deltas) == 0 {
		for _, tt := range tx.TokenTransfers {
			amount := decimal.NewFromFloat(tt.TokenAmount)
			if tt.ToUserAccount == e.wallet {
				add(tt.Mint, amount, 0)
			}
			if tt.FromUserAccount == e.wallet {
				add(tt.Mint, amount.Neg(), 0)
			}
		}
		for _, ad := range tx.AccountData {
			if ad.Account == e.wallet && ad.NativeBalanceChange != 0 {
				nativeDelta = decimal.NewFromInt(ad.NativeBalanceChange).Div(lamportsPerSOL)
			}
		}
	}

	for _, mint := range order {
		d := deltas[mint]
		switch {
		case d.Amount.GreaterThan(e.dust):
			received = append(received, *d)
		case d.Amount.Neg().GreaterThan(e.dust):
			flipped := *d
			flipped.Amount = d.Amount.Neg()
			sent = append(sent, flipped)
		}
		// Deltas within the dust threshold are noise and dropped.
	}

	return received, sent, nativeDelta
}

// swapNativeDelta reads the wallet's SOL movement from the swap event:
// nativeOutput means SOL came to the wallet, nativeInput means it left.
func swapNativeDelta(swap *helius.SwapEvent, wallet string) decimal.Decimal {
	var delta decimal.Decimal
	if swap.NativeOutput != nil && (swap.NativeOutput.Account == "" || swap.NativeOutput.Account == wallet) {
		delta = delta.Add(lamportsDecimal(swap.NativeOutput.Amount))
	}
	if swap.NativeInput != nil && (swap.NativeInput.Account == "" || swap.NativeInput.Account == wallet) {
		delta = delta.Sub(lamportsDecimal(swap.NativeInput.Amount))
	}
	return delta
}

func lamportsDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d.Div(lamportsPerSOL)
}

func rawAmount(raw helius.RawTokenAmount) decimal.Decimal {
	d, err := decimal.NewFromString(raw.TokenAmount)
	if err != nil {
		return decimal.Zero
	}
	return d.Shift(int32(-raw.Decimals))
}
