// =================================
// File: internal/types/numeric.go
// =================================
package types

import "github.com/shopspring/decimal"

// Rounding policy: per-token prices carry 8 decimal places, USD totals 2.
// Both truncate toward zero so cost is never rounded up, which would
// artificially improve realized P&L.
const (
	PricePrecision = 8
	USDPrecision   = 2
)

// TruncatePrice truncates a per-token price toward zero to 8 decimals.
func TruncatePrice(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(PricePrecision)
}

// TruncateUSD truncates a USD amount toward zero to 2 decimals.
func TruncateUSD(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(USDPrecision)
}
