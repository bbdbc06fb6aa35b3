// =================================
// File: internal/ledger/costbasis.go
// =================================
package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/rovshanmuradov/wallet-pnl/internal/types"
)

// Calculator attributes USD cost to sold and held token amounts under the
// configured cost-basis method.
type Calculator struct {
	Method types.CostBasisMethod
}

// SellCost returns the cost basis of selling amount tokens from lots.
//
// Under FIFO the oldest lots are consumed first: RemainingAmount is
// decremented and fully consumed lots stay in the slice with zero
// remainder. When buy history does not cover the amount, the cost of
// whatever is available is returned with insufficient=true. Best-effort,
// never an error.
//
// Under weighted-average no lot is mutated; cost is the all-lots average
// price times the amount.
func (c *Calculator) SellCost(lots []*types.BuyLot, amount decimal.Decimal) (cost decimal.Decimal, insufficient bool) {
	if c.Method == types.MethodWeightedAverage {
		avg := WeightedAveragePrice(lots)
		return types.TruncateUSD(avg.Mul(amount)), totalRemaining(lots).LessThan(amount)
	}
	return fifoConsume(lots, amount)
}

// RemainingCostBasis computes the cost basis of the balance still held,
// directly from the lot state rather than by subtracting sold cost from
// total cost. Returns the per-token basis and the USD total.
func (c *Calculator) RemainingCostBasis(lots []*types.BuyLot, balance decimal.Decimal) (perToken, totalUSD decimal.Decimal) {
	if !balance.IsPositive() {
		return decimal.Zero, decimal.Zero
	}

	if c.Method == types.MethodWeightedAverage {
		perToken = WeightedAveragePrice(lots)
		return perToken, types.TruncateUSD(perToken.Mul(balance))
	}

	var total decimal.Decimal
	for _, lot := range lots {
		if lot.RemainingAmount.IsPositive() {
			total = total.Add(lot.RemainingAmount.Mul(lot.PricePerToken))
		}
	}
	totalUSD = types.TruncateUSD(total)
	perToken = types.TruncatePrice(totalUSD.Div(balance))
	return perToken, totalUSD
}

// WeightedAveragePrice is Σ(totalCost)/Σ(amount) across all lots, consumed
// or not. Plain summation makes the result independent of lot order.
func WeightedAveragePrice(lots []*types.BuyLot) decimal.Decimal {
	var totalCost, totalAmount decimal.Decimal
	for _, lot := range lots {
		totalCost = totalCost.Add(lot.TotalCostUSD)
		totalAmount = totalAmount.Add(lot.Amount)
	}
	if !totalAmount.IsPositive() {
		return decimal.Zero
	}
	return types.TruncatePrice(totalCost.Div(totalAmount))
}

// fifoConsume eats the oldest lots first until amount is covered.
func fifoConsume(lots []*types.BuyLot, amount decimal.Decimal) (cost decimal.Decimal, insufficient bool) {
	left := amount
	for _, lot := range lots {
		if !left.IsPositive() {
			break
		}
		if !lot.RemainingAmount.IsPositive() {
			continue
		}

		take := lot.RemainingAmount
		if take.GreaterThan(left) {
			take = left
		}

		cost = cost.Add(take.Mul(lot.PricePerToken))
		lot.RemainingAmount = lot.RemainingAmount.Sub(take)
		left = left.Sub(take)
	}

	return types.TruncateUSD(cost), left.IsPositive()
}

func totalRemaining(lots []*types.BuyLot) decimal.Decimal {
	var total decimal.Decimal
	for _, lot := range lots {
		total = total.Add(lot.RemainingAmount)
	}
	return total
}
