package exchange

import (
	"math/big"

	"github.com/shopspring/decimal"

	"polymarket-quoter/pkg/types"
)

var usdcScale = decimal.NewFromInt(1_000_000) // USDC has 6 decimals

// PriceToAmounts converts a human-readable price and size to makerAmount and
// takerAmount as big.Int values scaled to 6 decimals.
//
// For BUY:  maker pays makerAmount USDC, receives takerAmount tokens.
// For SELL: maker gives makerAmount tokens, receives takerAmount USDC.
//
// Sizes are truncated to 2 decimals and USDC totals to the tick size's amount
// precision; truncation (not rounding) so the order never asks for more than
// the quoted terms.
func PriceToAmounts(price, size float64, side types.Side, tickSize types.TickSize) (makerAmt, takerAmt *big.Int) {
	amtDecimals := int32(tickSize.AmountDecimals())

	sz := decimal.NewFromFloat(size).Truncate(2)
	total := sz.Mul(decimal.NewFromFloat(price)).Truncate(amtDecimals)

	shares := sz.Mul(usdcScale).Truncate(0).BigInt()
	usdc := total.Mul(usdcScale).Truncate(0).BigInt()

	if side == types.BUY {
		return usdc, shares
	}
	return shares, usdc
}
