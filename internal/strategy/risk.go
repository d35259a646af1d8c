package strategy

import (
	"polymarket-quoter/internal/book"
	"polymarket-quoter/internal/riskoff"
	"polymarket-quoter/pkg/types"
)

// RiskInput is everything the risk evaluator reads for one token.
type RiskInput struct {
	Position types.Position
	Top      book.Top
	Vol      float64
	Params   types.StrategyParams
}

// EvaluateRisk decides whether a market should go risk-off. Only tokens with
// an open position can trip: a flat market has nothing to protect, and
// elevated volatility there is already handled by the buy gate.
//
// Stop-loss requires both a breached PnL threshold and a tight spread: with
// a wide spread the mid is not a credible exit price, and dumping into it
// would realize a worse loss than waiting.
func EvaluateRisk(in RiskInput) (riskoff.Reason, bool) {
	if in.Position.Size <= 0 {
		return "", false
	}

	if in.Vol > in.Params.VolatilityThreshold {
		return riskoff.ReasonVolatility, true
	}

	if in.Position.AvgPrice > 0 && in.Top.Full() {
		pnlPct := (in.Top.Mid() - in.Position.AvgPrice) / in.Position.AvgPrice * 100
		if pnlPct < in.Params.StopLossPct && in.Top.Spread() <= in.Params.SpreadThreshold {
			return riskoff.ReasonStopLoss, true
		}
	}

	return "", false
}
