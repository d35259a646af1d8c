// Package strategy contains the pure decision logic: quoting (what orders we
// want and whether live ones should be replaced) and risk evaluation (whether
// a market should go to sleep). Nothing here touches the network or mutates
// shared state, so every path is unit-testable.
package strategy

import (
	"math"

	"polymarket-quoter/internal/book"
	"polymarket-quoter/pkg/types"
)

// Action is the per-side outcome of a quoting pass.
type Action int

const (
	ActionNone    Action = iota // nothing wanted, nothing live
	ActionKeep                  // live order still matches the desired quote
	ActionPlace                 // no live order, place the desired one
	ActionReplace               // live order stale, cancel and re-place
	ActionCancel                // live order no longer wanted
)

func (a Action) String() string {
	switch a {
	case ActionKeep:
		return "keep"
	case ActionPlace:
		return "place"
	case ActionReplace:
		return "replace"
	case ActionCancel:
		return "cancel"
	}
	return "none"
}

// SideDecision is the desired quote and action for one side of one token.
// Price and Size are meaningful for Place and Replace.
type SideDecision struct {
	Action Action
	Price  float64
	Size   float64
}

// Decision is the full quoting outcome for one token.
type Decision struct {
	Buy  SideDecision
	Sell SideDecision
}

// NeedsCancel reports whether either side requires the live order gone.
// The exchange only supports cancel-all-per-token, so one side needing a
// replace takes the other side's order down with it.
func (d Decision) NeedsCancel() bool {
	return d.Buy.Action == ActionReplace || d.Buy.Action == ActionCancel ||
		d.Sell.Action == ActionReplace || d.Sell.Action == ActionCancel
}

// Tuning bundles the quoting constants from config.
type Tuning struct {
	HardShareCap          float64
	LowPriceThreshold     float64
	LowPriceMultiplier    float64
	BuyReplacePriceDelta  float64
	BuyReplaceSizeRatio   float64
	SellReplacePriceDelta float64
	SellReplaceSizeRatio  float64
}

// Input is everything the quote engine reads for one token.
type Input struct {
	Market   types.Market
	TokenID  string
	Top      book.Top
	Position types.Position // holding in this token
	Reverse  types.Position // holding in the complementary token
	Orders   types.OrderPair
	Trade    types.TradeConfig
	Params   types.StrategyParams
	Vol      float64 // volatility scalar for this market
	RiskOff  bool
	Balance  float64 // available USDC; <= 0 means unknown, no extra cap
}

// ComputeQuote decides the desired buy and sell for one token and how each
// live order should be handled.
//
// Buy price is the best bid rounded down to tick; sell price is always the
// take-profit price derived from the average entry, never the best ask.
func ComputeQuote(in Input, tune Tuning) Decision {
	var d Decision

	tick := in.Market.TickSize.Float()

	buyPrice, buySize, wantBuy := desiredBuy(in, tune, tick)
	sellPrice, sellSize, wantSell := desiredSell(in, tick)

	d.Buy = decideSide(in.Orders.Buy, wantBuy, buyPrice, buySize,
		tune.BuyReplacePriceDelta, tune.BuyReplaceSizeRatio)
	d.Sell = decideSide(in.Orders.Sell, wantSell, sellPrice, sellSize,
		tune.SellReplacePriceDelta, tune.SellReplaceSizeRatio)

	return d
}

// desiredBuy applies the full buy gate chain; every condition must hold.
func desiredBuy(in Input, tune Tuning, tick float64) (price, size float64, ok bool) {
	if !in.Trade.Enabled || in.RiskOff {
		return 0, 0, false
	}
	if !in.Top.Full() {
		return 0, 0, false
	}
	if in.Position.Notional() >= in.Trade.MaxSize {
		return 0, 0, false
	}
	if in.Position.Size >= tune.HardShareCap {
		return 0, 0, false
	}
	// Holding both sides means a prior buy on the other token is still being
	// worked off; don't accumulate the hedge.
	if in.Reverse.Size > in.Market.MinSize {
		return 0, 0, false
	}
	if in.Top.Spread() > in.Market.MaxSpread {
		return 0, 0, false
	}
	if in.Vol > in.Params.VolatilityThreshold {
		return 0, 0, false
	}

	price = roundDownToTick(in.Top.BestBid, tick)
	if price < tick {
		return 0, 0, false
	}

	notional := math.Min(in.Trade.TradeSize, in.Trade.MaxSize-in.Position.Notional())
	if in.Balance > 0 {
		notional = math.Min(notional, in.Balance)
	}

	size = notional / price
	if price < tune.LowPriceThreshold {
		size *= tune.LowPriceMultiplier
	}
	size = roundDownToTick(size, 0.01)

	if size < in.Market.MinSize {
		return 0, 0, false
	}
	return price, size, true
}

// desiredSell exits the position at take-profit whenever it is sellable.
// Not gated on enabled/risk-off: an existing position is always offered out.
func desiredSell(in Input, tick float64) (price, size float64, ok bool) {
	if in.Position.Size < in.Market.MinSize || in.Position.AvgPrice <= 0 {
		return 0, 0, false
	}

	price = roundUpToTick(in.Position.AvgPrice*(1+in.Params.TakeProfitPct/100), tick)
	price = clamp(price, tick, 1-tick)

	size = roundDownToTick(in.Position.Size, 0.01)
	return price, size, true
}

func decideSide(live *types.TrackedOrder, want bool, price, size, priceDelta, sizeRatio float64) SideDecision {
	switch {
	case !want && live == nil:
		return SideDecision{Action: ActionNone}
	case !want:
		return SideDecision{Action: ActionCancel}
	case live == nil:
		return SideDecision{Action: ActionPlace, Price: price, Size: size}
	}

	stale := math.Abs(live.Price-price) > priceDelta
	if live.Size > 0 && math.Abs(live.Size-size)/live.Size > sizeRatio {
		stale = true
	}
	if stale {
		return SideDecision{Action: ActionReplace, Price: price, Size: size}
	}
	return SideDecision{Action: ActionKeep, Price: live.Price, Size: live.Size}
}

// roundDownToTick rounds a price down to the nearest tick increment.
func roundDownToTick(price, tick float64) float64 {
	ticks := math.Floor(price/tick + 1e-9)
	return ticks * tick
}

// roundUpToTick rounds a price up to the nearest tick increment.
func roundUpToTick(price, tick float64) float64 {
	ticks := math.Ceil(price/tick - 1e-9)
	return ticks * tick
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
