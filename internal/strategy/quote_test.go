package strategy

import (
	"math"
	"testing"

	"polymarket-quoter/internal/book"
	"polymarket-quoter/pkg/types"
)

func testTuning() Tuning {
	return Tuning{
		HardShareCap:          250,
		LowPriceThreshold:     0.10,
		LowPriceMultiplier:    2.0,
		BuyReplacePriceDelta:  0.015,
		BuyReplaceSizeRatio:   0.25,
		SellReplacePriceDelta: 0.05,
		SellReplaceSizeRatio:  0.30,
	}
}

func testMarket() types.Market {
	return types.Market{
		ConditionID: "0xc1",
		YesTokenID:  "yes",
		NoTokenID:   "no",
		TickSize:    types.Tick001,
		MinSize:     5,
		MaxSpread:   0.05,
	}
}

func testInput() Input {
	return Input{
		Market:  testMarket(),
		TokenID: "yes",
		Top: book.Top{
			BestBid: 0.40, BidSize: 500,
			BestAsk: 0.42, AskSize: 500,
			HasBid: true, HasAsk: true,
		},
		Trade:  types.TradeConfig{TradeSize: 10, MaxSize: 50, Enabled: true},
		Params: types.StrategyParams{TakeProfitPct: 3, VolatilityThreshold: 5},
	}
}

func TestComputeQuoteFreshMarketPlacesBuyOnly(t *testing.T) {
	t.Parallel()

	d := ComputeQuote(testInput(), testTuning())

	if d.Buy.Action != ActionPlace {
		t.Fatalf("buy action = %v, want place", d.Buy.Action)
	}
	if d.Buy.Price != 0.40 {
		t.Errorf("buy price = %v, want best bid 0.40", d.Buy.Price)
	}
	if math.Abs(d.Buy.Size-25.0) > 1e-9 { // 10 USDC / 0.40
		t.Errorf("buy size = %v, want 25", d.Buy.Size)
	}
	if d.Sell.Action != ActionNone {
		t.Errorf("sell action = %v, want none (no position)", d.Sell.Action)
	}
	if d.NeedsCancel() {
		t.Error("fresh market must not cancel")
	}
}

func TestComputeQuoteBuyPriceRoundsDownToTick(t *testing.T) {
	t.Parallel()

	in := testInput()
	in.Market.TickSize = types.Tick01
	in.Top.BestBid = 0.47

	d := ComputeQuote(in, testTuning())
	if d.Buy.Action != ActionPlace {
		t.Fatalf("buy action = %v, want place", d.Buy.Action)
	}
	if math.Abs(d.Buy.Price-0.4) > 1e-9 {
		t.Errorf("buy price = %v, want 0.4", d.Buy.Price)
	}
}

func TestComputeQuoteLowPriceMultiplier(t *testing.T) {
	t.Parallel()

	in := testInput()
	in.Top.BestBid = 0.05
	in.Top.BestAsk = 0.07

	d := ComputeQuote(in, testTuning())
	if d.Buy.Action != ActionPlace {
		t.Fatalf("buy action = %v, want place", d.Buy.Action)
	}
	// 10 USDC / 0.05 = 200 shares, doubled below the low-price threshold
	if math.Abs(d.Buy.Size-400.0) > 1e-9 {
		t.Errorf("buy size = %v, want 400", d.Buy.Size)
	}
}

func TestComputeQuoteBuyGates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Input)
	}{
		{"disabled", func(in *Input) { in.Trade.Enabled = false }},
		{"risk off", func(in *Input) { in.RiskOff = true }},
		{"notional at max", func(in *Input) { in.Position = types.Position{Size: 125, AvgPrice: 0.40} }},
		{"hard share cap", func(in *Input) {
			in.Position = types.Position{Size: 250, AvgPrice: 0.10}
			in.Trade.MaxSize = 1000
		}},
		{"reverse position above min", func(in *Input) { in.Reverse = types.Position{Size: 6, AvgPrice: 0.5} }},
		{"spread too wide", func(in *Input) { in.Top.BestAsk = 0.50 }},
		{"volatility above threshold", func(in *Input) { in.Vol = 6 }},
		{"one-sided book", func(in *Input) { in.Top.HasAsk = false }},
		{"size below min", func(in *Input) { in.Trade.TradeSize = 1; in.Market.MinSize = 5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := testInput()
			tt.mutate(&in)

			d := ComputeQuote(in, testTuning())
			if d.Buy.Action == ActionPlace || d.Buy.Action == ActionReplace {
				t.Errorf("buy action = %v, want no buy", d.Buy.Action)
			}
		})
	}
}

func TestComputeQuoteReverseAtMinSizeStillBuys(t *testing.T) {
	t.Parallel()

	in := testInput()
	in.Reverse = types.Position{Size: 5, AvgPrice: 0.5} // exactly min size is allowed

	d := ComputeQuote(in, testTuning())
	if d.Buy.Action != ActionPlace {
		t.Errorf("buy action = %v, want place", d.Buy.Action)
	}
}

func TestComputeQuoteSellAtTakeProfitNeverBestAsk(t *testing.T) {
	t.Parallel()

	in := testInput()
	in.Position = types.Position{Size: 30, AvgPrice: 0.40}
	in.Top.BestAsk = 0.60 // far above take-profit; must not be used

	d := ComputeQuote(in, testTuning())
	if d.Sell.Action != ActionPlace {
		t.Fatalf("sell action = %v, want place", d.Sell.Action)
	}
	// round_up(0.40 * 1.03, 0.01) = 0.42
	if math.Abs(d.Sell.Price-0.42) > 1e-9 {
		t.Errorf("sell price = %v, want 0.42", d.Sell.Price)
	}
	if math.Abs(d.Sell.Size-30.0) > 1e-9 {
		t.Errorf("sell size = %v, want full position 30", d.Sell.Size)
	}
}

func TestComputeQuoteSellSurvivesDisabledAndRiskOff(t *testing.T) {
	t.Parallel()

	in := testInput()
	in.Position = types.Position{Size: 30, AvgPrice: 0.40}
	in.Trade.Enabled = false
	in.RiskOff = true

	d := ComputeQuote(in, testTuning())
	if d.Buy.Action != ActionNone {
		t.Errorf("buy action = %v, want none", d.Buy.Action)
	}
	if d.Sell.Action != ActionPlace {
		t.Errorf("sell action = %v, want place (position still offered out)", d.Sell.Action)
	}
}

func TestComputeQuoteSellPriceClamped(t *testing.T) {
	t.Parallel()

	in := testInput()
	in.Position = types.Position{Size: 30, AvgPrice: 0.99}
	in.Params.TakeProfitPct = 5

	d := ComputeQuote(in, testTuning())
	if d.Sell.Action != ActionPlace {
		t.Fatalf("sell action = %v, want place", d.Sell.Action)
	}
	if d.Sell.Price != 0.99 { // 1 - tick
		t.Errorf("sell price = %v, want clamped to 0.99", d.Sell.Price)
	}
}

func TestComputeQuoteKeepWithinThresholds(t *testing.T) {
	t.Parallel()

	in := testInput()
	in.Orders.Buy = &types.TrackedOrder{ID: "b1", Price: 0.39, Size: 27}

	d := ComputeQuote(in, testTuning())
	// Desired 0.40/25: |Δp| = 0.01 <= 0.015, Δsize/size = 2/27 <= 0.25
	if d.Buy.Action != ActionKeep {
		t.Errorf("buy action = %v, want keep", d.Buy.Action)
	}
	if d.NeedsCancel() {
		t.Error("keep must not cancel")
	}
}

func TestComputeQuoteReplaceOnPriceDrift(t *testing.T) {
	t.Parallel()

	in := testInput()
	in.Orders.Buy = &types.TrackedOrder{ID: "b1", Price: 0.38, Size: 25}

	d := ComputeQuote(in, testTuning())
	// |0.38 - 0.40| = 0.02 > 0.015
	if d.Buy.Action != ActionReplace {
		t.Errorf("buy action = %v, want replace", d.Buy.Action)
	}
	if !d.NeedsCancel() {
		t.Error("replace requires the token-level cancel")
	}
}

func TestComputeQuoteReplaceOnSizeDrift(t *testing.T) {
	t.Parallel()

	in := testInput()
	in.Orders.Buy = &types.TrackedOrder{ID: "b1", Price: 0.40, Size: 50}

	d := ComputeQuote(in, testTuning())
	// |50 - 25| / 50 = 0.5 > 0.25
	if d.Buy.Action != ActionReplace {
		t.Errorf("buy action = %v, want replace", d.Buy.Action)
	}
}

func TestComputeQuoteSellReplaceThresholdLooser(t *testing.T) {
	t.Parallel()

	in := testInput()
	in.Position = types.Position{Size: 30, AvgPrice: 0.40}
	in.Orders.Sell = &types.TrackedOrder{ID: "s1", Price: 0.45, Size: 30}

	d := ComputeQuote(in, testTuning())
	// Desired 0.42: |Δp| = 0.03 <= 0.05 → keep
	if d.Sell.Action != ActionKeep {
		t.Errorf("sell action = %v, want keep", d.Sell.Action)
	}

	in.Orders.Sell.Price = 0.48 // |Δp| = 0.06 > 0.05
	d = ComputeQuote(in, testTuning())
	if d.Sell.Action != ActionReplace {
		t.Errorf("sell action = %v, want replace", d.Sell.Action)
	}
}

func TestComputeQuoteCancelStaleBuy(t *testing.T) {
	t.Parallel()

	in := testInput()
	in.Trade.Enabled = false
	in.Orders.Buy = &types.TrackedOrder{ID: "b1", Price: 0.40, Size: 25}

	d := ComputeQuote(in, testTuning())
	if d.Buy.Action != ActionCancel {
		t.Errorf("buy action = %v, want cancel", d.Buy.Action)
	}
	if !d.NeedsCancel() {
		t.Error("expected token-level cancel")
	}
}

func TestComputeQuoteMaxSizeHeadroomShrinksBuy(t *testing.T) {
	t.Parallel()

	in := testInput()
	in.Position = types.Position{Size: 110, AvgPrice: 0.40} // notional 44 of 50

	d := ComputeQuote(in, testTuning())
	if d.Buy.Action != ActionPlace {
		t.Fatalf("buy action = %v, want place", d.Buy.Action)
	}
	// remaining headroom 6 USDC / 0.40 = 15 shares
	if math.Abs(d.Buy.Size-15.0) > 1e-9 {
		t.Errorf("buy size = %v, want 15", d.Buy.Size)
	}
}

func TestComputeQuoteBalanceCapsBuy(t *testing.T) {
	t.Parallel()

	in := testInput()
	in.Balance = 4 // only 4 USDC available

	d := ComputeQuote(in, testTuning())
	if d.Buy.Action != ActionPlace {
		t.Fatalf("buy action = %v, want place", d.Buy.Action)
	}
	if math.Abs(d.Buy.Size-10.0) > 1e-9 { // 4 / 0.40
		t.Errorf("buy size = %v, want 10", d.Buy.Size)
	}
}

func TestTickRounding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		price, tick, down, up float64
	}{
		{0.473, 0.01, 0.47, 0.48},
		{0.47, 0.01, 0.47, 0.47},
		{0.412, 0.001, 0.412, 0.412},
		{0.45, 0.1, 0.4, 0.5},
	}

	for _, tt := range tests {
		if got := roundDownToTick(tt.price, tt.tick); math.Abs(got-tt.down) > 1e-9 {
			t.Errorf("roundDownToTick(%v, %v) = %v, want %v", tt.price, tt.tick, got, tt.down)
		}
		if got := roundUpToTick(tt.price, tt.tick); math.Abs(got-tt.up) > 1e-9 {
			t.Errorf("roundUpToTick(%v, %v) = %v, want %v", tt.price, tt.tick, got, tt.up)
		}
	}
}
