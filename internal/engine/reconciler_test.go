package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polymarket-quoter/internal/config"
	"polymarket-quoter/internal/exchange"
	"polymarket-quoter/internal/registry"
	"polymarket-quoter/internal/riskoff"
	"polymarket-quoter/internal/sink"
	"polymarket-quoter/pkg/types"
)

// fakeExchange records calls and acks everything.
type fakeExchange struct {
	mu           sync.Mutex
	placed       []types.UserOrder
	tokenCancels []string
	mktCancels   []string
	cancelAlls   int
	open         []types.OpenOrder
	positions    []types.DataPosition
	nextOrderID  int
	postErr      error
}

func (f *fakeExchange) GetOrderBook(context.Context, string) (*types.BookResponse, error) {
	return &types.BookResponse{}, nil
}

func (f *fakeExchange) PostOrder(_ context.Context, o types.UserOrder, _ bool) (*types.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return nil, f.postErr
	}
	f.placed = append(f.placed, o)
	f.nextOrderID++
	return &types.OrderResponse{Success: true, OrderID: fmt.Sprintf("ex-%d", f.nextOrderID), Status: "live"}, nil
}

func (f *fakeExchange) CancelTokenOrders(_ context.Context, tokenID string) (*types.CancelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCancels = append(f.tokenCancels, tokenID)
	return &types.CancelResponse{}, nil
}

func (f *fakeExchange) CancelMarketOrders(_ context.Context, conditionID string) (*types.CancelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mktCancels = append(f.mktCancels, conditionID)
	return &types.CancelResponse{}, nil
}

func (f *fakeExchange) CancelAll(context.Context) (*types.CancelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAlls++
	return &types.CancelResponse{}, nil
}

func (f *fakeExchange) ListOpenOrders(context.Context) ([]types.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open, nil
}

func (f *fakeExchange) ListPositions(context.Context) ([]types.DataPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
}

func (f *fakeExchange) Balance(context.Context) (float64, error) { return 1000, nil }

func (f *fakeExchange) placedOrders() []types.UserOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.UserOrder, len(f.placed))
	copy(out, f.placed)
	return out
}

type nopSink struct{}

func (nopSink) RecordTrade(sink.Trade) error                         { return nil }
func (nopSink) RecordRewardSnapshots([]sink.RewardSnapshot) error    { return nil }
func (nopSink) RecordPositionSnapshots([]sink.PositionSnapshot) error { return nil }

type staticFetcher struct{ markets map[string]types.Market }

func (s staticFetcher) FetchMarkets(context.Context, []string) (map[string]types.Market, error) {
	return s.markets, nil
}

const (
	testCID = "0xc1"
	yesTok  = "tok-yes"
	noTok   = "tok-no"
)

func newTestEngine(t *testing.T, fake *fakeExchange) *Engine {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	table := filepath.Join(t.TempDir(), "markets.yaml")
	require.NoError(t, os.WriteFile(table, []byte(`
markets:
  - condition_id: "`+testCID+`"
    trade_size: 10
    max_size: 50
    enabled: true
`), 0o644))

	reg := registry.New(table, "default", map[string]types.StrategyParams{
		"default": {
			StopLossPct:         -2,
			TakeProfitPct:       3,
			SpreadThreshold:     0.05,
			VolatilityThreshold: 5,
			SleepHours:          1,
		},
	}, staticFetcher{markets: map[string]types.Market{
		testCID: {
			ConditionID: testCID,
			YesTokenID:  yesTok,
			NoTokenID:   noTok,
			TickSize:    types.Tick001,
			MinSize:     5,
			MaxSpread:   0.05,
		},
	}}, logger)
	require.NoError(t, reg.Reload(context.Background()))

	ro, err := riskoff.NewRegistry(t.TempDir(), logger)
	require.NoError(t, err)

	cfg := config.Config{}
	cfg.Trading = config.TradingConfig{
		HardShareCap:          250,
		LowPriceThreshold:     0.10,
		LowPriceMultiplier:    1,
		BuyReplacePriceDelta:  0.015,
		BuyReplaceSizeRatio:   0.25,
		SellReplacePriceDelta: 0.05,
		SellReplaceSizeRatio:  0.30,
		MergeMinShares:        20,
		PendingTTL:            time.Minute,
		BookTriggerCooldown:   30 * time.Second,
		RequestTimeout:        10 * time.Second,
		PullInterval:          10 * time.Second,
		RegistryInterval:      time.Minute,
		SnapshotInterval:      5 * time.Minute,
	}

	e := New(cfg, Deps{
		Client:   fake,
		Sink:     nopSink{},
		MktFeed:  exchange.NewMarketFeed("ws://unused", logger),
		UsrFeed:  exchange.NewUserFeed("ws://unused", nil, logger),
		RiskOff:  ro,
		Registry: reg,
		Vol:      registry.NewVolCollector("http://unused", time.Second, logger),
		Wallet:   "0xWallet",
	}, logger)
	t.Cleanup(e.cancel)
	return e
}

func seedBook(e *Engine, tokenID string, bid, ask float64) {
	e.books.ApplySnapshot(tokenID,
		[]types.PriceLevel{{Price: fmt.Sprintf("%.3f", bid), Size: "500"}},
		[]types.PriceLevel{{Price: fmt.Sprintf("%.3f", ask), Size: "500"}},
	)
}

func TestReconcilePlacesBuyOnFreshMarket(t *testing.T) {
	fake := &fakeExchange{}
	e := newTestEngine(t, fake)
	seedBook(e, yesTok, 0.40, 0.42)

	e.reconcile(e.ctx, &marketSlot{conditionID: testCID})

	placed := fake.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, yesTok, placed[0].TokenID)
	assert.Equal(t, types.BUY, placed[0].Side)
	assert.InDelta(t, 0.40, placed[0].Price, 1e-9)
	assert.InDelta(t, 25.0, placed[0].Size, 1e-9)

	// Optimistic order swapped to the exchange ID on ack.
	pair := e.state.Orders(yesTok)
	require.NotNil(t, pair.Buy)
	assert.Equal(t, "ex-1", pair.Buy.ID)
}

func TestReconcileIdempotent(t *testing.T) {
	fake := &fakeExchange{}
	e := newTestEngine(t, fake)
	seedBook(e, yesTok, 0.40, 0.42)
	s := &marketSlot{conditionID: testCID}

	e.reconcile(e.ctx, s)
	e.reconcile(e.ctx, s)

	assert.Len(t, fake.placedOrders(), 1, "second cycle must keep the live order")
	assert.Empty(t, fake.tokenCancels)
}

func TestReconcileReplacesDriftedBuy(t *testing.T) {
	fake := &fakeExchange{}
	e := newTestEngine(t, fake)
	seedBook(e, yesTok, 0.40, 0.42)
	s := &marketSlot{conditionID: testCID}

	e.reconcile(e.ctx, s)
	require.Len(t, fake.placedOrders(), 1)

	// Best bid moves past the replace threshold.
	seedBook(e, yesTok, 0.44, 0.46)
	e.reconcile(e.ctx, s)

	assert.Equal(t, []string{yesTok}, fake.tokenCancels)
	placed := fake.placedOrders()
	require.Len(t, placed, 2)
	assert.InDelta(t, 0.44, placed[1].Price, 1e-9)
}

func TestReconcileRiskOffTripLiquidates(t *testing.T) {
	fake := &fakeExchange{}
	e := newTestEngine(t, fake)
	// Position at 0.50, book at 0.47/0.49: pnl -4% with a tight spread.
	e.state.ApplyFill(yesTok, types.BUY, 100, 0.50)
	seedBook(e, yesTok, 0.47, 0.49)
	s := &marketSlot{conditionID: testCID}

	e.reconcile(e.ctx, s)

	assert.Equal(t, []string{testCID}, fake.mktCancels)

	placed := fake.placedOrders()
	require.Len(t, placed, 1, "only the liquidation sell")
	assert.Equal(t, types.SELL, placed[0].Side)
	assert.InDelta(t, 0.47, placed[0].Price, 1e-9, "liquidation goes to best bid")
	assert.InDelta(t, 100.0, placed[0].Size, 1e-9)

	_, sleeping := e.riskOff.Active(testCID, time.Now())
	assert.True(t, sleeping)

	// Sleeping market: the next cycle does nothing.
	e.reconcile(e.ctx, s)
	assert.Len(t, fake.placedOrders(), 1)
}

func TestReconcileUnknownSideForcesPull(t *testing.T) {
	fake := &fakeExchange{}
	e := newTestEngine(t, fake)
	seedBook(e, yesTok, 0.40, 0.42)
	e.state.MarkUnknown(yesTok, types.BUY)

	e.reconcile(e.ctx, &marketSlot{conditionID: testCID})

	// yes token skipped entirely; no-book no token placed either way.
	for _, o := range fake.placedOrders() {
		assert.NotEqual(t, yesTok, o.TokenID)
	}
	select {
	case <-e.pullReq:
	default:
		t.Fatal("expected a forced pull request")
	}
}

func TestBookTriggerPacing(t *testing.T) {
	fake := &fakeExchange{}
	e := newTestEngine(t, fake)

	// Register the slot by hand so no goroutine consumes the kicks and the
	// channel state is observable.
	s := &marketSlot{conditionID: testCID, kick: make(chan struct{}, 1)}
	e.slotsMu.Lock()
	e.slots[testCID] = s
	e.slotsMu.Unlock()

	// A completed cycle, whatever its cause, stamps the pace clock.
	e.reconcile(e.ctx, s)

	e.trigger(testCID, causeBook)
	select {
	case <-s.kick:
		t.Fatal("book trigger inside the cooldown must be dropped")
	default:
	}

	// Private triggers bypass the pacing.
	e.trigger(testCID, causePrivate)
	select {
	case <-s.kick:
	default:
		t.Fatal("private trigger must bypass the pacing")
	}

	// Once the cooldown has elapsed the next book trigger lands.
	s.paceMu.Lock()
	s.lastAction = time.Now().Add(-time.Minute)
	s.paceMu.Unlock()

	e.trigger(testCID, causeBook)
	select {
	case <-s.kick:
	default:
		t.Fatal("book trigger outside the cooldown must land")
	}
}

func TestHandleTradeMakerClassification(t *testing.T) {
	fake := &fakeExchange{}
	e := newTestEngine(t, fake)

	evt := types.WSTradeEvent{
		EventType: "trade",
		ID:        "t1",
		Market:    testCID,
		AssetID:   yesTok,
		Side:      "SELL", // taker sold into our bid
		Status:    "MATCHED",
		MakerOrders: []types.WSMakerOrder{
			{OrderID: "ex-9", MakerAddress: "0xWALLET", MatchedAmount: "25", Price: "0.40", AssetID: yesTok},
			{OrderID: "other", MakerAddress: "0xSomeoneElse", MatchedAmount: "10", Price: "0.40", AssetID: yesTok},
		},
	}

	e.handleTrade(evt)

	pos := e.state.Position(yesTok)
	assert.InDelta(t, 25.0, pos.Size, 1e-9, "our maker buy fills eagerly")
	assert.InDelta(t, 0.40, pos.AvgPrice, 1e-9)
	assert.True(t, e.pending.Has(yesTok))

	// Duplicate MATCHED delivery must not double-count.
	e.handleTrade(evt)
	assert.InDelta(t, 25.0, e.state.Position(yesTok).Size, 1e-9)

	// CONFIRMED clears the intent.
	evt.Status = "CONFIRMED"
	e.handleTrade(evt)
	assert.False(t, e.pending.Has(yesTok))
}

func TestHandleTradeComplementaryMakerFill(t *testing.T) {
	fake := &fakeExchange{}
	e := newTestEngine(t, fake)

	// Taker bought YES; our maker order sat on the NO token, so both sides
	// were buying opposite outcomes and our fill is a BUY of NO.
	evt := types.WSTradeEvent{
		EventType: "trade",
		ID:        "t2",
		Market:    testCID,
		AssetID:   yesTok,
		Side:      "BUY",
		Status:    "MATCHED",
		MakerOrders: []types.WSMakerOrder{
			{OrderID: "ex-3", MakerAddress: "0xwallet", MatchedAmount: "40", Price: "0.58", AssetID: noTok},
		},
	}

	e.handleTrade(evt)

	pos := e.state.Position(noTok)
	assert.InDelta(t, 40.0, pos.Size, 1e-9)
	assert.InDelta(t, 0.58, pos.AvgPrice, 1e-9)
	assert.Zero(t, e.state.Position(yesTok).Size)
}

func TestHandleTradeTakerFill(t *testing.T) {
	fake := &fakeExchange{}
	e := newTestEngine(t, fake)

	// No maker row is ours but the trade owner is our API key: we took.
	e.handleTrade(types.WSTradeEvent{
		EventType:  "trade",
		ID:         "t3",
		Market:     testCID,
		AssetID:    yesTok,
		Side:       "BUY",
		Size:       "15",
		Price:      "0.44",
		Status:     "MATCHED",
		Owner:      "key-1",
		TradeOwner: "key-1",
		MakerOrders: []types.WSMakerOrder{
			{OrderID: "other", MakerAddress: "0xSomeoneElse", MatchedAmount: "15", Price: "0.44", AssetID: yesTok},
		},
	})

	pos := e.state.Position(yesTok)
	assert.InDelta(t, 15.0, pos.Size, 1e-9)
	assert.InDelta(t, 0.44, pos.AvgPrice, 1e-9)
}

func TestHandleTradeIgnoresForeignEvent(t *testing.T) {
	fake := &fakeExchange{}
	e := newTestEngine(t, fake)

	// Neither a maker row of ours nor our trade ownership: a stray event
	// must not book a phantom position.
	e.handleTrade(types.WSTradeEvent{
		EventType:  "trade",
		ID:         "t4",
		Market:     testCID,
		AssetID:    yesTok,
		Side:       "BUY",
		Size:       "15",
		Price:      "0.44",
		Status:     "MATCHED",
		Owner:      "key-1",
		TradeOwner: "key-2",
		MakerOrders: []types.WSMakerOrder{
			{OrderID: "other", MakerAddress: "0xSomeoneElse", MatchedAmount: "15", Price: "0.44", AssetID: yesTok},
		},
	})

	assert.Zero(t, e.state.Position(yesTok).Size)
	assert.False(t, e.pending.Has(yesTok))

	// Missing owner fields read as not-ours too.
	e.handleTrade(types.WSTradeEvent{
		EventType: "trade", ID: "t5", Market: testCID, AssetID: yesTok,
		Side: "BUY", Size: "15", Price: "0.44", Status: "MATCHED",
	})
	assert.Zero(t, e.state.Position(yesTok).Size)
}

func TestHandleOrderLifecycle(t *testing.T) {
	fake := &fakeExchange{}
	e := newTestEngine(t, fake)

	e.handleOrder(types.WSOrderEvent{
		Type: "PLACEMENT", ID: "o1", Market: testCID, AssetID: yesTok,
		Side: "BUY", Price: "0.40", OriginalSize: "25", SizeMatched: "0",
	})
	pair := e.state.Orders(yesTok)
	require.NotNil(t, pair.Buy)
	assert.InDelta(t, 25.0, pair.Buy.Size, 1e-9)

	e.handleOrder(types.WSOrderEvent{
		Type: "UPDATE", ID: "o1", Market: testCID, AssetID: yesTok,
		Side: "BUY", Price: "0.40", OriginalSize: "25", SizeMatched: "10",
	})
	pair = e.state.Orders(yesTok)
	require.NotNil(t, pair.Buy)
	assert.InDelta(t, 15.0, pair.Buy.Size, 1e-9)

	e.handleOrder(types.WSOrderEvent{
		Type: "CANCELLATION", ID: "o1", Market: testCID, AssetID: yesTok,
		Side: "BUY", Price: "0.40", OriginalSize: "25", SizeMatched: "10",
	})
	assert.Nil(t, e.state.Orders(yesTok).Buy)
}

func TestPullStateTriggersChangedMarkets(t *testing.T) {
	fake := &fakeExchange{}
	fake.positions = []types.DataPosition{{Asset: yesTok, Size: 30, AvgPrice: 0.45}}
	e := newTestEngine(t, fake)

	require.NoError(t, e.pullState(e.ctx))

	pos := e.state.Position(yesTok)
	assert.InDelta(t, 30.0, pos.Size, 1e-9)
	assert.InDelta(t, 0.45, pos.AvgPrice, 1e-9)

	// The changed token resolved to its market and kicked a reconciler;
	// slot creation is the observable side effect of that trigger.
	e.slotsMu.Lock()
	_, kicked := e.slots[testCID]
	e.slotsMu.Unlock()
	assert.True(t, kicked, "expected a reconcile trigger for the changed market")
}
