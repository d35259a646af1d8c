// Package engine is the central orchestrator of the quoting agent.
//
// It wires together all subsystems:
//
//  1. The registry loads the configured market universe and its live params.
//  2. Two WebSocket feeds (market data + user fills) dispatch events into the
//     book store, the position store, and per-market reconcile triggers.
//  3. Each market gets a slot with a dedicated reconcile goroutine that keeps
//     resting orders consistent with the quote engine's desired state.
//  4. A periodic loop pulls authoritative state, reloads the registry, runs
//     merges, and writes history snapshots.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"polymarket-quoter/internal/book"
	"polymarket-quoter/internal/config"
	"polymarket-quoter/internal/exchange"
	"polymarket-quoter/internal/registry"
	"polymarket-quoter/internal/riskoff"
	"polymarket-quoter/internal/sink"
	"polymarket-quoter/internal/state"
	"polymarket-quoter/internal/strategy"
	"polymarket-quoter/pkg/types"
)

// Exchange is the REST surface the engine needs. *exchange.Client satisfies
// it; tests swap in a fake.
type Exchange interface {
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
	PostOrder(ctx context.Context, order types.UserOrder, negRisk bool) (*types.OrderResponse, error)
	CancelTokenOrders(ctx context.Context, tokenID string) (*types.CancelResponse, error)
	CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error)
	CancelAll(ctx context.Context) (*types.CancelResponse, error)
	ListOpenOrders(ctx context.Context) ([]types.OpenOrder, error)
	ListPositions(ctx context.Context) ([]types.DataPosition, error)
	Balance(ctx context.Context) (float64, error)
}

// PositionMerger merges complementary token pairs back into collateral.
type PositionMerger interface {
	MergePositions(ctx context.Context, conditionID string, shares float64) (string, error)
}

// HistorySink records fills and periodic snapshots.
type HistorySink interface {
	RecordTrade(t sink.Trade) error
	RecordRewardSnapshots(snaps []sink.RewardSnapshot) error
	RecordPositionSnapshots(snaps []sink.PositionSnapshot) error
}

// Engine orchestrates all components of the quoting agent.
type Engine struct {
	cfg      config.Config
	client   Exchange
	merger   PositionMerger // nil when no Polygon RPC is configured
	sink     HistorySink
	mktFeed  *exchange.WSFeed
	usrFeed  *exchange.WSFeed
	books    *book.Store
	state    *state.Store
	pending  *state.PendingIntents
	riskOff  *riskoff.Registry
	registry *registry.Registry
	vol      *registry.VolCollector
	tuning   strategy.Tuning
	wallet   string // lowercase funder address, for maker classification
	logger   *slog.Logger

	// slots maps conditionID → per-market reconciler. Protected by slotsMu.
	slots   map[string]*marketSlot
	slotsMu sync.Mutex

	// Current WS subscription sets, diffed against the registry on reload.
	subTokens  map[string]bool
	subMarkets map[string]bool

	balanceMu sync.RWMutex
	balance   float64

	// pullReq forces an out-of-cadence authoritative pull (capacity 1,
	// coalesced).
	pullReq chan struct{}
	// reloadReq forces a registry reload (SIGHUP).
	reloadReq chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps are the externally constructed collaborators.
type Deps struct {
	Client   Exchange
	Merger   PositionMerger
	Sink     HistorySink
	MktFeed  *exchange.WSFeed
	UsrFeed  *exchange.WSFeed
	RiskOff  *riskoff.Registry
	Registry *registry.Registry
	Vol      *registry.VolCollector
	Wallet   string
}

// New wires the engine. Feeds and client must already be authenticated.
func New(cfg config.Config, deps Deps, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:      cfg,
		client:   deps.Client,
		merger:   deps.Merger,
		sink:     deps.Sink,
		mktFeed:  deps.MktFeed,
		usrFeed:  deps.UsrFeed,
		books:    book.NewStore(),
		state:    state.NewStore(),
		pending:  state.NewPendingIntents(cfg.Trading.PendingTTL),
		riskOff:  deps.RiskOff,
		registry: deps.Registry,
		vol:      deps.Vol,
		tuning: strategy.Tuning{
			HardShareCap:          cfg.Trading.HardShareCap,
			LowPriceThreshold:     cfg.Trading.LowPriceThreshold,
			LowPriceMultiplier:    cfg.Trading.LowPriceMultiplier,
			BuyReplacePriceDelta:  cfg.Trading.BuyReplacePriceDelta,
			BuyReplaceSizeRatio:   cfg.Trading.BuyReplaceSizeRatio,
			SellReplacePriceDelta: cfg.Trading.SellReplacePriceDelta,
			SellReplaceSizeRatio:  cfg.Trading.SellReplaceSizeRatio,
		},
		wallet:     strings.ToLower(deps.Wallet),
		logger:     logger.With("component", "engine"),
		slots:      make(map[string]*marketSlot),
		subTokens:  make(map[string]bool),
		subMarkets: make(map[string]bool),
		pullReq:    make(chan struct{}, 1),
		reloadReq:  make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start loads the registry, performs the initial pull, then launches the
// feeds, dispatchers, and the periodic loop.
func (e *Engine) Start() error {
	if err := e.registry.Reload(e.ctx); err != nil {
		return err
	}
	e.vol.Refresh(e.ctx, e.registry.Entries())

	if err := e.pullState(e.ctx); err != nil {
		return err
	}
	e.refreshBalance(e.ctx)

	// Reconnects leave an event gap; an authoritative pull closes it.
	e.mktFeed.OnReconnect(e.forcePull)
	e.usrFeed.OnReconnect(e.forcePull)

	e.syncSubscriptions()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.mktFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("market feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.usrFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("user feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchMarketEvents()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchUserEvents()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runPeriodic()
	}()

	e.logger.Info("engine started", "markets", len(e.registry.Entries()))
	return nil
}

// Stop shuts down all goroutines and cancels every resting order as a
// safety net: orphaned quotes on a dead agent are free options for everyone
// else.
func (e *Engine) Stop() {
	e.logger.Info("stopping engine")
	e.cancel()
	e.mktFeed.Close()
	e.usrFeed.Close()
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Trading.RequestTimeout)
	defer cancel()
	if _, err := e.client.CancelAll(ctx); err != nil {
		e.logger.Error("shutdown cancel-all failed", "error", err)
	}

	e.logger.Info("engine stopped")
}

// ForceReload requests a registry reload outside the 60s cadence (SIGHUP).
func (e *Engine) ForceReload() {
	select {
	case e.reloadReq <- struct{}{}:
	default:
	}
}

// forcePull requests an authoritative pull outside the 10s cadence.
func (e *Engine) forcePull() {
	select {
	case e.pullReq <- struct{}{}:
	default:
	}
}

// dispatchMarketEvents routes public feed events into the book store and
// kicks the owning market's reconciler. Snapshots and deltas arrive on one
// channel so each token's book is applied in wire order.
func (e *Engine) dispatchMarketEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return

		case evt := <-e.mktFeed.MarketEvents():
			switch {
			case evt.Book != nil:
				b := evt.Book
				e.books.ApplySnapshot(b.AssetID, b.Buys, b.Sells)
				if entry, ok := e.registry.ByToken(b.AssetID); ok {
					e.trigger(entry.Market.ConditionID, causeBook)
				}

			case evt.PriceChange != nil:
				touched := make(map[string]bool)
				for _, pc := range evt.PriceChange.PriceChanges {
					price := parseF(pc.Price)
					size := parseF(pc.Size)
					e.books.ApplyDelta(pc.AssetID, types.Side(pc.Side), price, size)
					touched[pc.AssetID] = true
				}
				for tokenID := range touched {
					if entry, ok := e.registry.ByToken(tokenID); ok {
						e.trigger(entry.Market.ConditionID, causeBook)
					}
				}
			}
		}
	}
}

// dispatchUserEvents routes private feed events into the position and order
// stores.
func (e *Engine) dispatchUserEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-e.usrFeed.TradeEvents():
			e.handleTrade(evt)
		case evt := <-e.usrFeed.OrderEvents():
			e.handleOrder(evt)
		}
	}
}

// syncSubscriptions diffs the current WS subscriptions against the registry
// and issues the minimal subscribe/unsubscribe updates.
func (e *Engine) syncSubscriptions() {
	wantTokens := make(map[string]bool)
	for _, tok := range e.registry.Tokens() {
		wantTokens[tok] = true
	}
	wantMarkets := make(map[string]bool)
	for _, cid := range e.registry.ConditionIDs() {
		wantMarkets[cid] = true
	}

	addT, delT := diffSets(e.subTokens, wantTokens)
	addM, delM := diffSets(e.subMarkets, wantMarkets)

	if len(addT) > 0 {
		if err := e.mktFeed.Subscribe(addT); err != nil {
			e.logger.Warn("token subscribe failed", "error", err)
		}
	}
	if len(delT) > 0 {
		if err := e.mktFeed.Unsubscribe(delT); err != nil {
			e.logger.Warn("token unsubscribe failed", "error", err)
		}
		for _, tok := range delT {
			e.books.Drop(tok)
		}
	}
	if len(addM) > 0 {
		if err := e.usrFeed.Subscribe(addM); err != nil {
			e.logger.Warn("market subscribe failed", "error", err)
		}
	}
	if len(delM) > 0 {
		if err := e.usrFeed.Unsubscribe(delM); err != nil {
			e.logger.Warn("market unsubscribe failed", "error", err)
		}
	}

	e.subTokens = wantTokens
	e.subMarkets = wantMarkets

	if len(addT)+len(delT)+len(addM)+len(delM) > 0 {
		e.logger.Info("subscriptions updated",
			"tokens", len(wantTokens), "markets", len(wantMarkets))
	}
}

func (e *Engine) refreshBalance(ctx context.Context) {
	bal, err := e.client.Balance(ctx)
	if err != nil {
		e.logger.Warn("balance fetch failed", "error", err)
		return
	}
	e.balanceMu.Lock()
	e.balance = bal
	e.balanceMu.Unlock()
	e.logger.Info("balance refreshed", "usdc", bal)
}

func (e *Engine) availableBalance() float64 {
	e.balanceMu.RLock()
	defer e.balanceMu.RUnlock()
	return e.balance
}

func diffSets(have, want map[string]bool) (add, del []string) {
	for k := range want {
		if !have[k] {
			add = append(add, k)
		}
	}
	for k := range have {
		if !want[k] {
			del = append(del, k)
		}
	}
	return add, del
}
