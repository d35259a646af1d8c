package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"polymarket-quoter/internal/book"
	"polymarket-quoter/internal/registry"
	"polymarket-quoter/internal/riskoff"
	"polymarket-quoter/internal/strategy"
	"polymarket-quoter/pkg/types"
)

type triggerCause int

const (
	causeBook     triggerCause = iota // public book movement, paced
	causePrivate                      // own fills/orders, immediate
	causePeriodic                     // authoritative pull, immediate
)

// marketSlot serializes reconciliation for one market. The kick channel has
// capacity 1: a trigger landing mid-cycle leaves exactly one pending re-run,
// however many triggers arrived.
type marketSlot struct {
	conditionID string
	kick        chan struct{}

	// lastAction is stamped at the end of every reconcile cycle, whatever
	// its cause; book triggers inside the cooldown of that stamp are dropped.
	paceMu     sync.Mutex
	lastAction time.Time
}

// slot returns the per-market reconciler, creating it (and its goroutine) on
// first use.
func (e *Engine) slot(conditionID string) *marketSlot {
	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()

	if s, ok := e.slots[conditionID]; ok {
		return s
	}

	s := &marketSlot{
		conditionID: conditionID,
		kick:        make(chan struct{}, 1),
	}
	e.slots[conditionID] = s

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-s.kick:
				e.reconcile(e.ctx, s)
			}
		}
	}()

	return s
}

// trigger requests a reconcile cycle. Book-only triggers are limited to one
// per market per cooldown window measured from the last completed action;
// private and periodic causes pass through.
func (e *Engine) trigger(conditionID string, cause triggerCause) {
	s := e.slot(conditionID)

	if cause == causeBook {
		s.paceMu.Lock()
		paced := time.Since(s.lastAction) < e.cfg.Trading.BookTriggerCooldown
		s.paceMu.Unlock()
		if paced {
			return
		}
	}

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// reconcile runs one cycle for one market: risk checks first, then drive the
// exchange toward the quote engine's desired orders. All exchange calls
// inherit the configured request timeout via the client.
func (e *Engine) reconcile(ctx context.Context, s *marketSlot) {
	defer func() {
		s.paceMu.Lock()
		s.lastAction = time.Now()
		s.paceMu.Unlock()
	}()

	entry, ok := e.registry.Entry(s.conditionID)
	if !ok {
		return
	}

	now := time.Now()
	if _, sleeping := e.riskOff.Active(s.conditionID, now); sleeping {
		return
	}
	if e.riskOff.Expired(s.conditionID, now) {
		if err := e.riskOff.Clear(s.conditionID); err != nil {
			e.logger.Error("riskoff clear failed", "condition_id", s.conditionID, "error", err)
		}
	}

	vol := e.vol.Vol(s.conditionID)

	// Risk first: a trip cancels and liquidates, and nothing else runs.
	for _, tokenID := range entry.Market.Tokens() {
		top, ok := e.books.Best(tokenID)
		if !ok {
			continue
		}
		reason, trip := strategy.EvaluateRisk(strategy.RiskInput{
			Position: e.state.Position(tokenID),
			Top:      top,
			Vol:      vol,
			Params:   entry.Params,
		})
		if trip {
			e.tripRiskOff(ctx, entry, tokenID, top, reason)
			return
		}
	}

	for _, tokenID := range entry.Market.Tokens() {
		e.reconcileToken(ctx, entry, tokenID, vol)
	}
}

func (e *Engine) reconcileToken(ctx context.Context, entry registry.Entry, tokenID string, vol float64) {
	top, ok := e.books.Best(tokenID)
	if !ok {
		return
	}

	// A side in the unknown state (timed-out place) must not be acted on
	// until the next authoritative pull resolves it.
	buyUnknown, sellUnknown := e.state.Unknown(tokenID)
	if buyUnknown || sellUnknown {
		e.forcePull()
		return
	}

	reverseID := entry.Market.Reverse(tokenID)

	in := strategy.Input{
		Market:   entry.Market,
		TokenID:  tokenID,
		Top:      top,
		Position: e.state.Position(tokenID),
		Reverse:  e.state.Position(reverseID),
		Orders:   e.state.Orders(tokenID),
		Trade:    entry.Trade,
		Params:   entry.Params,
		Vol:      vol,
		Balance:  e.availableBalance(),
	}

	d := strategy.ComputeQuote(in, e.tuning)

	if d.NeedsCancel() {
		if _, err := e.client.CancelTokenOrders(ctx, tokenID); err != nil {
			e.logger.Error("cancel failed", "token", tokenID, "error", err)
			e.forcePull()
			return
		}
		e.state.SetOrder(tokenID, types.BUY, nil)
		e.state.SetOrder(tokenID, types.SELL, nil)
	}

	e.placeSide(ctx, entry, tokenID, types.BUY, d.Buy, d.NeedsCancel())
	e.placeSide(ctx, entry, tokenID, types.SELL, d.Sell, d.NeedsCancel())
}

// placeSide places the desired order for one side if the decision calls for
// it. When the token-level cancel ran, a Keep decision also re-places since
// its order was cancelled alongside the stale side.
func (e *Engine) placeSide(ctx context.Context, entry registry.Entry, tokenID string, side types.Side, sd strategy.SideDecision, cancelled bool) {
	switch sd.Action {
	case strategy.ActionPlace, strategy.ActionReplace:
	case strategy.ActionKeep:
		if !cancelled {
			return
		}
	default:
		return
	}

	localID := "local-" + uuid.NewString()
	e.state.SetOrder(tokenID, side, &types.TrackedOrder{
		ID:       localID,
		Price:    sd.Price,
		Size:     sd.Size,
		PlacedAt: time.Now(),
	})

	resp, err := e.client.PostOrder(ctx, types.UserOrder{
		TokenID:   tokenID,
		Price:     sd.Price,
		Size:      sd.Size,
		Side:      side,
		OrderType: types.OrderTypeGTC,
		TickSize:  entry.Market.TickSize,
	}, entry.Market.NegRisk)

	if err != nil {
		e.state.SetOrder(tokenID, side, nil)
		if errors.Is(err, context.DeadlineExceeded) {
			// The order may or may not be live; refuse to quote this side
			// until a pull tells us.
			e.state.MarkUnknown(tokenID, side)
			e.forcePull()
			e.logger.Warn("place timed out, side unknown", "token", tokenID, "side", side)
			return
		}
		e.logger.Error("place failed", "token", tokenID, "side", side, "error", err)
		return
	}

	e.state.ApplyOrderAck(tokenID, side, localID, resp.OrderID)
	e.logger.Info("order placed",
		"token", tokenID, "side", side,
		"price", sd.Price, "size", sd.Size, "order_id", resp.OrderID)
}

// tripRiskOff cancels the market's orders, liquidates the position into the
// best bid, and persists the sleep record.
func (e *Engine) tripRiskOff(ctx context.Context, entry registry.Entry, tokenID string, top book.Top, reason riskoff.Reason) {
	cid := entry.Market.ConditionID

	if _, err := e.client.CancelMarketOrders(ctx, cid); err != nil {
		e.logger.Error("riskoff cancel failed", "condition_id", cid, "error", err)
	}
	for _, tok := range entry.Market.Tokens() {
		e.state.SetOrder(tok, types.BUY, nil)
		e.state.SetOrder(tok, types.SELL, nil)
	}

	pos := e.state.Position(tokenID)
	if pos.Size >= entry.Market.MinSize && top.HasBid {
		_, err := e.client.PostOrder(ctx, types.UserOrder{
			TokenID:   tokenID,
			Price:     top.BestBid,
			Size:      pos.Size,
			Side:      types.SELL,
			OrderType: types.OrderTypeGTC,
			TickSize:  entry.Market.TickSize,
		}, entry.Market.NegRisk)
		if err != nil {
			e.logger.Error("liquidation place failed", "token", tokenID, "error", err)
			e.forcePull()
		}
	}

	until := time.Now().Add(time.Duration(entry.Params.SleepHours * float64(time.Hour)))
	if err := e.riskOff.Trip(cid, until, reason); err != nil {
		e.logger.Error("riskoff persist failed", "condition_id", cid, "error", err)
	}
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
