package engine

import (
	"strings"
	"time"

	"polymarket-quoter/internal/sink"
	"polymarket-quoter/pkg/types"
)

// fill is one of our executions extracted from a trade event.
type fill struct {
	tokenID string
	orderID string // resting order that matched; empty for taker fills
	side    types.Side
	size    float64
	price   float64
	maker   bool
}

// ourFills classifies a trade event against our wallet.
//
// The event is framed from the taker's perspective. For each maker row that
// is ours: a row on the taker's asset means we sat on the opposite side of
// the taker; a row on the complementary asset means both parties were buying
// opposite outcomes and were crossed against each other, so our side equals
// the taker's side on our own token.
//
// If no maker row is ours, the event is a taker fill only when the trade
// owner is our own API key (the channel stamps every message it delivers to
// us with that key as owner). Anything else matches none of our orders and
// is dropped.
func (e *Engine) ourFills(evt types.WSTradeEvent) []fill {
	var fills []fill

	for _, mo := range evt.MakerOrders {
		if !strings.EqualFold(mo.MakerAddress, e.wallet) {
			continue
		}

		side := types.Side(evt.Side).Opposite()
		if mo.AssetID != evt.AssetID {
			side = types.Side(evt.Side)
		}

		fills = append(fills, fill{
			tokenID: mo.AssetID,
			orderID: mo.OrderID,
			side:    side,
			size:    parseF(mo.MatchedAmount),
			price:   parseF(mo.Price),
			maker:   true,
		})
	}

	if len(fills) == 0 {
		if evt.TradeOwner == "" || !strings.EqualFold(evt.TradeOwner, evt.Owner) {
			e.logger.Warn("trade event matches none of our orders, ignoring",
				"trade_id", evt.ID, "asset", evt.AssetID)
			return nil
		}
		fills = append(fills, fill{
			tokenID: evt.AssetID,
			side:    types.Side(evt.Side),
			size:    parseF(evt.Size),
			price:   parseF(evt.Price),
		})
	}
	return fills
}

// handleTrade applies the fill lifecycle. MATCHED applies the fill eagerly
// and opens a pending intent so the next pull cannot erase it; a terminal
// status closes the intent; FAILED additionally forces a pull because the
// eager fill must be unwound from authoritative state.
func (e *Engine) handleTrade(evt types.WSTradeEvent) {
	fills := e.ourFills(evt)

	switch evt.Status {
	case "MATCHED":
		now := time.Now()
		for _, f := range fills {
			if !e.pending.Add(f.tokenID, intentID(evt.ID, f.tokenID), now) {
				continue // duplicate delivery
			}

			e.state.ApplyFill(f.tokenID, f.side, f.size, f.price)
			if f.orderID != "" {
				e.state.ReduceOrder(f.orderID, f.size)
			}

			if err := e.sink.RecordTrade(sink.Trade{
				Time:        now,
				TradeID:     evt.ID,
				ConditionID: evt.Market,
				TokenID:     f.tokenID,
				Side:        string(f.side),
				Price:       f.price,
				Size:        f.size,
				Maker:       f.maker,
			}); err != nil {
				e.logger.Error("trade sink write failed", "trade_id", evt.ID, "error", err)
			}

			e.logger.Info("fill",
				"token", f.tokenID, "side", f.side,
				"price", f.price, "size", f.size,
				"maker", f.maker, "trade_id", evt.ID)
		}
		e.trigger(evt.Market, causePrivate)

	case "MINED", "CONFIRMED":
		for _, f := range fills {
			e.pending.Resolve(intentID(evt.ID, f.tokenID))
		}

	case "FAILED":
		for _, f := range fills {
			e.pending.Resolve(intentID(evt.ID, f.tokenID))
		}
		e.logger.Warn("trade failed, forcing pull", "trade_id", evt.ID)
		e.forcePull()
	}
}

// intentID keys one fill within a trade: the same trade ID can carry fills
// on both tokens of a market.
func intentID(tradeID, tokenID string) string {
	return tradeID + ":" + tokenID
}

// handleOrder applies order lifecycle events to the tracked-order store.
func (e *Engine) handleOrder(evt types.WSOrderEvent) {
	remaining := parseF(evt.OriginalSize) - parseF(evt.SizeMatched)

	switch evt.Type {
	case "PLACEMENT", "UPDATE":
		if remaining <= 0 {
			e.state.ApplyOrderGone(evt.ID)
			break
		}
		e.state.SetOrder(evt.AssetID, types.Side(evt.Side), &types.TrackedOrder{
			ID:       evt.ID,
			Price:    parseF(evt.Price),
			Size:     remaining,
			PlacedAt: time.Now(),
		})

	case "CANCELLATION":
		e.state.ApplyOrderGone(evt.ID)
	}

	e.trigger(evt.Market, causePrivate)
}
