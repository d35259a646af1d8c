package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"polymarket-quoter/internal/sink"
	"polymarket-quoter/internal/state"
	"polymarket-quoter/pkg/types"
)

// runPeriodic drives the three slow cadences:
//
//	pull     — authoritative orders + positions, pending sweep, merge check
//	registry — market table + live params + subscriptions + volatility
//	snapshot — reward and position history rows
//
// Forced pulls and reloads (reconnects, SIGHUP) share the same code paths.
func (e *Engine) runPeriodic() {
	pullTick := time.NewTicker(e.cfg.Trading.PullInterval)
	registryTick := time.NewTicker(e.cfg.Trading.RegistryInterval)
	snapshotTick := time.NewTicker(e.cfg.Trading.SnapshotInterval)
	defer pullTick.Stop()
	defer registryTick.Stop()
	defer snapshotTick.Stop()

	var mergeMu sync.Mutex
	merging := make(map[string]bool)

	for {
		select {
		case <-e.ctx.Done():
			return

		case <-pullTick.C:
			if err := e.pullState(e.ctx); err != nil {
				e.logger.Error("periodic pull failed", "error", err)
			}
			if n := e.pending.Sweep(time.Now()); n > 0 {
				e.logger.Warn("swept stale pending intents", "count", n)
			}
			e.checkMerges(merging, &mergeMu)

		case <-e.pullReq:
			if err := e.pullState(e.ctx); err != nil {
				e.logger.Error("forced pull failed", "error", err)
			}

		case <-registryTick.C:
			e.reloadRegistry()

		case <-e.reloadReq:
			e.logger.Info("forced registry reload")
			e.reloadRegistry()

		case <-snapshotTick.C:
			e.writeSnapshots()
		}
	}
}

// pullState replaces local order/position state with the exchange's view and
// kicks the reconciler of every market that materially changed.
func (e *Engine) pullState(ctx context.Context) error {
	open, err := e.client.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("pull orders: %w", err)
	}
	dataPos, err := e.client.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("pull positions: %w", err)
	}

	positions := make(map[string]types.Position, len(dataPos))
	for _, p := range dataPos {
		positions[p.Asset] = types.Position{Size: p.Size, AvgPrice: p.AvgPrice}
	}

	changed := e.state.MergeAuthoritative(positions, state.CollapseOpenOrders(open), e.pending.Has)

	kicked := make(map[string]bool)
	for _, tokenID := range changed {
		entry, ok := e.registry.ByToken(tokenID)
		if !ok || kicked[entry.Market.ConditionID] {
			continue
		}
		kicked[entry.Market.ConditionID] = true
		e.trigger(entry.Market.ConditionID, causePeriodic)
	}
	return nil
}

func (e *Engine) reloadRegistry() {
	if err := e.registry.Reload(e.ctx); err != nil {
		e.logger.Error("registry reload failed", "error", err)
		return
	}
	e.syncSubscriptions()
	e.vol.Refresh(e.ctx, e.registry.Entries())
	e.refreshBalance(e.ctx)
}

// checkMerges finds markets holding both complementary tokens above the
// merge threshold and converts the overlap back into USDC. Merges wait for
// receipts, so each runs on its own goroutine with an in-flight guard.
func (e *Engine) checkMerges(merging map[string]bool, mu *sync.Mutex) {
	if e.merger == nil {
		return
	}

	for cid, entry := range e.registry.Entries() {
		if entry.Market.NegRisk {
			continue
		}

		yes := e.state.Position(entry.Market.YesTokenID).Size
		no := e.state.Position(entry.Market.NoTokenID).Size
		shares := yes
		if no < shares {
			shares = no
		}
		if shares < e.cfg.Trading.MergeMinShares {
			continue
		}

		mu.Lock()
		if merging[cid] {
			mu.Unlock()
			continue
		}
		merging[cid] = true
		mu.Unlock()

		e.wg.Add(1)
		go func(cid string, shares float64) {
			defer e.wg.Done()
			defer func() {
				mu.Lock()
				delete(merging, cid)
				mu.Unlock()
			}()

			tx, err := e.merger.MergePositions(e.ctx, cid, shares)
			if err != nil {
				e.logger.Error("merge failed", "condition_id", cid, "error", err)
				return
			}
			e.logger.Info("positions merged",
				"condition_id", cid, "shares", shares, "tx", tx)
			e.forcePull()
		}(cid, shares)
	}
}

// writeSnapshots records the reward and position history rows.
func (e *Engine) writeSnapshots() {
	now := time.Now()
	var rewards []sink.RewardSnapshot
	var positions []sink.PositionSnapshot

	for cid, entry := range e.registry.Entries() {
		for _, tokenID := range entry.Market.Tokens() {
			top, haveBook := e.books.Best(tokenID)
			mid := 0.0
			if haveBook && top.Full() {
				mid = top.Mid()
			}

			pair := e.state.Orders(tokenID)
			for side, o := range map[string]*types.TrackedOrder{
				string(types.BUY):  pair.Buy,
				string(types.SELL): pair.Sell,
			} {
				if o == nil {
					continue
				}
				rewards = append(rewards, sink.RewardSnapshot{
					Time:        now,
					ConditionID: cid,
					TokenID:     tokenID,
					Side:        side,
					Price:       o.Price,
					Size:        o.Size,
					Mid:         mid,
				})
			}

			if pos := e.state.Position(tokenID); pos.Size > 0 {
				positions = append(positions, sink.PositionSnapshot{
					Time:     now,
					TokenID:  tokenID,
					Size:     pos.Size,
					AvgPrice: pos.AvgPrice,
				})
			}
		}
	}

	if err := e.sink.RecordRewardSnapshots(rewards); err != nil {
		e.logger.Error("reward snapshot write failed", "error", err)
	}
	if err := e.sink.RecordPositionSnapshots(positions); err != nil {
		e.logger.Error("position snapshot write failed", "error", err)
	}
}
