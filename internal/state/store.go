// Package state holds the in-memory trading state: positions, the single
// tracked open order per (token, side), and the pending-intent set that keeps
// authoritative pulls from clobbering locally observed fills.
package state

import (
	"math"
	"strconv"
	"sync"

	"polymarket-quoter/pkg/types"
)

const epsilon = 1e-9

// Store is the concurrent position and open-order store. Positions are keyed
// by token ID; at most one tracked order exists per (token, side).
type Store struct {
	mu        sync.RWMutex
	positions map[string]types.Position
	orders    map[string]types.OrderPair
	unknown   map[string]map[types.Side]bool
}

func NewStore() *Store {
	return &Store{
		positions: make(map[string]types.Position),
		orders:    make(map[string]types.OrderPair),
		unknown:   make(map[string]map[types.Side]bool),
	}
}

// Position returns the current holding for a token (zero value if none).
func (s *Store) Position(tokenID string) types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[tokenID]
}

// Orders returns copies of the tracked orders for a token. The pointers in
// the returned pair are private copies; mutating them does not touch the
// store.
func (s *Store) Orders(tokenID string) types.OrderPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyPair(s.orders[tokenID])
}

// ApplyFill updates the position for one local fill.
// Buys re-average: avg = (oldSize*oldAvg + size*price) / (oldSize+size).
// Sells shrink size and keep the average entry; at zero the position clears.
func (s *Store) ApplyFill(tokenID string, side types.Side, size, price float64) {
	if size <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.positions[tokenID]
	switch side {
	case types.BUY:
		newSize := pos.Size + size
		pos.AvgPrice = (pos.Size*pos.AvgPrice + size*price) / newSize
		pos.Size = newSize
	case types.SELL:
		pos.Size -= size
		if pos.Size <= epsilon {
			pos = types.Position{}
		}
	}
	s.positions[tokenID] = pos
}

// SetOrder records the tracked order for a side, replacing any previous one.
// A nil order clears the slot.
func (s *Store) SetOrder(tokenID string, side types.Side, o *types.TrackedOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair := s.orders[tokenID]
	if side == types.BUY {
		pair.Buy = o
	} else {
		pair.Sell = o
	}
	s.orders[tokenID] = pair
}

// ApplyOrderAck swaps an optimistic local order ID for the exchange's ID.
// No-op if the local ID is no longer tracked.
func (s *Store) ApplyOrderAck(tokenID string, side types.Side, localID, orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair := s.orders[tokenID]
	slot := pair.Buy
	if side == types.SELL {
		slot = pair.Sell
	}
	if slot != nil && slot.ID == localID {
		slot.ID = orderID
	}
	s.orders[tokenID] = pair
}

// ApplyOrderGone removes whichever tracked order carries the given ID.
// Called on CANCELLATION events and on terminal fills.
func (s *Store) ApplyOrderGone(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tok, pair := range s.orders {
		changed := false
		if pair.Buy != nil && pair.Buy.ID == orderID {
			pair.Buy = nil
			changed = true
		}
		if pair.Sell != nil && pair.Sell.ID == orderID {
			pair.Sell = nil
			changed = true
		}
		if changed {
			s.orders[tok] = pair
			return
		}
	}
}

// ReduceOrder shrinks the remaining size of a tracked order after a partial
// match. Fully matched orders are removed.
func (s *Store) ReduceOrder(orderID string, matched float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tok, pair := range s.orders {
		for _, slot := range []**types.TrackedOrder{&pair.Buy, &pair.Sell} {
			if *slot == nil || (*slot).ID != orderID {
				continue
			}
			(*slot).Size -= matched
			if (*slot).Size <= epsilon {
				*slot = nil
			}
			s.orders[tok] = pair
			return
		}
	}
}

// MarkUnknown flags a (token, side) whose exchange state could not be
// confirmed (e.g. a timed-out place). The reconciler refuses to quote that
// side until the next authoritative merge clears it.
func (s *Store) MarkUnknown(tokenID string, side types.Side) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unknown[tokenID] == nil {
		s.unknown[tokenID] = make(map[types.Side]bool)
	}
	s.unknown[tokenID][side] = true
}

// Unknown reports whether either side of a token is in the unknown state.
func (s *Store) Unknown(tokenID string) (buy, sell bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.unknown[tokenID]
	return m[types.BUY], m[types.SELL]
}

// MergeAuthoritative replaces local state with an exchange pull.
//
// Orders: multiple exchange orders on the same (token, side) collapse into
// one tracked order with total size at volume-weighted price.
//
// Positions: if hasPending reports a pending intent for the token, only the
// average price is taken from the pull; local size is kept so an in-flight
// fill already applied locally is not double-counted or erased. Otherwise
// both fields are replaced.
//
// All unknown flags clear. Returns the tokens whose position or orders
// materially changed.
func (s *Store) MergeAuthoritative(
	positions map[string]types.Position,
	orders map[string]types.OrderPair,
	hasPending func(tokenID string) bool,
) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := make(map[string]bool)

	// Positions: union of old and new keys.
	for tok := range s.positions {
		if _, ok := positions[tok]; !ok {
			if hasPending(tok) {
				continue
			}
			if s.positions[tok].Size > epsilon {
				changed[tok] = true
			}
			delete(s.positions, tok)
		}
	}
	for tok, next := range positions {
		cur := s.positions[tok]
		if hasPending(tok) {
			next.Size = cur.Size
		}
		if diff(cur.Size, next.Size) || diff(cur.AvgPrice, next.AvgPrice) {
			changed[tok] = true
		}
		s.positions[tok] = next
	}

	// Orders: full replacement.
	for tok := range s.orders {
		if _, ok := orders[tok]; !ok {
			if !pairEmpty(s.orders[tok]) {
				changed[tok] = true
			}
			delete(s.orders, tok)
		}
	}
	for tok, next := range orders {
		if !pairEqual(s.orders[tok], next) {
			changed[tok] = true
		}
		s.orders[tok] = copyPair(next)
	}

	s.unknown = make(map[string]map[types.Side]bool)

	out := make([]string, 0, len(changed))
	for tok := range changed {
		out = append(out, tok)
	}
	return out
}

// CollapseOpenOrders folds raw exchange orders into per-token pairs: one
// aggregate order per side with total remaining size at VWAP.
func CollapseOpenOrders(open []types.OpenOrder) map[string]types.OrderPair {
	type agg struct {
		id       string
		size     float64
		notional float64
	}
	buys := make(map[string]*agg)
	sells := make(map[string]*agg)

	for _, o := range open {
		price := parseF(o.Price)
		remaining := parseF(o.OriginalSize) - parseF(o.SizeMatched)
		if remaining <= epsilon {
			continue
		}
		m := buys
		if types.Side(o.Side) == types.SELL {
			m = sells
		}
		a := m[o.AssetID]
		if a == nil {
			a = &agg{id: o.ID}
			m[o.AssetID] = a
		}
		a.size += remaining
		a.notional += remaining * price
	}

	out := make(map[string]types.OrderPair)
	build := func(a *agg) *types.TrackedOrder {
		return &types.TrackedOrder{ID: a.id, Price: a.notional / a.size, Size: a.size}
	}
	for tok, a := range buys {
		pair := out[tok]
		pair.Buy = build(a)
		out[tok] = pair
	}
	for tok, a := range sells {
		pair := out[tok]
		pair.Sell = build(a)
		out[tok] = pair
	}
	return out
}

func diff(a, b float64) bool { return math.Abs(a-b) > epsilon }

func pairEmpty(p types.OrderPair) bool { return p.Buy == nil && p.Sell == nil }

func pairEqual(a, b types.OrderPair) bool {
	eq := func(x, y *types.TrackedOrder) bool {
		if (x == nil) != (y == nil) {
			return false
		}
		if x == nil {
			return true
		}
		return x.ID == y.ID && !diff(x.Price, y.Price) && !diff(x.Size, y.Size)
	}
	return eq(a.Buy, b.Buy) && eq(a.Sell, b.Sell)
}

func copyPair(p types.OrderPair) types.OrderPair {
	var out types.OrderPair
	if p.Buy != nil {
		b := *p.Buy
		out.Buy = &b
	}
	if p.Sell != nil {
		sl := *p.Sell
		out.Sell = &sl
	}
	return out
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
