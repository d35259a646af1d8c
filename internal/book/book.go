// Package book maintains the local order book mirror for every subscribed
// token. Books are rebuilt from "book" snapshots and patched by
// "price_change" deltas; readers only ever see a consistent top-of-book
// extracted under the lock.
package book

import (
	"strconv"
	"sync"

	"github.com/google/btree"

	"polymarket-quoter/pkg/types"
)

type level struct {
	price float64
	size  float64
}

func levelLess(a, b level) bool { return a.price < b.price }

// tokenBook holds both sides of one token's book, price-ordered.
type tokenBook struct {
	bids *btree.BTreeG[level]
	asks *btree.BTreeG[level]
}

func newTokenBook() *tokenBook {
	return &tokenBook{
		bids: btree.NewG(8, levelLess),
		asks: btree.NewG(8, levelLess),
	}
}

// Top is a consistent top-of-book extraction. HasBid/HasAsk distinguish an
// empty side from a zero price.
type Top struct {
	BestBid float64
	BidSize float64
	BestAsk float64
	AskSize float64
	HasBid  bool
	HasAsk  bool
}

// Spread returns ask minus bid. Negative for a crossed book; the caller's
// spread gate decides what to do with it.
func (t Top) Spread() float64 {
	return t.BestAsk - t.BestBid
}

// Mid returns the midpoint of the top of book.
func (t Top) Mid() float64 {
	return (t.BestBid + t.BestAsk) / 2
}

// Full returns whether both sides have at least one level.
func (t Top) Full() bool {
	return t.HasBid && t.HasAsk
}

// Store holds the books of all subscribed tokens.
type Store struct {
	mu    sync.RWMutex
	books map[string]*tokenBook
}

func NewStore() *Store {
	return &Store{books: make(map[string]*tokenBook)}
}

// ApplySnapshot replaces the full book for a token. Malformed levels are
// skipped; the snapshot still replaces whatever was there before.
func (s *Store) ApplySnapshot(tokenID string, bids, asks []types.PriceLevel) {
	tb := newTokenBook()
	for _, l := range bids {
		if lv, ok := parseLevel(l); ok && lv.size > 0 {
			tb.bids.ReplaceOrInsert(lv)
		}
	}
	for _, l := range asks {
		if lv, ok := parseLevel(l); ok && lv.size > 0 {
			tb.asks.ReplaceOrInsert(lv)
		}
	}

	s.mu.Lock()
	s.books[tokenID] = tb
	s.mu.Unlock()
}

// ApplyDelta applies one price_change level. Size 0 removes the level.
// A delta for an unknown token lazily initializes an empty book so later
// deltas and the next snapshot have somewhere to land.
func (s *Store) ApplyDelta(tokenID string, side types.Side, price, size float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb, ok := s.books[tokenID]
	if !ok {
		tb = newTokenBook()
		s.books[tokenID] = tb
	}

	tree := tb.bids
	if side == types.SELL {
		tree = tb.asks
	}

	if size == 0 {
		tree.Delete(level{price: price})
		return
	}
	tree.ReplaceOrInsert(level{price: price, size: size})
}

// Best returns the top of book for a token. ok is false when the token has
// never been seen.
func (s *Store) Best(tokenID string) (Top, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tb, ok := s.books[tokenID]
	if !ok {
		return Top{}, false
	}

	var top Top
	if lv, ok := tb.bids.Max(); ok {
		top.BestBid = lv.price
		top.BidSize = lv.size
		top.HasBid = true
	}
	if lv, ok := tb.asks.Min(); ok {
		top.BestAsk = lv.price
		top.AskSize = lv.size
		top.HasAsk = true
	}
	return top, true
}

// Depth returns the number of levels on each side. Used by tests and the
// startup sanity log.
func (s *Store) Depth(tokenID string) (bids, asks int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tb, ok := s.books[tokenID]
	if !ok {
		return 0, 0
	}
	return tb.bids.Len(), tb.asks.Len()
}

// Drop removes a token's book entirely. Called when a market is disabled.
func (s *Store) Drop(tokenID string) {
	s.mu.Lock()
	delete(s.books, tokenID)
	s.mu.Unlock()
}

func parseLevel(l types.PriceLevel) (level, bool) {
	p, err := strconv.ParseFloat(l.Price, 64)
	if err != nil {
		return level{}, false
	}
	sz, err := strconv.ParseFloat(l.Size, 64)
	if err != nil {
		return level{}, false
	}
	return level{price: p, size: sz}, true
}
