package state

import (
	"sync"
	"time"
)

type pendingEntry struct {
	tokenID string
	expires time.Time
}

// PendingIntents tracks exchange trade IDs seen on the private stream but not
// yet confirmed. While a token has any pending intent, authoritative pulls
// must not overwrite its locally maintained position size.
//
// Entries expire after the configured TTL so a lost CONFIRMED never wedges a
// token in the pending state.
type PendingIntents struct {
	mu      sync.Mutex
	ttl     time.Duration
	byID    map[string]pendingEntry
	byToken map[string]int
}

func NewPendingIntents(ttl time.Duration) *PendingIntents {
	return &PendingIntents{
		ttl:     ttl,
		byID:    make(map[string]pendingEntry),
		byToken: make(map[string]int),
	}
}

// Add registers a trade ID for a token. Returns false if the ID was already
// pending (the same trade is delivered once per status transition).
func (p *PendingIntents) Add(tokenID, tradeID string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byID[tradeID]; ok {
		return false
	}
	p.byID[tradeID] = pendingEntry{tokenID: tokenID, expires: now.Add(p.ttl)}
	p.byToken[tokenID]++
	return true
}

// Resolve drops a trade ID after its terminal status. Unknown IDs are a no-op.
func (p *PendingIntents) Resolve(tradeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remove(tradeID)
}

// Has reports whether a token has any unresolved intent.
func (p *PendingIntents) Has(tokenID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byToken[tokenID] > 0
}

// Sweep removes expired entries and returns how many were dropped.
func (p *PendingIntents) Sweep(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stale []string
	for id, e := range p.byID {
		if now.After(e.expires) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		p.remove(id)
	}
	return len(stale)
}

func (p *PendingIntents) remove(tradeID string) {
	e, ok := p.byID[tradeID]
	if !ok {
		return
	}
	delete(p.byID, tradeID)
	if p.byToken[e.tokenID]--; p.byToken[e.tokenID] <= 0 {
		delete(p.byToken, e.tokenID)
	}
}
