package usecase

import (
	"sync"

	"github.com/vikrant/options_trade_bot/internal/domain"
)

// TickCache is the last-known-quote store. One writer (the feed manager's
// read loop), many readers (monitoring loop, evaluator). A newer tick
// unconditionally replaces the stored one; entries are never expired here,
// staleness is judged by the reader against Tick.Timestamp.
type TickCache struct {
	mu    sync.RWMutex
	ticks map[string]domain.Tick
}

func NewTickCache() *TickCache {
	return &TickCache{
		ticks: make(map[string]domain.Tick),
	}
}

func (c *TickCache) Update(tick domain.Tick) {
	if tick.Symbol == "" {
		return
	}
	c.mu.Lock()
	c.ticks[tick.Symbol] = tick
	c.mu.Unlock()
}

func (c *TickCache) Get(symbol string) (domain.Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[symbol]
	return t, ok
}

// LTP returns the last traded price for a symbol, or 0 if unknown.
func (c *TickCache) LTP(symbol string) float64 {
	t, ok := c.Get(symbol)
	if !ok {
		return 0
	}
	return t.LTP
}

// Symbols returns the symbols currently present in the cache.
func (c *TickCache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.ticks))
	for s := range c.ticks {
		out = append(out, s)
	}
	return out
}
