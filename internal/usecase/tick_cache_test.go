package usecase

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vikrant/options_trade_bot/internal/domain"
)

func TestTickCacheUpdateAndGet(t *testing.T) {
	cache := NewTickCache()

	_, ok := cache.Get("NIFTY25SEP24500CE")
	assert.False(t, ok)
	assert.Equal(t, 0.0, cache.LTP("NIFTY25SEP24500CE"))

	first := domain.Tick{Symbol: "NIFTY25SEP24500CE", LTP: 101.5, Timestamp: time.Now()}
	cache.Update(first)

	got, ok := cache.Get("NIFTY25SEP24500CE")
	assert.True(t, ok)
	assert.Equal(t, 101.5, got.LTP)

	second := first
	second.LTP = 99.25
	cache.Update(second)
	assert.Equal(t, 99.25, cache.LTP("NIFTY25SEP24500CE"))
}

func TestTickCacheIgnoresEmptySymbol(t *testing.T) {
	cache := NewTickCache()
	cache.Update(domain.Tick{LTP: 50})
	assert.Empty(t, cache.Symbols())
}

func TestTickCacheSymbols(t *testing.T) {
	cache := NewTickCache()
	cache.Update(domain.Tick{Symbol: "NIFTY25SEP24500CE", LTP: 100})
	cache.Update(domain.Tick{Symbol: "NIFTY25SEP24400PE", LTP: 80})

	symbols := cache.Symbols()
	assert.Len(t, symbols, 2)
	assert.Contains(t, symbols, "NIFTY25SEP24500CE")
	assert.Contains(t, symbols, "NIFTY25SEP24400PE")
}

func TestTickCacheConcurrentAccess(t *testing.T) {
	cache := NewTickCache()
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			cache.Update(domain.Tick{Symbol: "NIFTY25SEP24500CE", LTP: float64(i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			cache.LTP("NIFTY25SEP24500CE")
		}
	}()
	wg.Wait()

	assert.Equal(t, 499.0, cache.LTP("NIFTY25SEP24500CE"))
}
