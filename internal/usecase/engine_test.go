package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vikrant/options_trade_bot/internal/domain"
)

type mockCatalog struct{}

func (mockCatalog) Lookup(symbol string) (*domain.Instrument, error) {
	return &domain.Instrument{
		Symbol:     symbol,
		SecurityID: "49081",
		Type:       domain.OptionCE,
		LotSize:    75,
	}, nil
}

type mockFeed struct {
	mu     sync.Mutex
	subs   []string
	unsubs []string
	fail   bool
}

func (f *mockFeed) Subscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return domain.ErrFeedDisconnected
	}
	f.subs = append(f.subs, symbol)
	return nil
}

func (f *mockFeed) Unsubscribe(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, symbol)
}

type mockRecorder struct {
	mu     sync.Mutex
	orders []domain.Order
	closed []domain.Position
}

func (r *mockRecorder) RecordOrder(ctx context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, *order)
	return nil
}

func (r *mockRecorder) RecordClosedPosition(ctx context.Context, pos *domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, *pos)
	return nil
}

// mockBackend answers placements from a configurable hook and records
// every request.
type mockBackend struct {
	mu       sync.Mutex
	placed   []domain.OrderRequest
	placeFn  func(req *domain.OrderRequest) (*domain.Order, error)
	statusFn func(orderID string) (*domain.Order, error)
	quoteFn  func(symbol string) (*domain.Tick, error)
}

func executedOrder(req *domain.OrderRequest, fill float64) *domain.Order {
	return &domain.Order{
		ID:           "ord-" + string(req.Side),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Quantity:     req.Quantity,
		Status:       domain.OrderExecuted,
		AvgFillPrice: fill,
	}
}

func (b *mockBackend) PlaceOrder(ctx context.Context, req *domain.OrderRequest) (*domain.Order, error) {
	b.mu.Lock()
	b.placed = append(b.placed, *req)
	fn := b.placeFn
	b.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return executedOrder(req, 100), nil
}

func (b *mockBackend) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (b *mockBackend) OrderStatus(ctx context.Context, orderID string) (*domain.Order, error) {
	b.mu.Lock()
	fn := b.statusFn
	b.mu.Unlock()
	if fn != nil {
		return fn(orderID)
	}
	return &domain.Order{ID: orderID, Status: domain.OrderExecuted, AvgFillPrice: 100}, nil
}

func (b *mockBackend) Quote(ctx context.Context, symbol string) (*domain.Tick, error) {
	b.mu.Lock()
	fn := b.quoteFn
	b.mu.Unlock()
	if fn != nil {
		return fn(symbol)
	}
	return &domain.Tick{Symbol: symbol, LTP: 100, Timestamp: time.Now()}, nil
}

func (b *mockBackend) placements() []domain.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.OrderRequest, len(b.placed))
	copy(out, b.placed)
	return out
}

type engineFixture struct {
	engine   *Engine
	backend  *mockBackend
	feed     *mockFeed
	recorder *mockRecorder
	cache    *TickCache
}

func newFixture(cfg EngineConfig) *engineFixture {
	backend := &mockBackend{}
	feed := &mockFeed{}
	recorder := &mockRecorder{}
	cache := NewTickCache()
	engine := NewEngine(cfg, backend, cache, NewEvaluator(DefaultEvaluatorConfig()),
		mockCatalog{}, feed, recorder, zap.NewNop())
	return &engineFixture{engine: engine, backend: backend, feed: feed, recorder: recorder, cache: cache}
}

// signalBars walks the evaluator through a bar pair that fires ENTER_CALL
// on the second OnBar, then runs a monitor cycle to pick the queued signal
// up and place the entry.
func (f *engineFixture) signalEntry(t *testing.T, symbol string) {
	t.Helper()
	prev := domain.IndicatorSnapshot{RSI: 58, RSIMA: 59, ATR: 2, LongStop: 95, FractalHigh: 99, VWAP: 98}
	cur := domain.IndicatorSnapshot{RSI: 63, RSIMA: 61, ATR: 2, LongStop: 96, FractalHigh: 99, VWAP: 98.5}
	f.engine.OnBar(context.Background(), symbol, 100, prev)
	f.engine.OnBar(context.Background(), symbol, 100, cur)
	f.engine.Cycle(context.Background())
}

func (f *engineFixture) setLTP(symbol string, ltp float64) {
	f.cache.Update(domain.Tick{Symbol: symbol, LTP: ltp, Timestamp: time.Now()})
}

func TestEntryOpensPositionWithStopAndTarget(t *testing.T) {
	f := newFixture(DefaultEngineConfig())
	f.signalEntry(t, "NIFTY25SEP24800CE")

	pos, ok := f.engine.Position("NIFTY25SEP24800CE")
	require.True(t, ok)
	assert.Equal(t, domain.PositionOpen, pos.State)
	assert.Equal(t, 100.0, pos.EntryPrice)
	assert.Equal(t, 75, pos.Quantity)
	assert.InDelta(t, 94.0, pos.Stop, 1e-9, "stop = fill - ATR*3")
	assert.InDelta(t, 118.0, pos.Target, 1e-9, "target = fill + risk*3")

	placed := f.backend.placements()
	require.Len(t, placed, 1)
	assert.Equal(t, domain.SideBuy, placed[0].Side)
	assert.Equal(t, []string{"NIFTY25SEP24800CE"}, f.feed.subs)
}

func TestAtMostOnePositionPerSymbol(t *testing.T) {
	f := newFixture(DefaultEngineConfig())
	f.signalEntry(t, "X")

	// A fresh crossing while the position is open must not double up.
	prev := domain.IndicatorSnapshot{RSI: 55, RSIMA: 58, ATR: 2, LongStop: 96, FractalHigh: 99, VWAP: 98}
	cur := domain.IndicatorSnapshot{RSI: 64, RSIMA: 60, ATR: 2, LongStop: 96, FractalHigh: 99, VWAP: 98}
	f.engine.OnBar(context.Background(), "X", 100, prev)
	f.engine.OnBar(context.Background(), "X", 100, cur)

	assert.Len(t, f.backend.placements(), 1)
	assert.Equal(t, 1, f.engine.OpenCount())
}

func TestDailyOrderLimit(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.DailyOrderLimit = 1
	cfg.ReentryCooldown = 0
	f := newFixture(cfg)

	f.signalEntry(t, "A")
	f.setLTP("A", 120) // above target, exits
	f.engine.Cycle(context.Background())
	require.Equal(t, 0, f.engine.OpenCount())

	f.signalEntry(t, "B")
	pos, ok := f.engine.Position("B")
	assert.False(t, ok, "second entry of the day must be refused, got %+v", pos)
}

func TestMaxConcurrentPositions(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.MaxConcurrent = 1
	cfg.DailyOrderLimit = 10
	f := newFixture(cfg)

	f.signalEntry(t, "A")
	f.signalEntry(t, "B")

	assert.Equal(t, 1, f.engine.OpenCount())
	_, ok := f.engine.Position("B")
	assert.False(t, ok)
}

func TestReentryCooldown(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.DailyOrderLimit = 10
	cfg.ReentryCooldown = 10 * time.Minute
	f := newFixture(cfg)

	f.signalEntry(t, "X")
	f.setLTP("X", 120)
	f.engine.Cycle(context.Background())
	require.Equal(t, 0, f.engine.OpenCount())

	f.signalEntry(t, "X")
	_, ok := f.engine.Position("X")
	assert.False(t, ok, "re-entry inside the cooldown must be refused")

	// Past the cooldown the same symbol trades again.
	f.engine.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	f.signalEntry(t, "X")
	_, ok = f.engine.Position("X")
	assert.True(t, ok)
}

func TestTrailingStopOnlyTightens(t *testing.T) {
	f := newFixture(DefaultEngineConfig())
	f.signalEntry(t, "X")

	pos, _ := f.engine.Position("X")
	require.InDelta(t, 94.0, pos.Stop, 1e-9)

	bar := domain.IndicatorSnapshot{RSI: 65, RSIMA: 62, ATR: 2}
	f.engine.OnBar(context.Background(), "X", 110, bar)
	pos, _ = f.engine.Position("X")
	assert.InDelta(t, 104.0, pos.Stop, 1e-9, "stop follows the price up")

	f.engine.OnBar(context.Background(), "X", 105, bar)
	pos, _ = f.engine.Position("X")
	assert.InDelta(t, 104.0, pos.Stop, 1e-9, "stop never loosens on a pullback")
}

func TestStopBeatsTargetInSameCycle(t *testing.T) {
	f := newFixture(DefaultEngineConfig())
	f.signalEntry(t, "X")

	// Force an inverted band so one price satisfies both conditions.
	f.engine.mu.Lock()
	p := f.engine.positions["X"]
	p.Stop = 100
	p.Target = 90
	f.engine.mu.Unlock()

	f.setLTP("X", 95)
	f.engine.Cycle(context.Background())

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	require.Len(t, f.recorder.closed, 1)
	assert.Equal(t, ExitReasonStop, f.recorder.closed[0].ExitReason)
}

func TestTimeExitOnlyWhenLosing(t *testing.T) {
	f := newFixture(DefaultEngineConfig())
	f.signalEntry(t, "X")

	f.engine.mu.Lock()
	f.engine.positions["X"].MaxHoldTime = time.Now().Add(-time.Minute)
	f.engine.mu.Unlock()

	// Winning and overdue: stays open.
	f.setLTP("X", 101)
	f.engine.Cycle(context.Background())
	pos, ok := f.engine.Position("X")
	require.True(t, ok)
	assert.Equal(t, domain.PositionOpen, pos.State)

	// Losing and overdue: timed out.
	f.setLTP("X", 99)
	f.engine.Cycle(context.Background())
	_, ok = f.engine.Position("X")
	assert.False(t, ok)

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	require.Len(t, f.recorder.closed, 1)
	assert.Equal(t, ExitReasonTime, f.recorder.closed[0].ExitReason)
}

func TestStaleTickFallsBackToQuotePolling(t *testing.T) {
	f := newFixture(DefaultEngineConfig())
	f.signalEntry(t, "X")

	// The feed went quiet: the cached tick is old, but a polled quote
	// shows the stop breached.
	f.cache.Update(domain.Tick{Symbol: "X", LTP: 100, Timestamp: time.Now().Add(-time.Minute)})
	f.backend.mu.Lock()
	f.backend.quoteFn = func(symbol string) (*domain.Tick, error) {
		return &domain.Tick{Symbol: symbol, LTP: 90, Timestamp: time.Now()}, nil
	}
	f.backend.mu.Unlock()

	f.engine.Cycle(context.Background())
	_, ok := f.engine.Position("X")
	assert.False(t, ok, "stop exit should fire on the polled price")

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	require.Len(t, f.recorder.closed, 1)
	assert.Equal(t, ExitReasonStop, f.recorder.closed[0].ExitReason)
}

func TestExitIsNeverLost(t *testing.T) {
	f := newFixture(DefaultEngineConfig())
	f.signalEntry(t, "X")

	// Every sell fails for two cycles, then the broker recovers.
	var sells int
	f.backend.mu.Lock()
	f.backend.placeFn = func(req *domain.OrderRequest) (*domain.Order, error) {
		if req.Side == domain.SideSell {
			sells++
			if sells <= 2 {
				return nil, errors.New("gateway timeout")
			}
		}
		return executedOrder(req, 93.5), nil
	}
	f.backend.mu.Unlock()

	f.setLTP("X", 90) // below the stop
	f.engine.Cycle(context.Background())
	pos, ok := f.engine.Position("X")
	require.True(t, ok)
	assert.Equal(t, domain.PositionExitPending, pos.State, "a failed exit stays pending")

	f.engine.Cycle(context.Background())
	pos, _ = f.engine.Position("X")
	assert.Equal(t, domain.PositionExitPending, pos.State)

	f.engine.Cycle(context.Background())
	_, ok = f.engine.Position("X")
	assert.False(t, ok, "the retried exit finally settles")

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	require.Len(t, f.recorder.closed, 1)
	closed := f.recorder.closed[0]
	assert.Equal(t, ExitReasonStop, closed.ExitReason)
	assert.InDelta(t, (93.5-100)*75, closed.RealizedPnL, 1e-9)
	assert.Equal(t, []string{"X"}, f.feed.unsubs)
}

func TestRejectedExitOrderIsReplaced(t *testing.T) {
	f := newFixture(DefaultEngineConfig())
	f.signalEntry(t, "X")

	// The first sell lands PENDING, then the broker rejects it; the
	// replacement fills.
	var sells int
	f.backend.mu.Lock()
	f.backend.placeFn = func(req *domain.OrderRequest) (*domain.Order, error) {
		if req.Side == domain.SideSell {
			sells++
			if sells == 1 {
				return &domain.Order{ID: "sell-1", Side: req.Side, Status: domain.OrderPending}, nil
			}
		}
		return executedOrder(req, 94), nil
	}
	f.backend.statusFn = func(orderID string) (*domain.Order, error) {
		return &domain.Order{ID: orderID, Status: domain.OrderRejected, Reason: "margin check"}, nil
	}
	f.backend.mu.Unlock()

	f.setLTP("X", 90)
	f.engine.Cycle(context.Background()) // exit placed, pending
	f.engine.Cycle(context.Background()) // status: rejected, order cleared
	f.engine.Cycle(context.Background()) // fresh exit placed and filled

	_, ok := f.engine.Position("X")
	assert.False(t, ok)
	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	require.Len(t, f.recorder.closed, 1)
}

func TestPendingEntrySettlesOnLaterCycle(t *testing.T) {
	f := newFixture(DefaultEngineConfig())

	f.backend.mu.Lock()
	f.backend.placeFn = func(req *domain.OrderRequest) (*domain.Order, error) {
		return &domain.Order{ID: "buy-1", Side: req.Side, Status: domain.OrderPending}, nil
	}
	f.backend.statusFn = func(orderID string) (*domain.Order, error) {
		return &domain.Order{ID: orderID, Status: domain.OrderExecuted, AvgFillPrice: 102}, nil
	}
	f.backend.mu.Unlock()

	f.signalEntry(t, "X")
	pos, ok := f.engine.Position("X")
	require.True(t, ok)
	assert.Equal(t, domain.PositionEntryPending, pos.State)

	f.engine.Cycle(context.Background())
	pos, _ = f.engine.Position("X")
	assert.Equal(t, domain.PositionOpen, pos.State)
	assert.Equal(t, 102.0, pos.EntryPrice)
	assert.InDelta(t, 96.0, pos.Stop, 1e-9, "stop seeds from the ATR captured at signal time")
}

func TestDrainExitsOpenPositionsAndBlocksEntries(t *testing.T) {
	f := newFixture(DefaultEngineConfig())
	f.signalEntry(t, "X")

	f.engine.Drain()
	f.setLTP("X", 100)
	f.engine.Cycle(context.Background())

	assert.True(t, f.engine.Idle())
	f.recorder.mu.Lock()
	require.Len(t, f.recorder.closed, 1)
	assert.Equal(t, ExitReasonDrain, f.recorder.closed[0].ExitReason)
	f.recorder.mu.Unlock()

	f.signalEntry(t, "Y")
	assert.Equal(t, 0, f.engine.OpenCount(), "a draining engine takes no new positions")
}

func TestEntrySignalWaitsForMonitorCycle(t *testing.T) {
	f := newFixture(DefaultEngineConfig())

	prev := domain.IndicatorSnapshot{RSI: 58, RSIMA: 59, ATR: 2, LongStop: 95, FractalHigh: 99, VWAP: 98}
	cur := domain.IndicatorSnapshot{RSI: 63, RSIMA: 61, ATR: 2, LongStop: 96, FractalHigh: 99, VWAP: 98.5}
	f.engine.OnBar(context.Background(), "X", 100, prev)
	f.engine.OnBar(context.Background(), "X", 100, cur)

	// The tick path only queues the signal; no broker traffic yet.
	assert.Empty(t, f.backend.placements())
	_, ok := f.engine.Position("X")
	assert.False(t, ok)

	f.engine.Cycle(context.Background())
	require.Len(t, f.backend.placements(), 1)
	pos, ok := f.engine.Position("X")
	require.True(t, ok)
	assert.Equal(t, domain.PositionOpen, pos.State)
}

func TestOverlappingCyclesPlaceOneExit(t *testing.T) {
	f := newFixture(DefaultEngineConfig())
	f.signalEntry(t, "X")

	// A slow sell keeps the placement on the wire long enough for a second
	// monitor pass to observe the still-open position.
	f.backend.mu.Lock()
	f.backend.placeFn = func(req *domain.OrderRequest) (*domain.Order, error) {
		if req.Side == domain.SideSell {
			time.Sleep(50 * time.Millisecond)
		}
		return executedOrder(req, 94), nil
	}
	f.backend.mu.Unlock()

	f.setLTP("X", 90) // below the stop
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.engine.Cycle(context.Background())
		}()
	}
	wg.Wait()

	var sells int
	for _, req := range f.backend.placements() {
		if req.Side == domain.SideSell {
			sells++
		}
	}
	assert.Equal(t, 1, sells, "concurrent passes must not double-sell")

	_, ok := f.engine.Position("X")
	assert.False(t, ok)
	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	require.Len(t, f.recorder.closed, 1)
}

func TestTrailingAndMonitorRunConcurrently(t *testing.T) {
	f := newFixture(DefaultEngineConfig())
	f.signalEntry(t, "X")
	f.setLTP("X", 100)

	// Bars ratchet the stop on one goroutine while monitor cycles read the
	// levels on another. Prices stay inside the band so nothing exits.
	done := make(chan struct{})
	go func() {
		defer close(done)
		bar := domain.IndicatorSnapshot{RSI: 65, RSIMA: 62, ATR: 2}
		for i := 0; i < 200; i++ {
			f.engine.OnBar(context.Background(), "X", 100+float64(i%2), bar)
		}
	}()
	for i := 0; i < 50; i++ {
		f.engine.Cycle(context.Background())
	}
	<-done

	pos, ok := f.engine.Position("X")
	require.True(t, ok)
	assert.Equal(t, domain.PositionOpen, pos.State)
	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	assert.Empty(t, f.recorder.closed)
}

func TestFailedEntryReleasesSlotButSpendsDailyOrder(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.DailyOrderLimit = 2
	f := newFixture(cfg)

	f.backend.mu.Lock()
	f.backend.placeFn = func(req *domain.OrderRequest) (*domain.Order, error) {
		return nil, domain.ErrCallFailed
	}
	f.backend.mu.Unlock()

	f.signalEntry(t, "X")
	assert.Equal(t, 0, f.engine.OpenCount(), "a failed entry must not leave a ghost position")
	assert.Equal(t, []string{"X"}, f.feed.unsubs, "feed interest is released")

	f.engine.mu.Lock()
	assert.Equal(t, 1, f.engine.dailyOrders, "the attempt still counts against the daily ceiling")
	f.engine.mu.Unlock()
}
