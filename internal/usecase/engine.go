package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vikrant/options_trade_bot/internal/domain"
	"github.com/vikrant/options_trade_bot/internal/infrastructure/metrics"
)

// Exit reasons, in priority order. A breached stop always wins over a hit
// target in the same cycle, and the time exit only fires for losing
// positions that have overstayed.
const (
	ExitReasonStop   = "STOP_LOSS"
	ExitReasonTarget = "TARGET"
	ExitReasonTime   = "TIME_LIMIT"
	ExitReasonDrain  = "SHUTDOWN"
)

type EngineConfig struct {
	Lots            int
	ATRMultiplier   float64
	RiskReward      float64
	MaxHold         time.Duration
	MonitorInterval time.Duration
	DailyOrderLimit int
	MaxConcurrent   int
	ReentryCooldown time.Duration
	TickStaleAfter  time.Duration // cached tick age before falling back to quote polling
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Lots:            1,
		ATRMultiplier:   3,
		RiskReward:      3,
		MaxHold:         2 * time.Hour,
		MonitorInterval: 5 * time.Second,
		DailyOrderLimit: 2,
		MaxConcurrent:   2,
		ReentryCooldown: 10 * time.Minute,
		TickStaleAfter:  15 * time.Second,
	}
}

// Engine owns every position from signal to settlement. All entries and
// exits go through the execution backend; the engine itself holds the
// trailing stop in memory and sends market exit orders when it breaches,
// rather than parking stop orders at the broker.
//
// Both CE and PE positions are long premium, so entries are always BUY and
// exits always SELL; direction lives in the instrument, not the order.
type Engine struct {
	cfg       EngineConfig
	backend   domain.ExecutionBackend
	cache     *TickCache
	evaluator *Evaluator
	catalog   domain.InstrumentCatalog
	feed      domain.FeedSubscriber
	recorder  domain.TradeRecorder
	log       *zap.Logger

	// Entry signals cross from the tick goroutine to the monitor loop
	// through this buffered channel; the tick path never places orders.
	signals chan entrySignal

	mu           sync.Mutex
	positions    map[string]*domain.Position // live positions by symbol
	entryATR     map[string]float64          // ATR at signal time, for stop seeding
	lastExit     map[string]time.Time        // re-entry cooldown anchor
	exitInFlight map[string]bool             // symbols with an exit placement on the wire
	dailyOrders  int
	dailyDate    string // yyyy-mm-dd the counter belongs to
	draining     bool

	now func() time.Time
}

type entrySignal struct {
	symbol string
	sig    domain.Signal
	snap   domain.IndicatorSnapshot
}

func NewEngine(
	cfg EngineConfig,
	backend domain.ExecutionBackend,
	cache *TickCache,
	evaluator *Evaluator,
	catalog domain.InstrumentCatalog,
	feed domain.FeedSubscriber,
	recorder domain.TradeRecorder,
	log *zap.Logger,
) *Engine {
	return &Engine{
		cfg:          cfg,
		backend:      backend,
		cache:        cache,
		evaluator:    evaluator,
		catalog:      catalog,
		feed:         feed,
		recorder:     recorder,
		log:          log,
		signals:      make(chan entrySignal, 16),
		positions:    make(map[string]*domain.Position),
		entryATR:     make(map[string]float64),
		lastExit:     make(map[string]time.Time),
		exitInFlight: make(map[string]bool),
		now:          time.Now,
	}
}

// Position returns a copy of the live position for a symbol, if any.
func (e *Engine) Position(symbol string) (domain.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *pos, true
}

// OpenCount reports live positions in any non-closed state.
func (e *Engine) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.positions)
}

// Drain stops new entries. Existing positions keep being managed until
// they close.
func (e *Engine) Drain() {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()
	e.log.Info("engine draining, no new entries")
}

// Idle reports whether every position has settled. Used by shutdown to
// decide when draining is complete.
func (e *Engine) Idle() bool {
	return e.OpenCount() == 0
}

// OnBar feeds one bar of indicator data for a symbol. It evaluates the
// entry signal and, for an open position, ratchets the trailing stop from
// the fresh ATR. It runs on the tick goroutine, so it only touches
// in-memory state: entry signals are queued for the next monitor cycle
// rather than placed here, keeping tick ingestion free of broker latency.
func (e *Engine) OnBar(ctx context.Context, symbol string, price float64, snap domain.IndicatorSnapshot) {
	sig := e.evaluator.Evaluate(symbol, price, snap)

	e.mu.Lock()
	pos, exists := e.positions[symbol]
	if exists && pos.State == domain.PositionOpen {
		e.trailLocked(pos, price, snap.ATR)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if sig == domain.SignalNone || exists {
		return
	}
	select {
	case e.signals <- entrySignal{symbol: symbol, sig: sig, snap: snap}:
	default:
		e.log.Warn("entry signal dropped, queue full", zap.String("symbol", symbol))
	}
}

// trailLocked raises the stop to price - ATR*mult when that is higher than
// the current stop. It never loosens. Caller holds the lock.
func (e *Engine) trailLocked(pos *domain.Position, price, atr float64) {
	if atr <= 0 {
		return
	}
	next := price - atr*e.cfg.ATRMultiplier
	if next > pos.Stop {
		e.log.Info("trailing stop raised",
			zap.String("symbol", pos.Symbol),
			zap.Float64("from", pos.Stop),
			zap.Float64("to", next))
		pos.Stop = next
	}
}

// resetDailyLocked rolls the order counter when the trading date changes.
// Caller holds the lock.
func (e *Engine) resetDailyLocked() {
	today := e.now().Format("2006-01-02")
	if e.dailyDate != today {
		e.dailyDate = today
		e.dailyOrders = 0
	}
}

// admitLocked applies the entry ceilings. Returns a reason string when the
// entry is refused. Caller holds the lock.
func (e *Engine) admitLocked(symbol string) string {
	e.resetDailyLocked()
	if _, live := e.positions[symbol]; live {
		return "position already live"
	}
	switch {
	case e.draining:
		return "draining"
	case e.dailyOrders >= e.cfg.DailyOrderLimit:
		return "daily order limit reached"
	case len(e.positions) >= e.cfg.MaxConcurrent:
		return "max concurrent positions"
	}
	if last, ok := e.lastExit[symbol]; ok && e.now().Sub(last) < e.cfg.ReentryCooldown {
		return "re-entry cooldown"
	}
	return ""
}

func (e *Engine) tryEnter(ctx context.Context, symbol string, sig domain.Signal, snap domain.IndicatorSnapshot) {
	inst, err := e.catalog.Lookup(symbol)
	if err != nil {
		e.log.Error("entry skipped, symbol unresolved", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	e.mu.Lock()
	if reason := e.admitLocked(symbol); reason != "" {
		e.mu.Unlock()
		e.log.Info("entry refused", zap.String("symbol", symbol), zap.String("reason", reason))
		return
	}
	// Reserve the slot and the daily order before the call goes out, so a
	// concurrent signal cannot double-spend the limits while we wait.
	pos := &domain.Position{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Type:      inst.Type,
		Quantity:  e.cfg.Lots * inst.LotSize,
		State:     domain.PositionEntryPending,
		EntryTime: e.now(),
	}
	e.positions[symbol] = pos
	e.entryATR[symbol] = snap.ATR
	e.dailyOrders++
	e.mu.Unlock()

	if err := e.feed.Subscribe(symbol); err != nil {
		e.log.Error("entry aborted, feed subscribe failed", zap.String("symbol", symbol), zap.Error(err))
		e.abandonEntry(symbol)
		return
	}

	order, err := e.backend.PlaceOrder(ctx, &domain.OrderRequest{
		Symbol:     symbol,
		SecurityID: inst.SecurityID,
		Side:       domain.SideBuy,
		Kind:       domain.OrderMarket,
		Quantity:   pos.Quantity,
	})
	if order != nil {
		e.recordOrder(ctx, order)
	}
	if err != nil {
		e.log.Warn("entry order failed", zap.String("symbol", symbol), zap.Error(err))
		e.abandonEntry(symbol)
		e.feed.Unsubscribe(symbol)
		return
	}

	metrics.OrdersPlaced.WithLabelValues(string(domain.SideBuy)).Inc()

	e.mu.Lock()
	defer e.mu.Unlock()
	pos.EntryOrderID = order.ID
	switch order.Status {
	case domain.OrderExecuted:
		e.openLocked(pos, order.AvgFillPrice, snap.ATR)
	case domain.OrderPending:
		e.log.Info("entry pending", zap.String("symbol", symbol), zap.String("order_id", order.ID))
	default:
		delete(e.positions, symbol)
		e.feed.Unsubscribe(symbol)
		e.log.Warn("entry order not accepted",
			zap.String("symbol", symbol), zap.String("status", string(order.Status)))
	}
	metrics.OpenPositions.Set(float64(len(e.positions)))
}

// abandonEntry releases the reserved slot after a failed placement. The
// daily order counter is deliberately not refunded: the attempt consumed a
// broker call and the ceiling exists to bound those.
func (e *Engine) abandonEntry(symbol string) {
	e.mu.Lock()
	delete(e.positions, symbol)
	delete(e.entryATR, symbol)
	metrics.OpenPositions.Set(float64(len(e.positions)))
	e.mu.Unlock()
}

// openLocked transitions ENTRY_PENDING -> OPEN with a concrete fill. The
// initial stop sits ATR*mult under the fill and the target mirrors that
// risk times the reward ratio. Caller holds the lock.
func (e *Engine) openLocked(pos *domain.Position, fill, atr float64) {
	delete(e.entryATR, pos.Symbol)
	pos.State = domain.PositionOpen
	pos.EntryPrice = fill
	pos.EntryTime = e.now()
	pos.MaxHoldTime = pos.EntryTime.Add(e.cfg.MaxHold)
	pos.Stop = fill - atr*e.cfg.ATRMultiplier
	if pos.Stop < 0 {
		pos.Stop = 0
	}
	pos.Target = fill + (fill-pos.Stop)*e.cfg.RiskReward

	e.log.Info("position open",
		zap.String("symbol", pos.Symbol),
		zap.String("type", string(pos.Type)),
		zap.Int("qty", pos.Quantity),
		zap.Float64("entry", pos.EntryPrice),
		zap.Float64("stop", pos.Stop),
		zap.Float64("target", pos.Target))
}

// Run drives the monitor loop until the context ends. Every cycle it
// settles pending entries, checks exit conditions for open positions, and
// retries pending exits that were rejected or lost.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Cycle(ctx)
		}
	}
}

// Cycle runs one monitor pass. Exported so the wiring layer can run a
// final pass during drain and tests can step the engine deterministically.
func (e *Engine) Cycle(ctx context.Context) {
	type item struct {
		pos   *domain.Position
		state domain.PositionState
	}

	e.mu.Lock()
	snapshot := make([]item, 0, len(e.positions))
	for _, pos := range e.positions {
		snapshot = append(snapshot, item{pos: pos, state: pos.State})
	}
	draining := e.draining
	e.mu.Unlock()

	for _, it := range snapshot {
		switch it.state {
		case domain.PositionEntryPending:
			e.settleEntry(ctx, it.pos)
		case domain.PositionOpen:
			if draining {
				e.requestExit(ctx, it.pos, ExitReasonDrain)
				continue
			}
			e.checkExits(ctx, it.pos)
		case domain.PositionExitPending:
			e.settleExit(ctx, it.pos)
		}
	}

	// Entry signals queued by the tick path since the last pass.
	for {
		select {
		case sig := <-e.signals:
			e.tryEnter(ctx, sig.symbol, sig.sig, sig.snap)
		default:
			return
		}
	}
}

// settleEntry polls the broker for a pending entry order.
func (e *Engine) settleEntry(ctx context.Context, pos *domain.Position) {
	e.mu.Lock()
	entryOrderID := pos.EntryOrderID
	e.mu.Unlock()

	order, err := e.backend.OrderStatus(ctx, entryOrderID)
	if err != nil {
		e.log.Warn("entry status check failed", zap.String("symbol", pos.Symbol), zap.Error(err))
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos.State != domain.PositionEntryPending {
		return
	}
	switch order.Status {
	case domain.OrderExecuted:
		e.openLocked(pos, order.AvgFillPrice, e.entryATR[pos.Symbol])
	case domain.OrderRejected, domain.OrderCancelled:
		delete(e.positions, pos.Symbol)
		delete(e.entryATR, pos.Symbol)
		metrics.OpenPositions.Set(float64(len(e.positions)))
		e.feed.Unsubscribe(pos.Symbol)
		e.log.Warn("entry order rejected at broker",
			zap.String("symbol", pos.Symbol), zap.String("reason", order.Reason))
	}
}

// lastPrice returns the freshest price for a symbol. A stale or missing
// cached tick falls back to polling a quote through the gateway, so exits
// keep working while the feed is reconnecting.
func (e *Engine) lastPrice(ctx context.Context, symbol string) (float64, bool) {
	tick, ok := e.cache.Get(symbol)
	if ok && !tick.StaleAfter(e.now(), e.cfg.TickStaleAfter) {
		return tick.LTP, true
	}
	quote, err := e.backend.Quote(ctx, symbol)
	if err != nil {
		if ok {
			// The stale tick is still better than flying blind.
			return tick.LTP, true
		}
		e.log.Warn("no price available", zap.String("symbol", symbol), zap.Error(err))
		return 0, false
	}
	return quote.LTP, true
}

// checkExits applies the exit conditions in strict priority order. The
// trailing stop moves on the tick goroutine, so the levels are snapshotted
// under the lock before any comparison.
func (e *Engine) checkExits(ctx context.Context, pos *domain.Position) {
	ltp, ok := e.lastPrice(ctx, pos.Symbol)
	if !ok {
		return
	}

	e.mu.Lock()
	state := pos.State
	stop, target := pos.Stop, pos.Target
	maxHold, entry := pos.MaxHoldTime, pos.EntryPrice
	e.mu.Unlock()
	if state != domain.PositionOpen {
		return
	}

	switch {
	case ltp <= stop:
		e.requestExit(ctx, pos, ExitReasonStop)
	case ltp >= target:
		e.requestExit(ctx, pos, ExitReasonTarget)
	case e.now().After(maxHold) && ltp < entry:
		// Winners get to run past the clock; only losers are timed out.
		e.requestExit(ctx, pos, ExitReasonTime)
	}
}

// requestExit moves the position to EXIT_PENDING and sends the market
// sell. A failed or rejected placement keeps the position EXIT_PENDING;
// the next cycle retries. An exit is never dropped, and at most one exit
// placement is ever on the wire per position: overlapping monitor passes
// (the shutdown drain runs alongside the last ticker pass) bail out on
// the in-flight flag instead of double-selling.
func (e *Engine) requestExit(ctx context.Context, pos *domain.Position, reason string) {
	inst, err := e.catalog.Lookup(pos.Symbol)
	if err != nil {
		e.log.Error("exit blocked, symbol unresolved", zap.String("symbol", pos.Symbol), zap.Error(err))
		return
	}

	e.mu.Lock()
	if pos.State == domain.PositionClosed || pos.ExitOrderID != "" || e.exitInFlight[pos.Symbol] {
		e.mu.Unlock()
		return
	}
	pos.State = domain.PositionExitPending
	if pos.ExitReason == "" {
		pos.ExitReason = reason
	}
	e.exitInFlight[pos.Symbol] = true
	e.mu.Unlock()

	e.log.Info("exit requested", zap.String("symbol", pos.Symbol), zap.String("reason", reason))

	order, err := e.backend.PlaceOrder(ctx, &domain.OrderRequest{
		Symbol:     pos.Symbol,
		SecurityID: inst.SecurityID,
		Side:       domain.SideSell,
		Kind:       domain.OrderMarket,
		Quantity:   pos.Quantity,
	})
	if order != nil {
		e.recordOrder(ctx, order)
	}
	if err != nil {
		e.mu.Lock()
		delete(e.exitInFlight, pos.Symbol)
		e.mu.Unlock()
		e.log.Warn("exit order failed, will retry",
			zap.String("symbol", pos.Symbol), zap.Error(err))
		return
	}
	metrics.OrdersPlaced.WithLabelValues(string(domain.SideSell)).Inc()

	e.mu.Lock()
	pos.ExitOrderID = order.ID
	delete(e.exitInFlight, pos.Symbol)
	e.mu.Unlock()

	if order.Status == domain.OrderExecuted {
		e.finalize(ctx, pos, order.AvgFillPrice)
	}
}

// settleExit polls a pending exit order, or re-sends the exit if the last
// placement never produced an order.
func (e *Engine) settleExit(ctx context.Context, pos *domain.Position) {
	e.mu.Lock()
	orderID := pos.ExitOrderID
	reason := pos.ExitReason
	e.mu.Unlock()

	if orderID == "" {
		e.requestExit(ctx, pos, reason)
		return
	}

	order, err := e.backend.OrderStatus(ctx, orderID)
	if err != nil {
		e.log.Warn("exit status check failed", zap.String("symbol", pos.Symbol), zap.Error(err))
		return
	}
	switch order.Status {
	case domain.OrderExecuted:
		e.finalize(ctx, pos, order.AvgFillPrice)
	case domain.OrderRejected, domain.OrderCancelled:
		// Clear the dead order and place a fresh exit next cycle.
		e.mu.Lock()
		pos.ExitOrderID = ""
		e.mu.Unlock()
		e.log.Warn("exit order rejected, retrying",
			zap.String("symbol", pos.Symbol), zap.String("reason", order.Reason))
	}
}

// finalize settles a filled exit: realized PnL, journal entry, feed
// cleanup and the re-entry cooldown anchor.
func (e *Engine) finalize(ctx context.Context, pos *domain.Position, exitPrice float64) {
	e.mu.Lock()
	if pos.State == domain.PositionClosed {
		e.mu.Unlock()
		return
	}
	pos.State = domain.PositionClosed
	pos.ExitPrice = exitPrice
	pos.ExitTime = e.now()
	pos.RealizedPnL = (exitPrice - pos.EntryPrice) * float64(pos.Quantity)
	delete(e.positions, pos.Symbol)
	e.lastExit[pos.Symbol] = pos.ExitTime
	metrics.OpenPositions.Set(float64(len(e.positions)))
	closed := *pos
	e.mu.Unlock()

	metrics.PositionsClosed.WithLabelValues(closed.ExitReason).Inc()
	metrics.RealizedPnL.Add(closed.RealizedPnL)

	e.log.Info("position closed",
		zap.String("symbol", closed.Symbol),
		zap.String("reason", closed.ExitReason),
		zap.Float64("entry", closed.EntryPrice),
		zap.Float64("exit", closed.ExitPrice),
		zap.Float64("pnl", closed.RealizedPnL))

	if err := e.recorder.RecordClosedPosition(ctx, &closed); err != nil {
		e.log.Error("journal write failed", zap.String("symbol", closed.Symbol), zap.Error(err))
	}
	e.feed.Unsubscribe(closed.Symbol)
}

func (e *Engine) recordOrder(ctx context.Context, order *domain.Order) {
	if err := e.recorder.RecordOrder(ctx, order); err != nil {
		e.log.Error("order journal write failed", zap.String("order_id", order.ID), zap.Error(err))
	}
}
