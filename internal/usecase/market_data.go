package usecase

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vikrant/options_trade_bot/internal/domain"
)

// Candle is one aggregated bar of ticks.
type Candle struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

type MarketDataConfig struct {
	BarInterval    time.Duration
	RSIPeriod      int
	RSIMAPeriod    int
	ATRPeriod      int
	StopMultiplier float64
	MaxBars        int
}

func DefaultMarketDataConfig() MarketDataConfig {
	return MarketDataConfig{
		BarInterval:    time.Minute,
		RSIPeriod:      14,
		RSIMAPeriod:    9,
		ATRPeriod:      14,
		StopMultiplier: 3,
		MaxBars:        500,
	}
}

// BarHandler receives the closing price and indicator snapshot of every
// completed bar.
type BarHandler func(symbol string, price float64, snap domain.IndicatorSnapshot)

// MarketData aggregates raw ticks into fixed-interval bars and derives the
// indicator snapshot the evaluator consumes. Handlers fire on bar close,
// once enough history exists to make every indicator meaningful.
type MarketData struct {
	cfg MarketDataConfig
	log *zap.Logger

	mu       sync.Mutex
	bars     map[string][]Candle
	current  map[string]*Candle
	lastVol  map[string]int64 // day-cumulative volume at last tick
	rsiHist  map[string][]float64
	vwapPV   map[string]float64
	vwapVol  map[string]float64
	vwapDay  map[string]string
	handlers []BarHandler
}

func NewMarketData(cfg MarketDataConfig, log *zap.Logger) *MarketData {
	return &MarketData{
		cfg:     cfg,
		log:     log,
		bars:    make(map[string][]Candle),
		current: make(map[string]*Candle),
		lastVol: make(map[string]int64),
		rsiHist: make(map[string][]float64),
		vwapPV:  make(map[string]float64),
		vwapVol: make(map[string]float64),
		vwapDay: make(map[string]string),
	}
}

// OnBarClose registers a handler. Register before ticks start flowing.
func (m *MarketData) OnBarClose(fn BarHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Bars returns a copy of the completed bars for a symbol.
func (m *MarketData) Bars(symbol string) []Candle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Candle, len(m.bars[symbol]))
	copy(out, m.bars[symbol])
	return out
}

// OnTick folds one tick into the current bar, closing bars on interval
// boundaries.
func (m *MarketData) OnTick(tick domain.Tick) {
	m.mu.Lock()

	start := tick.Timestamp.Truncate(m.cfg.BarInterval)
	cur := m.current[tick.Symbol]

	// Tick volume arrives day-cumulative; the bar wants the delta. The
	// first tick for a symbol only establishes the baseline, otherwise the
	// whole day-to-date counter would land in one bar.
	last, seen := m.lastVol[tick.Symbol]
	volDelta := tick.Volume - last
	if !seen || volDelta < 0 {
		volDelta = 0 // first observation, or new session counter reset
	}
	m.lastVol[tick.Symbol] = tick.Volume

	var closed *Candle
	if cur != nil && start.After(cur.Start) {
		done := *cur
		closed = &done
		m.appendBarLocked(tick.Symbol, done)
		cur = nil
	}
	if cur == nil {
		cur = &Candle{Start: start, Open: tick.LTP, High: tick.LTP, Low: tick.LTP}
		m.current[tick.Symbol] = cur
	}

	cur.Close = tick.LTP
	cur.Volume += volDelta
	if tick.LTP > cur.High {
		cur.High = tick.LTP
	}
	if tick.LTP < cur.Low {
		cur.Low = tick.LTP
	}

	var snap domain.IndicatorSnapshot
	var ready bool
	var handlers []BarHandler
	if closed != nil {
		m.updateVWAPLocked(tick.Symbol, *closed)
		snap, ready = m.snapshotLocked(tick.Symbol)
		handlers = m.handlers
	}
	var price float64
	if closed != nil {
		price = closed.Close
	}
	m.mu.Unlock()

	if closed != nil && ready {
		for _, fn := range handlers {
			fn(tick.Symbol, price, snap)
		}
	}
}

func (m *MarketData) appendBarLocked(symbol string, bar Candle) {
	m.bars[symbol] = append(m.bars[symbol], bar)
	if len(m.bars[symbol]) > m.cfg.MaxBars {
		m.bars[symbol] = m.bars[symbol][len(m.bars[symbol])-m.cfg.MaxBars:]
	}
	if rsi, ok := wilderRSI(m.closesLocked(symbol), m.cfg.RSIPeriod); ok {
		m.rsiHist[symbol] = append(m.rsiHist[symbol], rsi)
		if len(m.rsiHist[symbol]) > m.cfg.MaxBars {
			m.rsiHist[symbol] = m.rsiHist[symbol][len(m.rsiHist[symbol])-m.cfg.MaxBars:]
		}
	}
}

func (m *MarketData) closesLocked(symbol string) []float64 {
	bars := m.bars[symbol]
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return closes
}

// updateVWAPLocked folds a closed bar into the session VWAP, resetting on
// a new trading date.
func (m *MarketData) updateVWAPLocked(symbol string, bar Candle) {
	day := bar.Start.Format("2006-01-02")
	if m.vwapDay[symbol] != day {
		m.vwapDay[symbol] = day
		m.vwapPV[symbol] = 0
		m.vwapVol[symbol] = 0
	}
	typical := (bar.High + bar.Low + bar.Close) / 3
	m.vwapPV[symbol] += typical * float64(bar.Volume)
	m.vwapVol[symbol] += float64(bar.Volume)
}

// snapshotLocked derives the full indicator set from bar history. Returns
// ready=false until every indicator has enough bars behind it.
func (m *MarketData) snapshotLocked(symbol string) (domain.IndicatorSnapshot, bool) {
	bars := m.bars[symbol]
	rsis := m.rsiHist[symbol]
	if len(bars) < m.cfg.ATRPeriod+1 || len(rsis) < m.cfg.RSIMAPeriod {
		return domain.IndicatorSnapshot{}, false
	}

	atr, ok := wilderATR(bars, m.cfg.ATRPeriod)
	if !ok {
		return domain.IndicatorSnapshot{}, false
	}

	snap := domain.IndicatorSnapshot{
		RSI:   rsis[len(rsis)-1],
		RSIMA: sma(rsis, m.cfg.RSIMAPeriod),
		ATR:   atr,
	}

	hh, ll := extremes(bars, m.cfg.ATRPeriod)
	snap.LongStop = hh - atr*m.cfg.StopMultiplier
	snap.ShortStop = ll + atr*m.cfg.StopMultiplier
	fh, fl, hasHigh, hasLow := lastFractals(bars)
	if hasHigh {
		snap.FractalHigh = fh
	}
	if hasLow {
		snap.FractalLow = fl
	}

	if m.vwapVol[symbol] > 0 {
		snap.VWAP = m.vwapPV[symbol] / m.vwapVol[symbol]
	} else {
		snap.VWAP = bars[len(bars)-1].Close
	}
	return snap, true
}

// wilderRSI computes the smoothed RSI over the full close series.
func wilderRSI(closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 0, false
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// wilderATR computes the smoothed average true range.
func wilderATR(bars []Candle, period int) (float64, bool) {
	if len(bars) < period+1 {
		return 0, false
	}
	trueRange := func(i int) float64 {
		tr := bars[i].High - bars[i].Low
		if hc := abs(bars[i].High - bars[i-1].Close); hc > tr {
			tr = hc
		}
		if lc := abs(bars[i].Low - bars[i-1].Close); lc > tr {
			tr = lc
		}
		return tr
	}
	var sum float64
	for i := 1; i <= period; i++ {
		sum += trueRange(i)
	}
	atr := sum / float64(period)
	for i := period + 1; i < len(bars); i++ {
		atr = (atr*float64(period-1) + trueRange(i)) / float64(period)
	}
	return atr, true
}

func sma(vals []float64, period int) float64 {
	if len(vals) < period {
		period = len(vals)
	}
	var sum float64
	for _, v := range vals[len(vals)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// extremes returns the highest high and lowest low of the trailing window.
func extremes(bars []Candle, window int) (float64, float64) {
	if len(bars) < window {
		window = len(bars)
	}
	tail := bars[len(bars)-window:]
	hh, ll := tail[0].High, tail[0].Low
	for _, b := range tail[1:] {
		if b.High > hh {
			hh = b.High
		}
		if b.Low < ll {
			ll = b.Low
		}
	}
	return hh, ll
}

// lastFractals finds the most recent confirmed 5-bar fractal high and low.
// A fractal needs two completed bars on each side, so the newest possible
// pivot is three bars back. The ok flags report whether a pivot exists at
// all; the values themselves carry no sentinel meaning.
func lastFractals(bars []Candle) (high, low float64, hasHigh, hasLow bool) {
	for i := len(bars) - 3; i >= 2; i-- {
		if !hasHigh &&
			bars[i].High > bars[i-1].High && bars[i].High > bars[i-2].High &&
			bars[i].High > bars[i+1].High && bars[i].High > bars[i+2].High {
			high, hasHigh = bars[i].High, true
		}
		if !hasLow &&
			bars[i].Low < bars[i-1].Low && bars[i].Low < bars[i-2].Low &&
			bars[i].Low < bars[i+1].Low && bars[i].Low < bars[i+2].Low {
			low, hasLow = bars[i].Low, true
		}
		if hasHigh && hasLow {
			return high, low, hasHigh, hasLow
		}
	}
	return high, low, hasHigh, hasLow
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
