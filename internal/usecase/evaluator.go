package usecase

import (
	"sync"

	"github.com/vikrant/options_trade_bot/internal/domain"
)

// EvaluatorConfig holds the entry thresholds. The defaults match the
// strategy as traded: calls want strong momentum, puts want the mirror.
type EvaluatorConfig struct {
	CallRSIThreshold float64
	PutRSIThreshold  float64
}

func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{CallRSIThreshold: 60, PutRSIThreshold: 40}
}

// Evaluator turns indicator snapshots into entry signals. The decision is
// a pure function of the current and previous bar; the evaluator only
// remembers the previous snapshot per symbol so it can detect the RSI
// crossing its moving average on this bar rather than on any earlier one.
type Evaluator struct {
	cfg EvaluatorConfig

	mu   sync.Mutex
	prev map[string]domain.IndicatorSnapshot
}

func NewEvaluator(cfg EvaluatorConfig) *Evaluator {
	return &Evaluator{cfg: cfg, prev: make(map[string]domain.IndicatorSnapshot)}
}

// Evaluate consumes one bar for a symbol and returns the entry signal, if
// any. The first bar for a symbol never signals: there is no previous bar
// to cross from.
func (e *Evaluator) Evaluate(symbol string, price float64, snap domain.IndicatorSnapshot) domain.Signal {
	e.mu.Lock()
	prev, seen := e.prev[symbol]
	e.prev[symbol] = snap
	e.mu.Unlock()

	if !seen {
		return domain.SignalNone
	}
	return decide(e.cfg, prev, snap, price)
}

// Reset drops the remembered bar for a symbol, forcing the next Evaluate
// to rebuild history. Used when the feed gaps.
func (e *Evaluator) Reset(symbol string) {
	e.mu.Lock()
	delete(e.prev, symbol)
	e.mu.Unlock()
}

// decide applies the entry conditions. Every condition must hold on the
// current bar; the previous bar exists only to establish the crossing.
func decide(cfg EvaluatorConfig, prev, cur domain.IndicatorSnapshot, price float64) domain.Signal {
	crossedUp := prev.RSI <= prev.RSIMA && cur.RSI > cur.RSIMA
	if crossedUp &&
		cur.RSI > cfg.CallRSIThreshold &&
		price > cur.LongStop &&
		price > cur.FractalHigh &&
		price > cur.VWAP {
		return domain.SignalEnterCall
	}

	crossedDown := prev.RSI >= prev.RSIMA && cur.RSI < cur.RSIMA
	if crossedDown &&
		cur.RSI < cfg.PutRSIThreshold &&
		price < cur.ShortStop &&
		price < cur.FractalLow &&
		price < cur.VWAP {
		return domain.SignalEnterPut
	}

	return domain.SignalNone
}
