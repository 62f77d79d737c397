package domain

// Signal is the evaluator's verdict for one symbol on one bar.
type Signal string

const (
	SignalNone      Signal = "NONE"
	SignalEnterCall Signal = "ENTER_CALL"
	SignalEnterPut  Signal = "ENTER_PUT"
)

// IndicatorSnapshot carries the externally computed indicator values for one
// closed bar. The core never computes these; it only compares them.
type IndicatorSnapshot struct {
	RSI         float64
	RSIMA       float64 // moving average of RSI
	ATR         float64
	LongStop    float64 // ATR trailing stop below price
	ShortStop   float64 // ATR trailing stop above price
	FractalHigh float64
	FractalLow  float64
	VWAP        float64
}
