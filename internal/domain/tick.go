package domain

import "time"

// Tick is the canonical market data record. The feed manager normalizes the
// wire payload into this shape exactly once, at ingestion; everything
// downstream reads only this type.
type Tick struct {
	Symbol       string    `json:"symbol"`
	LTP          float64   `json:"ltp"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	BidQty       int64     `json:"bid_qty"`
	AskQty       int64     `json:"ask_qty"`
	Volume       int64     `json:"volume"`
	OpenInterest int64     `json:"open_interest"`
	Timestamp    time.Time `json:"timestamp"`
}

// StaleAfter reports whether the tick is older than maxAge at the given
// instant. Staleness is always the reader's judgement; the cache never
// expires entries on its own.
func (t Tick) StaleAfter(now time.Time, maxAge time.Duration) bool {
	return t.Timestamp.IsZero() || now.Sub(t.Timestamp) > maxAge
}
