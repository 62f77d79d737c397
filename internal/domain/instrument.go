package domain

import "time"

// OptionType distinguishes call (CE) and put (PE) contracts.
type OptionType string

const (
	OptionCE OptionType = "CE"
	OptionPE OptionType = "PE"
)

// Instrument describes one tradable option contract from the broker catalog.
// Immutable once loaded; the SecurityID is what the streaming feed and the
// order API actually key on.
type Instrument struct {
	Symbol     string     `json:"symbol"` // e.g. "NIFTY 28 OCT 25000 CE"
	SecurityID string     `json:"security_id"`
	Underlying string     `json:"underlying"`
	Expiry     time.Time  `json:"expiry"`
	Strike     float64    `json:"strike"`
	Type       OptionType `json:"type"`
	LotSize    int        `json:"lot_size"`
}
