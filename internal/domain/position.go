package domain

import "time"

// PositionState is the lifecycle state the engine drives a position through.
// A position never moves backwards: once EXIT_PENDING it can only stay there
// or reach CLOSED.
type PositionState string

const (
	PositionEntryPending PositionState = "ENTRY_PENDING"
	PositionOpen         PositionState = "OPEN"
	PositionExitPending  PositionState = "EXIT_PENDING"
	PositionClosed       PositionState = "CLOSED"
)

// Position is one long option position. The lifecycle engine is the sole
// owner and sole mutator; a closed position is never reopened. Re-entry
// creates a new Position with a new ID.
type Position struct {
	ID          string
	Symbol      string
	Type        OptionType
	Quantity    int
	EntryPrice  float64
	Stop        float64 // current trailing stop; only ever tightens
	Target      float64
	State       PositionState
	EntryTime   time.Time
	MaxHoldTime time.Time // time-based exit deadline
	ExitTime    time.Time
	ExitPrice   float64
	RealizedPnL float64
	ExitReason  string

	EntryOrderID string
	ExitOrderID  string
}

// UnrealizedPnL against the given last price. Valid only while OPEN or
// EXIT_PENDING.
func (p *Position) UnrealizedPnL(ltp float64) float64 {
	return (ltp - p.EntryPrice) * float64(p.Quantity)
}
