package domain

import "time"

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderKind string

const (
	OrderMarket OrderKind = "MARKET"
	OrderLimit  OrderKind = "LIMIT"
	OrderStop   OrderKind = "STOP"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderExecuted  OrderStatus = "EXECUTED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderExecuted || s == OrderRejected || s == OrderCancelled
}

// OrderRequest is what the engine hands to the execution backend.
// ClientOrderID is the idempotency token: a retried placement with the same
// ClientOrderID must not create a second order at the broker.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	SecurityID    string
	Side          Side
	Kind          OrderKind
	Quantity      int
	Price         float64 // limit price; 0 for market
	TriggerPrice  float64 // stop orders only
}

// Order is a broker-acknowledged order. Owned by the engine until the status
// turns terminal, then archived unchanged.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           Side
	Kind           OrderKind
	Quantity       int
	RequestedPrice float64
	AvgFillPrice   float64
	Status         OrderStatus
	Reason         string // broker-reported rejection reason, if any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
