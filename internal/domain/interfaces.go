package domain

import "context"

// BrokerAPI is the raw order/quote surface of the brokerage. Implemented by
// the live REST adapter and by the paper simulator; always consumed through
// the rate-limited gateway, never directly.
type BrokerAPI interface {
	PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (*Order, error)
	Quote(ctx context.Context, symbol string) (*Tick, error)
}

// ExecutionBackend is what the position lifecycle engine talks to. Same
// surface as BrokerAPI plus the idempotency guarantee: a retried PlaceOrder
// carrying the same ClientOrderID yields the original order, not a duplicate.
type ExecutionBackend interface {
	BrokerAPI
}

// InstrumentCatalog resolves human-readable option symbols to catalog
// entries. Lookup returns ErrSymbolNotFound for unknown symbols.
type InstrumentCatalog interface {
	Lookup(symbol string) (*Instrument, error)
}

// FeedSubscriber is the slice of the live feed manager the engine needs:
// register interest when a position opens, drop it when the position closes.
type FeedSubscriber interface {
	Subscribe(symbol string) error
	Unsubscribe(symbol string)
}

// TradeRecorder consumes the structured events the core emits. The core
// keeps no durable state of its own; spreadsheet/chat/database delivery all
// live behind this boundary.
type TradeRecorder interface {
	RecordOrder(ctx context.Context, order *Order) error
	RecordClosedPosition(ctx context.Context, pos *Position) error
}
