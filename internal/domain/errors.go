package domain

import "errors"

// Error taxonomy. Everything here degrades to "try again next cycle" except
// configuration problems caught at startup.
var (
	// ErrSymbolNotFound: the instrument catalog has no entry for the symbol.
	// Fatal to the single subscribe/evaluate call only.
	ErrSymbolNotFound = errors.New("symbol not found in instrument catalog")

	// ErrRateLimitExceeded: a token could not be acquired within the
	// configured maximum wait.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrCallFailed: all retry attempts against the broker were exhausted.
	// Wraps the last underlying error.
	ErrCallFailed = errors.New("broker call failed")

	// ErrOrderRejected: the broker accepted the call but refused the order
	// (insufficient margin, halted instrument, market closed).
	ErrOrderRejected = errors.New("order rejected")

	// ErrInsufficientMargin is a specific rejection: the account cannot
	// cover the order. The paper backend rejects rather than letting the
	// ledger go negative.
	ErrInsufficientMargin = errors.New("insufficient margin")

	// ErrFeedDisconnected: the streaming feed is down; the manager is
	// reconnecting in the background and readers should treat cached ticks
	// as stale.
	ErrFeedDisconnected = errors.New("feed disconnected")

	// ErrMarketClosed is a broker-reported rejection outside trading hours.
	ErrMarketClosed = errors.New("market closed")
)
