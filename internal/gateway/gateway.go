package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vikrant/options_trade_bot/internal/domain"
	"github.com/vikrant/options_trade_bot/internal/infrastructure/metrics"
)

// Limits configures the per-operation-class token buckets. The defaults
// mirror the broker's published ceilings: order calls are generous, quote
// (LTP) calls are the scarce resource.
type Limits struct {
	OrdersPerSec float64
	StatusPerSec float64
	QuotesPerSec float64
	Burst        int
	MaxWait      time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		OrdersPerSec: 25,
		StatusPerSec: 18,
		QuotesPerSec: 1,
		Burst:        1,
		MaxWait:      5 * time.Second,
	}
}

// RetryPolicy bounds the retry loop around one brokerage call.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     8 * time.Second,
	}
}

// Gateway wraps a BrokerAPI with token-bucket throttling and bounded
// retry/backoff. It is the only path to the brokerage; waiting for a token
// is scoped to the single call, never to the engine as a whole.
//
// Idempotency: PlaceOrder stamps a ClientOrderID (uuid) on the request if
// the caller did not, and reuses it verbatim across retries, so a retried
// placement can never create a duplicate order at the backend.
type Gateway struct {
	api     domain.BrokerAPI
	orders  *rate.Limiter
	status  *rate.Limiter
	quotes  *rate.Limiter
	maxWait time.Duration
	retry   RetryPolicy
	log     *zap.Logger
}

func New(api domain.BrokerAPI, limits Limits, retry RetryPolicy, log *zap.Logger) *Gateway {
	if limits.Burst <= 0 {
		limits.Burst = 1
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Gateway{
		api:     api,
		orders:  rate.NewLimiter(rate.Limit(limits.OrdersPerSec), limits.Burst),
		status:  rate.NewLimiter(rate.Limit(limits.StatusPerSec), limits.Burst),
		quotes:  rate.NewLimiter(rate.Limit(limits.QuotesPerSec), limits.Burst),
		maxWait: limits.MaxWait,
		retry:   retry,
		log:     log,
	}
}

func (g *Gateway) acquire(ctx context.Context, lim *rate.Limiter, op string) error {
	if lim.Allow() {
		return nil
	}
	metrics.RateLimitWaits.WithLabelValues(op).Inc()
	wctx := ctx
	cancel := func() {}
	if g.maxWait > 0 {
		wctx, cancel = context.WithTimeout(ctx, g.maxWait)
	}
	defer cancel()

	start := time.Now()
	err := lim.Wait(wctx)
	if err == nil {
		g.log.Debug("rate limit wait", zap.String("op", op), zap.Duration("waited", time.Since(start)))
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s waited %s", domain.ErrRateLimitExceeded, op, time.Since(start).Round(time.Millisecond))
}

// permanent errors are not worth retrying: the broker heard us and said no.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrOrderRejected) ||
		errors.Is(err, domain.ErrInsufficientMargin) ||
		errors.Is(err, domain.ErrMarketClosed) ||
		errors.Is(err, domain.ErrSymbolNotFound) ||
		errors.Is(err, context.Canceled)
}

func (g *Gateway) backoff(ctx context.Context, attempt int, err error) error {
	delay := g.retry.InitialDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	// Back off twice as long when the broker itself is throttling us.
	if errors.Is(err, domain.ErrRateLimitExceeded) {
		delay *= 2
	}
	if g.retry.MaxDelay > 0 && delay > g.retry.MaxDelay {
		delay = g.retry.MaxDelay
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (g *Gateway) PlaceOrder(ctx context.Context, req *domain.OrderRequest) (*domain.Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	var lastErr error
	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		if err := g.acquire(ctx, g.orders, "place_order"); err != nil {
			return nil, err
		}
		order, err := g.api.PlaceOrder(ctx, req)
		if err == nil {
			if attempt > 0 {
				g.log.Info("place order succeeded on retry",
					zap.String("symbol", req.Symbol),
					zap.String("client_order_id", req.ClientOrderID),
					zap.Int("attempt", attempt+1))
			}
			metrics.BrokerCalls.WithLabelValues("place_order", "ok").Inc()
			return order, nil
		}
		if permanent(err) {
			metrics.BrokerCalls.WithLabelValues("place_order", "rejected").Inc()
			return order, err
		}
		lastErr = err
		g.log.Warn("place order attempt failed",
			zap.String("symbol", req.Symbol),
			zap.String("client_order_id", req.ClientOrderID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if attempt < g.retry.MaxAttempts-1 {
			if err := g.backoff(ctx, attempt, err); err != nil {
				return nil, err
			}
		}
	}
	metrics.BrokerCalls.WithLabelValues("place_order", "failed").Inc()
	return nil, fmt.Errorf("%w: place order %s after %d attempts: %v",
		domain.ErrCallFailed, req.Symbol, g.retry.MaxAttempts, lastErr)
}

func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	var lastErr error
	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		if err := g.acquire(ctx, g.orders, "cancel_order"); err != nil {
			return err
		}
		err := g.api.CancelOrder(ctx, orderID)
		if err == nil {
			metrics.BrokerCalls.WithLabelValues("cancel_order", "ok").Inc()
			return nil
		}
		if permanent(err) {
			return err
		}
		lastErr = err
		if attempt < g.retry.MaxAttempts-1 {
			if err := g.backoff(ctx, attempt, err); err != nil {
				return err
			}
		}
	}
	metrics.BrokerCalls.WithLabelValues("cancel_order", "failed").Inc()
	return fmt.Errorf("%w: cancel order %s after %d attempts: %v",
		domain.ErrCallFailed, orderID, g.retry.MaxAttempts, lastErr)
}

func (g *Gateway) OrderStatus(ctx context.Context, orderID string) (*domain.Order, error) {
	var lastErr error
	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		if err := g.acquire(ctx, g.status, "order_status"); err != nil {
			return nil, err
		}
		order, err := g.api.OrderStatus(ctx, orderID)
		if err == nil {
			metrics.BrokerCalls.WithLabelValues("order_status", "ok").Inc()
			return order, nil
		}
		if permanent(err) {
			return nil, err
		}
		lastErr = err
		if attempt < g.retry.MaxAttempts-1 {
			if err := g.backoff(ctx, attempt, err); err != nil {
				return nil, err
			}
		}
	}
	metrics.BrokerCalls.WithLabelValues("order_status", "failed").Inc()
	return nil, fmt.Errorf("%w: order status %s after %d attempts: %v",
		domain.ErrCallFailed, orderID, g.retry.MaxAttempts, lastErr)
}

func (g *Gateway) Quote(ctx context.Context, symbol string) (*domain.Tick, error) {
	var lastErr error
	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		if err := g.acquire(ctx, g.quotes, "get_quote"); err != nil {
			return nil, err
		}
		tick, err := g.api.Quote(ctx, symbol)
		if err == nil {
			metrics.BrokerCalls.WithLabelValues("get_quote", "ok").Inc()
			return tick, nil
		}
		if permanent(err) {
			return nil, err
		}
		lastErr = err
		if attempt < g.retry.MaxAttempts-1 {
			if err := g.backoff(ctx, attempt, err); err != nil {
				return nil, err
			}
		}
	}
	metrics.BrokerCalls.WithLabelValues("get_quote", "failed").Inc()
	return nil, fmt.Errorf("%w: quote %s after %d attempts: %v",
		domain.ErrCallFailed, symbol, g.retry.MaxAttempts, lastErr)
}
