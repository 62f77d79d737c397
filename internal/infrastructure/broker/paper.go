package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vikrant/options_trade_bot/internal/domain"
)

// PriceSource supplies the last known market state for a symbol. The tick
// cache satisfies this.
type PriceSource interface {
	Get(symbol string) (domain.Tick, bool)
}

// PaperConfig tunes the simulated fill model.
type PaperConfig struct {
	StartingBalance float64
	SlippagePct     float64 // fraction, 0.001 = 0.1%
	SlippagePoints  float64
	ExecDelay       time.Duration
	FailureRate     float64 // probability a placement is rejected outright
	Seed            int64
}

func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		StartingBalance: 50000,
		SlippagePct:     0.001,
		SlippagePoints:  0.5,
		ExecDelay:       500 * time.Millisecond,
		FailureRate:     0.02,
	}
}

// PaperBroker simulates order execution against live cached prices. Fills
// are always adverse to the trader: buys fill above the last price, sells
// below. A placement that returns EXECUTED always carries a concrete fill
// price.
type PaperBroker struct {
	cfg    PaperConfig
	prices PriceSource
	log    *zap.Logger

	mu       sync.Mutex
	balance  float64
	orders   map[string]*domain.Order // by order ID
	byClient map[string]*domain.Order // by ClientOrderID, for idempotent retries
	rng      *rand.Rand
}

func NewPaperBroker(cfg PaperConfig, prices PriceSource, log *zap.Logger) *PaperBroker {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &PaperBroker{
		cfg:      cfg,
		prices:   prices,
		log:      log,
		balance:  cfg.StartingBalance,
		orders:   make(map[string]*domain.Order),
		byClient: make(map[string]*domain.Order),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Balance returns the remaining simulated cash.
func (p *PaperBroker) Balance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// fillPrice applies the adverse slippage model to the last traded price.
func (p *PaperBroker) fillPrice(side domain.Side, ltp float64) float64 {
	if side == domain.SideBuy {
		return ltp*(1+p.cfg.SlippagePct) + p.cfg.SlippagePoints
	}
	return ltp*(1-p.cfg.SlippagePct) - p.cfg.SlippagePoints
}

func (p *PaperBroker) PlaceOrder(ctx context.Context, req *domain.OrderRequest) (*domain.Order, error) {
	p.mu.Lock()
	if req.ClientOrderID != "" {
		if prev, ok := p.byClient[req.ClientOrderID]; ok {
			order := *prev
			p.mu.Unlock()
			return &order, nil
		}
	}
	p.mu.Unlock()

	if p.cfg.ExecDelay > 0 {
		t := time.NewTimer(p.cfg.ExecDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Re-check after the delay: a retry may have raced us here.
	if req.ClientOrderID != "" {
		if prev, ok := p.byClient[req.ClientOrderID]; ok {
			order := *prev
			return &order, nil
		}
	}

	now := time.Now()
	order := &domain.Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Kind:          req.Kind,
		Quantity:      req.Quantity,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	reject := func(reason string, sentinel error) (*domain.Order, error) {
		order.Status = domain.OrderRejected
		order.Reason = reason
		p.remember(order)
		return order, fmt.Errorf("%w: %s", sentinel, reason)
	}

	if p.cfg.FailureRate > 0 && p.rng.Float64() < p.cfg.FailureRate {
		return reject("simulated exchange rejection", domain.ErrOrderRejected)
	}

	tick, ok := p.prices.Get(req.Symbol)
	if !ok {
		return reject("no market price for "+req.Symbol, domain.ErrOrderRejected)
	}

	fill := p.fillPrice(req.Side, tick.LTP)
	if fill < 0 {
		fill = 0
	}

	if req.Side == domain.SideBuy {
		cost := fill * float64(req.Quantity)
		if cost > p.balance {
			return reject(fmt.Sprintf("cost %.2f exceeds balance %.2f", cost, p.balance), domain.ErrInsufficientMargin)
		}
		p.balance -= cost
	} else {
		p.balance += fill * float64(req.Quantity)
	}

	order.Status = domain.OrderExecuted
	order.AvgFillPrice = fill
	order.RequestedPrice = tick.LTP
	p.remember(order)

	p.log.Info("paper fill",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int("qty", req.Quantity),
		zap.Float64("ltp", tick.LTP),
		zap.Float64("fill", fill),
		zap.Float64("balance", p.balance))

	out := *order
	return &out, nil
}

// remember stores the order under both keys. Caller holds the lock.
func (p *PaperBroker) remember(order *domain.Order) {
	p.orders[order.ID] = order
	if order.ClientOrderID != "" {
		p.byClient[order.ClientOrderID] = order
	}
}

func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("cancel: unknown order %s", orderID)
	}
	if order.Status.Terminal() {
		return fmt.Errorf("cancel: order %s already %s", orderID, order.Status)
	}
	order.Status = domain.OrderCancelled
	order.UpdatedAt = time.Now()
	return nil
}

func (p *PaperBroker) OrderStatus(ctx context.Context, orderID string) (*domain.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("status: unknown order %s", orderID)
	}
	out := *order
	return &out, nil
}

func (p *PaperBroker) Quote(ctx context.Context, symbol string) (*domain.Tick, error) {
	tick, ok := p.prices.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSymbolNotFound, symbol)
	}
	return &tick, nil
}
