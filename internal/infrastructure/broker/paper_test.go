package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vikrant/options_trade_bot/internal/domain"
)

type stubPrices map[string]float64

func (s stubPrices) Get(symbol string) (domain.Tick, bool) {
	ltp, ok := s[symbol]
	if !ok {
		return domain.Tick{}, false
	}
	return domain.Tick{Symbol: symbol, LTP: ltp, Timestamp: time.Now()}, true
}

func newTestPaper(balance float64, prices stubPrices) *PaperBroker {
	cfg := PaperConfig{
		StartingBalance: balance,
		SlippagePct:     0.001,
		SlippagePoints:  0.5,
		ExecDelay:       0,
		FailureRate:     0,
		Seed:            1,
	}
	return NewPaperBroker(cfg, prices, zap.NewNop())
}

func TestPaperFillIsAdverseAndDeterministic(t *testing.T) {
	p := newTestPaper(50000, stubPrices{"NIFTY25SEP24800CE": 100})

	buy, err := p.PlaceOrder(context.Background(), &domain.OrderRequest{
		ClientOrderID: "c-1",
		Symbol:        "NIFTY25SEP24800CE",
		Side:          domain.SideBuy,
		Kind:          domain.OrderMarket,
		Quantity:      75,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderExecuted, buy.Status)
	assert.InDelta(t, 100.6, buy.AvgFillPrice, 1e-9, "buy fills at ltp*(1+0.1%)+0.5")

	sell, err := p.PlaceOrder(context.Background(), &domain.OrderRequest{
		ClientOrderID: "c-2",
		Symbol:        "NIFTY25SEP24800CE",
		Side:          domain.SideSell,
		Kind:          domain.OrderMarket,
		Quantity:      75,
	})
	require.NoError(t, err)
	assert.InDelta(t, 99.4, sell.AvgFillPrice, 1e-9, "sell fills at ltp*(1-0.1%)-0.5")
}

func TestPaperExecutedAlwaysHasFillPrice(t *testing.T) {
	p := newTestPaper(50000, stubPrices{"X": 42})
	order, err := p.PlaceOrder(context.Background(), &domain.OrderRequest{
		ClientOrderID: "c-1", Symbol: "X", Side: domain.SideBuy, Quantity: 10,
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderExecuted, order.Status)
	assert.Greater(t, order.AvgFillPrice, 0.0)
}

func TestPaperRejectsWhenMarginExhausted(t *testing.T) {
	p := newTestPaper(1000, stubPrices{"X": 100})

	order, err := p.PlaceOrder(context.Background(), &domain.OrderRequest{
		ClientOrderID: "c-1", Symbol: "X", Side: domain.SideBuy, Quantity: 75,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientMargin)
	require.NotNil(t, order)
	assert.Equal(t, domain.OrderRejected, order.Status)
	assert.Equal(t, 1000.0, p.Balance(), "a rejected order must not touch the ledger")
}

func TestPaperStochasticRejection(t *testing.T) {
	cfg := PaperConfig{StartingBalance: 50000, FailureRate: 1, Seed: 1}
	p := NewPaperBroker(cfg, stubPrices{"X": 100}, zap.NewNop())

	order, err := p.PlaceOrder(context.Background(), &domain.OrderRequest{
		ClientOrderID: "c-1", Symbol: "X", Side: domain.SideBuy, Quantity: 1,
	})
	require.ErrorIs(t, err, domain.ErrOrderRejected)
	assert.Equal(t, domain.OrderRejected, order.Status)
}

func TestPaperPlacementIsIdempotentOnClientOrderID(t *testing.T) {
	p := newTestPaper(50000, stubPrices{"X": 100})

	req := &domain.OrderRequest{ClientOrderID: "c-1", Symbol: "X", Side: domain.SideBuy, Quantity: 10}
	first, err := p.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	balanceAfterFirst := p.Balance()

	second, err := p.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "a retried placement must return the original order")
	assert.Equal(t, balanceAfterFirst, p.Balance(), "the ledger must be debited exactly once")
}

func TestPaperLedgerAcrossRoundTrip(t *testing.T) {
	p := newTestPaper(50000, stubPrices{"X": 100})
	ctx := context.Background()

	buy, err := p.PlaceOrder(ctx, &domain.OrderRequest{ClientOrderID: "b", Symbol: "X", Side: domain.SideBuy, Quantity: 75})
	require.NoError(t, err)
	sell, err := p.PlaceOrder(ctx, &domain.OrderRequest{ClientOrderID: "s", Symbol: "X", Side: domain.SideSell, Quantity: 75})
	require.NoError(t, err)

	want := 50000 - buy.AvgFillPrice*75 + sell.AvgFillPrice*75
	assert.InDelta(t, want, p.Balance(), 1e-9)
}

func TestPaperCancelAndStatus(t *testing.T) {
	p := newTestPaper(50000, stubPrices{"X": 100})
	order, err := p.PlaceOrder(context.Background(), &domain.OrderRequest{
		ClientOrderID: "c-1", Symbol: "X", Side: domain.SideBuy, Quantity: 1,
	})
	require.NoError(t, err)

	got, err := p.OrderStatus(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderExecuted, got.Status)

	err = p.CancelOrder(context.Background(), order.ID)
	assert.Error(t, err, "executed orders cannot be cancelled")
}
