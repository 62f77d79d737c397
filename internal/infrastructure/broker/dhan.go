// Package broker contains the brokerage backends: the live Dhan REST
// adapter and the paper simulator. Both implement domain.BrokerAPI and are
// always used through the call gateway.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vikrant/options_trade_bot/internal/domain"
)

const DhanBaseURL = "https://api.dhan.co/v2"

type DhanAdapter struct {
	clientID    string
	accessToken string
	baseURL     string
	catalog     domain.InstrumentCatalog
	client      *http.Client
}

func NewDhanAdapter(clientID, accessToken, baseURL string, catalog domain.InstrumentCatalog) *DhanAdapter {
	if baseURL == "" {
		baseURL = DhanBaseURL
	}
	return &DhanAdapter{
		clientID:    clientID,
		accessToken: accessToken,
		baseURL:     baseURL,
		catalog:     catalog,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DhanAdapter) sendRequest(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("access-token", d.accessToken)
	req.Header.Set("client-id", d.clientID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s", domain.ErrRateLimitExceeded, string(respBody))
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
		}
		_ = json.Unmarshal(respBody, &apiErr)
		if apiErr.ErrorMessage != "" {
			return nil, fmt.Errorf("dhan api error %s: %s", apiErr.ErrorCode, apiErr.ErrorMessage)
		}
		return nil, fmt.Errorf("dhan api error: %s", string(respBody))
	}

	return respBody, nil
}

func mapOrderStatus(s string) domain.OrderStatus {
	switch strings.ToUpper(s) {
	case "TRADED":
		return domain.OrderExecuted
	case "REJECTED":
		return domain.OrderRejected
	case "CANCELLED":
		return domain.OrderCancelled
	default:
		// TRANSIT, PENDING, PART_TRADED all mean the broker is still working.
		return domain.OrderPending
	}
}

func mapOrderKind(k domain.OrderKind) string {
	switch k {
	case domain.OrderLimit:
		return "LIMIT"
	case domain.OrderStop:
		return "STOP_LOSS"
	default:
		return "MARKET"
	}
}

func (d *DhanAdapter) PlaceOrder(ctx context.Context, req *domain.OrderRequest) (*domain.Order, error) {
	payload := map[string]interface{}{
		"dhanClientId":    d.clientID,
		"correlationId":   req.ClientOrderID,
		"transactionType": string(req.Side),
		"exchangeSegment": "NSE_FNO",
		"productType":     "INTRADAY",
		"orderType":       mapOrderKind(req.Kind),
		"validity":        "DAY",
		"securityId":      req.SecurityID,
		"quantity":        req.Quantity,
	}
	if req.Kind == domain.OrderLimit {
		payload["price"] = req.Price
	}
	if req.Kind == domain.OrderStop {
		payload["triggerPrice"] = req.TriggerPrice
	}

	resp, err := d.sendRequest(ctx, "POST", "/orders", payload)
	if err != nil {
		return nil, err
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderStatus string `json:"orderStatus"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}

	now := time.Now()
	order := &domain.Order{
		ID:             result.OrderID,
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Kind:           req.Kind,
		Quantity:       req.Quantity,
		RequestedPrice: req.Price,
		Status:         mapOrderStatus(result.OrderStatus),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if order.Status == domain.OrderRejected {
		return order, fmt.Errorf("%w: %s", domain.ErrOrderRejected, result.OrderStatus)
	}
	if order.Status == domain.OrderExecuted {
		// The placement response carries no fill price. Fetch it before
		// reporting the order executed; a zero fill would poison the stop
		// and target math downstream.
		full, err := d.OrderStatus(ctx, order.ID)
		if err != nil || full.AvgFillPrice <= 0 {
			order.Status = domain.OrderPending
			return order, nil
		}
		order.AvgFillPrice = full.AvgFillPrice
		order.UpdatedAt = full.UpdatedAt
	}
	return order, nil
}

func (d *DhanAdapter) CancelOrder(ctx context.Context, orderID string) error {
	_, err := d.sendRequest(ctx, "DELETE", "/orders/"+orderID, nil)
	return err
}

func (d *DhanAdapter) OrderStatus(ctx context.Context, orderID string) (*domain.Order, error) {
	resp, err := d.sendRequest(ctx, "GET", "/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		OrderID             string  `json:"orderId"`
		CorrelationID       string  `json:"correlationId"`
		OrderStatus         string  `json:"orderStatus"`
		TransactionType     string  `json:"transactionType"`
		TradingSymbol       string  `json:"tradingSymbol"`
		Quantity            int     `json:"quantity"`
		Price               float64 `json:"price"`
		AverageTradedPrice  float64 `json:"averageTradedPrice"`
		OmsErrorDescription string  `json:"omsErrorDescription"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}

	return &domain.Order{
		ID:             result.OrderID,
		ClientOrderID:  result.CorrelationID,
		Symbol:         result.TradingSymbol,
		Side:           domain.Side(result.TransactionType),
		Quantity:       result.Quantity,
		RequestedPrice: result.Price,
		AvgFillPrice:   result.AverageTradedPrice,
		Status:         mapOrderStatus(result.OrderStatus),
		Reason:         result.OmsErrorDescription,
		UpdatedAt:      time.Now(),
	}, nil
}

func (d *DhanAdapter) Quote(ctx context.Context, symbol string) (*domain.Tick, error) {
	inst, err := d.catalog.Lookup(symbol)
	if err != nil {
		return nil, err
	}

	payload := map[string][]string{"NSE_FNO": {inst.SecurityID}}
	resp, err := d.sendRequest(ctx, "POST", "/marketfeed/ltp", payload)
	if err != nil {
		return nil, err
	}

	var result struct {
		Data map[string]map[string]struct {
			LastPrice float64 `json:"last_price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}

	seg, ok := result.Data["NSE_FNO"]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSymbolNotFound, symbol)
	}
	q, ok := seg[inst.SecurityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSymbolNotFound, symbol)
	}

	return &domain.Tick{
		Symbol:    symbol,
		LTP:       q.LastPrice,
		Timestamp: time.Now(),
	}, nil
}
