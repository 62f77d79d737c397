// Package feed maintains the websocket market data connection and keeps
// the tick cache current. It is the only component that writes ticks.
package feed

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vikrant/options_trade_bot/internal/domain"
	"github.com/vikrant/options_trade_bot/internal/infrastructure/metrics"
)

// SubscriptionState tracks where a symbol is in its feed lifecycle.
type SubscriptionState string

const (
	StateUnsubscribed  SubscriptionState = "UNSUBSCRIBED"
	StateSubscribing   SubscriptionState = "SUBSCRIBING"
	StateSubscribed    SubscriptionState = "SUBSCRIBED"
	StateUnsubscribing SubscriptionState = "UNSUBSCRIBING"
	StateDisconnected  SubscriptionState = "DISCONNECTED"
)

// TickSink receives every normalized tick. The tick cache satisfies this.
type TickSink interface {
	Update(tick domain.Tick)
}

// wireMessage is the feed protocol. Requests and responses share the shape.
type wireMessage struct {
	Type       string  `json:"type"` // subscribe, unsubscribe, subscribed, unsubscribed, ticker
	SecurityID string  `json:"security_id"`
	Segment    string  `json:"segment,omitempty"`
	LTP        float64 `json:"ltp,omitempty"`
	Bid        float64 `json:"bid,omitempty"`
	Ask        float64 `json:"ask,omitempty"`
	BidQty     int64   `json:"bid_qty,omitempty"`
	AskQty     int64   `json:"ask_qty,omitempty"`
	Volume     int64   `json:"volume,omitempty"`
	OI         int64   `json:"oi,omitempty"`
	Ts         int64   `json:"ts,omitempty"` // unix millis
}

type subscription struct {
	symbol     string
	securityID string
	state      SubscriptionState
}

// Manager owns the feed connection. Subscribe resolves the trading symbol
// to its security id once, at subscription time, so the hot tick path is a
// single map lookup. On a dropped connection it reconnects with
// exponential backoff and replays every active subscription.
type Manager struct {
	url     string
	catalog domain.InstrumentCatalog
	sink    TickSink
	log     *zap.Logger
	dialer  *websocket.Dialer

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	subs      map[string]*subscription // keyed by symbol
	bySecID   map[string]string        // security id -> symbol
	connected bool
	closed    bool
}

func NewManager(url string, catalog domain.InstrumentCatalog, sink TickSink, log *zap.Logger) *Manager {
	return &Manager{
		url:            url,
		catalog:        catalog,
		sink:           sink,
		log:            log,
		dialer:         websocket.DefaultDialer,
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
		subs:           make(map[string]*subscription),
		bySecID:        make(map[string]string),
	}
}

// Connected reports whether the websocket is currently up. Consumers use
// it to treat cached ticks as explicitly stale while the feed is down.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// State returns the subscription state for a symbol.
func (m *Manager) State(symbol string) SubscriptionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[symbol]
	if !ok {
		return StateUnsubscribed
	}
	return sub.state
}

// Subscribe resolves the symbol and asks the feed for its ticks. Already
// subscribed symbols are a no-op.
func (m *Manager) Subscribe(symbol string) error {
	inst, err := m.catalog.Lookup(symbol)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("feed manager closed")
	}
	if sub, ok := m.subs[symbol]; ok &&
		(sub.state == StateSubscribing || sub.state == StateSubscribed) {
		return nil
	}

	if m.conn == nil {
		if err := m.dialLocked(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrFeedDisconnected, err)
		}
	}

	sub := &subscription{symbol: symbol, securityID: inst.SecurityID, state: StateSubscribing}
	m.subs[symbol] = sub
	m.bySecID[inst.SecurityID] = symbol

	if err := m.conn.WriteJSON(wireMessage{Type: "subscribe", SecurityID: inst.SecurityID, Segment: "NSE_FNO"}); err != nil {
		sub.state = StateDisconnected
		return fmt.Errorf("%w: %v", domain.ErrFeedDisconnected, err)
	}
	m.log.Info("subscribing", zap.String("symbol", symbol), zap.String("security_id", inst.SecurityID))
	return nil
}

// Unsubscribe stops the symbol's ticks. When the last symbol goes, the
// connection is closed rather than kept idle.
func (m *Manager) Unsubscribe(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[symbol]
	if !ok {
		return
	}
	if m.conn != nil && (sub.state == StateSubscribed || sub.state == StateSubscribing) {
		sub.state = StateUnsubscribing
		if err := m.conn.WriteJSON(wireMessage{Type: "unsubscribe", SecurityID: sub.securityID}); err != nil {
			m.log.Warn("unsubscribe write failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	delete(m.subs, symbol)
	delete(m.bySecID, sub.securityID)
	m.log.Info("unsubscribed", zap.String("symbol", symbol))

	if len(m.subs) == 0 && m.conn != nil {
		m.conn.Close()
		m.conn = nil
		m.connected = false
	}
}

// Close tears the connection down and stops any reconnect attempts.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connected = false
}

// dialLocked opens the connection and starts the read loop. Caller holds
// the lock.
func (m *Manager) dialLocked() error {
	conn, _, err := m.dialer.Dial(m.url, nil)
	if err != nil {
		return err
	}
	m.conn = conn
	m.connected = true
	go m.readLoop(conn)
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			m.onDisconnect(conn, err)
			return
		}

		switch msg.Type {
		case "subscribed":
			m.setStateBySecID(msg.SecurityID, StateSubscribed)
		case "unsubscribed":
			// Already removed from the maps on the request side.
		case "ticker":
			m.handleTicker(msg)
		default:
			m.log.Debug("unknown feed message", zap.String("type", msg.Type))
		}
	}
}

func (m *Manager) setStateBySecID(securityID string, state SubscriptionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbol, ok := m.bySecID[securityID]
	if !ok {
		return
	}
	if sub, ok := m.subs[symbol]; ok {
		sub.state = state
	}
}

// handleTicker normalizes the wire message once, here, so every consumer
// reads the same shape from the cache.
func (m *Manager) handleTicker(msg wireMessage) {
	m.mu.Lock()
	symbol, ok := m.bySecID[msg.SecurityID]
	m.mu.Unlock()
	if !ok {
		return
	}

	ts := time.Now()
	if msg.Ts > 0 {
		ts = time.UnixMilli(msg.Ts)
	}
	m.sink.Update(domain.Tick{
		Symbol:       symbol,
		LTP:          msg.LTP,
		Bid:          msg.Bid,
		Ask:          msg.Ask,
		BidQty:       msg.BidQty,
		AskQty:       msg.AskQty,
		Volume:       msg.Volume,
		OpenInterest: msg.OI,
		Timestamp:    ts,
	})
	metrics.TicksReceived.WithLabelValues(symbol).Inc()
}

// onDisconnect marks every subscription stale and kicks off reconnection.
func (m *Manager) onDisconnect(conn *websocket.Conn, err error) {
	conn.Close()

	m.mu.Lock()
	if m.conn != conn {
		// A newer connection already replaced this one.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.connected = false
	if m.closed || len(m.subs) == 0 {
		m.mu.Unlock()
		return
	}
	for _, sub := range m.subs {
		sub.state = StateDisconnected
	}
	m.mu.Unlock()

	m.log.Warn("feed disconnected", zap.Error(err))
	go m.reconnectLoop()
}

func (m *Manager) reconnectLoop() {
	backoff := m.initialBackoff
	for {
		time.Sleep(backoff)

		m.mu.Lock()
		if m.closed || m.conn != nil || len(m.subs) == 0 {
			m.mu.Unlock()
			return
		}
		err := m.dialLocked()
		if err == nil {
			metrics.FeedReconnects.Inc()
			m.resubscribeLocked()
			m.mu.Unlock()
			m.log.Info("feed reconnected")
			return
		}
		m.mu.Unlock()

		m.log.Warn("feed reconnect failed", zap.Duration("next_attempt_in", backoff), zap.Error(err))
		backoff *= 2
		if backoff > m.maxBackoff {
			backoff = m.maxBackoff
		}
	}
}

// resubscribeLocked replays every live subscription on a fresh connection.
// Caller holds the lock.
func (m *Manager) resubscribeLocked() {
	for _, sub := range m.subs {
		sub.state = StateSubscribing
		if err := m.conn.WriteJSON(wireMessage{Type: "subscribe", SecurityID: sub.securityID, Segment: "NSE_FNO"}); err != nil {
			m.log.Warn("resubscribe write failed", zap.String("symbol", sub.symbol), zap.Error(err))
			return
		}
	}
}
