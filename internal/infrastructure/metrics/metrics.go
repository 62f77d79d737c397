// Package metrics exposes the bot's Prometheus collectors and the HTTP
// endpoint that serves them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_ticks_received_total",
		Help: "Market ticks ingested from the live feed, per symbol.",
	}, []string{"symbol"})

	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_feed_reconnects_total",
		Help: "Times the websocket feed dropped and was re-established.",
	})

	BrokerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_broker_calls_total",
		Help: "Brokerage API calls by operation and outcome.",
	}, []string{"op", "result"})

	RateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_rate_limit_waits_total",
		Help: "Calls that had to wait for a rate limiter token.",
	}, []string{"op"})

	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_orders_placed_total",
		Help: "Orders submitted by the engine, by side.",
	}, []string{"side"})

	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_positions_closed_total",
		Help: "Positions closed, by exit reason.",
	}, []string{"reason"})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_open_positions",
		Help: "Positions currently open or pending.",
	})

	RealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_realized_pnl",
		Help: "Cumulative realized profit and loss for the session.",
	})
)

// Serve starts the metrics endpoint on addr. It blocks, so callers run it
// in a goroutine; errors other than a clean close should be logged by the
// caller.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
