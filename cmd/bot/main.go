package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vikrant/options_trade_bot/internal/domain"
	"github.com/vikrant/options_trade_bot/internal/gateway"
	"github.com/vikrant/options_trade_bot/internal/infrastructure/broker"
	"github.com/vikrant/options_trade_bot/internal/infrastructure/catalog"
	"github.com/vikrant/options_trade_bot/internal/infrastructure/feed"
	"github.com/vikrant/options_trade_bot/internal/infrastructure/logger"
	"github.com/vikrant/options_trade_bot/internal/infrastructure/metrics"
	"github.com/vikrant/options_trade_bot/internal/infrastructure/storage"
	"github.com/vikrant/options_trade_bot/internal/usecase"
)

type Config struct {
	Mode string `yaml:"mode"` // "paper" or "live"

	Broker struct {
		RESTEndpoint string `yaml:"rest_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
	} `yaml:"broker"`

	Instruments struct {
		MasterFile string   `yaml:"master_file"`
		Watchlist  []string `yaml:"watchlist"`
	} `yaml:"instruments"`

	Gateway struct {
		OrdersPerSec   float64 `yaml:"orders_per_sec"`
		StatusPerSec   float64 `yaml:"status_per_sec"`
		QuotesPerSec   float64 `yaml:"quotes_per_sec"`
		Burst          int     `yaml:"burst"`
		MaxWaitMs      int     `yaml:"max_wait_ms"`
		MaxAttempts    int     `yaml:"max_attempts"`
		InitialDelayMs int     `yaml:"initial_delay_ms"`
		MaxDelayMs     int     `yaml:"max_delay_ms"`
	} `yaml:"gateway"`

	Engine struct {
		Lots               int     `yaml:"lots"`
		ATRMultiplier      float64 `yaml:"atr_multiplier"`
		RiskReward         float64 `yaml:"risk_reward"`
		MaxHoldMinutes     int     `yaml:"max_hold_minutes"`
		MonitorIntervalSec int     `yaml:"monitor_interval_sec"`
		DailyOrderLimit    int     `yaml:"daily_order_limit"`
		MaxConcurrent      int     `yaml:"max_concurrent"`
		ReentryCooldownMin int     `yaml:"reentry_cooldown_minutes"`
		TickStaleSec       int     `yaml:"tick_stale_sec"`
	} `yaml:"engine"`

	Evaluator struct {
		CallRSIThreshold float64 `yaml:"call_rsi_threshold"`
		PutRSIThreshold  float64 `yaml:"put_rsi_threshold"`
	} `yaml:"evaluator"`

	MarketData struct {
		BarIntervalSec int `yaml:"bar_interval_sec"`
		RSIPeriod      int `yaml:"rsi_period"`
		RSIMAPeriod    int `yaml:"rsi_ma_period"`
		ATRPeriod      int `yaml:"atr_period"`
	} `yaml:"market_data"`

	Paper struct {
		StartingBalance float64 `yaml:"starting_balance"`
		SlippagePct     float64 `yaml:"slippage_pct"`
		SlippagePoints  float64 `yaml:"slippage_points"`
		ExecDelayMs     int     `yaml:"exec_delay_ms"`
		FailureRate     float64 `yaml:"failure_rate"`
	} `yaml:"paper"`

	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	DrainTimeoutSec int `yaml:"drain_timeout_sec"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// tickFan delivers every feed tick to the cache and the bar builder.
type tickFan struct {
	cache *usecase.TickCache
	md    *usecase.MarketData
}

func (t *tickFan) Update(tick domain.Tick) {
	t.cache.Update(tick)
	t.md.OnTick(tick)
}

func main() {
	// Credentials come from the environment, config from yaml.
	_ = godotenv.Load()

	path := "config/config.yaml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := loadConfig(path)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 1. Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 2. Trade journal
	journalPath := cfg.Journal.Path
	if journalPath == "" {
		journalPath = "journal.db"
	}
	store, err := storage.NewSQLiteStore(journalPath)
	if err != nil {
		log.Fatal("Failed to init journal", zap.Error(err))
	}
	defer store.Close()

	// 3. Instrument catalog
	cat, err := catalog.LoadCSV(cfg.Instruments.MasterFile)
	if err != nil {
		log.Fatal("Failed to load instrument master", zap.Error(err))
	}
	log.Info("instrument master loaded", zap.Int("instruments", cat.Size()))

	// 4. Market data pipeline
	cache := usecase.NewTickCache()
	mdCfg := usecase.DefaultMarketDataConfig()
	if cfg.MarketData.BarIntervalSec > 0 {
		mdCfg.BarInterval = time.Duration(cfg.MarketData.BarIntervalSec) * time.Second
	}
	if cfg.MarketData.RSIPeriod > 0 {
		mdCfg.RSIPeriod = cfg.MarketData.RSIPeriod
	}
	if cfg.MarketData.RSIMAPeriod > 0 {
		mdCfg.RSIMAPeriod = cfg.MarketData.RSIMAPeriod
	}
	if cfg.MarketData.ATRPeriod > 0 {
		mdCfg.ATRPeriod = cfg.MarketData.ATRPeriod
	}
	if cfg.Engine.ATRMultiplier > 0 {
		mdCfg.StopMultiplier = cfg.Engine.ATRMultiplier
	}
	md := usecase.NewMarketData(mdCfg, log)

	feedMgr := feed.NewManager(cfg.Broker.WSEndpoint, cat, &tickFan{cache: cache, md: md}, log)
	defer feedMgr.Close()

	// 5. Execution backend
	var api domain.BrokerAPI
	if cfg.Mode == "live" {
		clientID := os.Getenv("DHAN_CLIENT_ID")
		accessToken := os.Getenv("DHAN_ACCESS_TOKEN")
		if clientID == "" || accessToken == "" {
			log.Fatal("live mode needs DHAN_CLIENT_ID and DHAN_ACCESS_TOKEN")
		}
		api = broker.NewDhanAdapter(clientID, accessToken, cfg.Broker.RESTEndpoint, cat)
		log.Info("live execution backend")
	} else {
		paperCfg := broker.DefaultPaperConfig()
		if cfg.Paper.StartingBalance > 0 {
			paperCfg.StartingBalance = cfg.Paper.StartingBalance
		}
		if cfg.Paper.SlippagePct > 0 {
			paperCfg.SlippagePct = cfg.Paper.SlippagePct
		}
		if cfg.Paper.SlippagePoints > 0 {
			paperCfg.SlippagePoints = cfg.Paper.SlippagePoints
		}
		if cfg.Paper.ExecDelayMs > 0 {
			paperCfg.ExecDelay = time.Duration(cfg.Paper.ExecDelayMs) * time.Millisecond
		}
		if cfg.Paper.FailureRate > 0 {
			paperCfg.FailureRate = cfg.Paper.FailureRate
		}
		api = broker.NewPaperBroker(paperCfg, cache, log)
		log.Info("paper execution backend", zap.Float64("balance", paperCfg.StartingBalance))
	}

	// All brokerage traffic goes through the rate-limited gateway, paper
	// included, so both modes exercise the same call discipline.
	limits := gateway.DefaultLimits()
	if cfg.Gateway.OrdersPerSec > 0 {
		limits.OrdersPerSec = cfg.Gateway.OrdersPerSec
	}
	if cfg.Gateway.StatusPerSec > 0 {
		limits.StatusPerSec = cfg.Gateway.StatusPerSec
	}
	if cfg.Gateway.QuotesPerSec > 0 {
		limits.QuotesPerSec = cfg.Gateway.QuotesPerSec
	}
	if cfg.Gateway.Burst > 0 {
		limits.Burst = cfg.Gateway.Burst
	}
	if cfg.Gateway.MaxWaitMs > 0 {
		limits.MaxWait = time.Duration(cfg.Gateway.MaxWaitMs) * time.Millisecond
	}
	retry := gateway.DefaultRetryPolicy()
	if cfg.Gateway.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Gateway.MaxAttempts
	}
	if cfg.Gateway.InitialDelayMs > 0 {
		retry.InitialDelay = time.Duration(cfg.Gateway.InitialDelayMs) * time.Millisecond
	}
	if cfg.Gateway.MaxDelayMs > 0 {
		retry.MaxDelay = time.Duration(cfg.Gateway.MaxDelayMs) * time.Millisecond
	}
	gw := gateway.New(api, limits, retry, log)

	// 6. Engine
	engCfg := usecase.DefaultEngineConfig()
	if cfg.Engine.Lots > 0 {
		engCfg.Lots = cfg.Engine.Lots
	}
	if cfg.Engine.ATRMultiplier > 0 {
		engCfg.ATRMultiplier = cfg.Engine.ATRMultiplier
	}
	if cfg.Engine.RiskReward > 0 {
		engCfg.RiskReward = cfg.Engine.RiskReward
	}
	if cfg.Engine.MaxHoldMinutes > 0 {
		engCfg.MaxHold = time.Duration(cfg.Engine.MaxHoldMinutes) * time.Minute
	}
	if cfg.Engine.MonitorIntervalSec > 0 {
		engCfg.MonitorInterval = time.Duration(cfg.Engine.MonitorIntervalSec) * time.Second
	}
	if cfg.Engine.DailyOrderLimit > 0 {
		engCfg.DailyOrderLimit = cfg.Engine.DailyOrderLimit
	}
	if cfg.Engine.MaxConcurrent > 0 {
		engCfg.MaxConcurrent = cfg.Engine.MaxConcurrent
	}
	if cfg.Engine.ReentryCooldownMin > 0 {
		engCfg.ReentryCooldown = time.Duration(cfg.Engine.ReentryCooldownMin) * time.Minute
	}
	if cfg.Engine.TickStaleSec > 0 {
		engCfg.TickStaleAfter = time.Duration(cfg.Engine.TickStaleSec) * time.Second
	}

	evalCfg := usecase.DefaultEvaluatorConfig()
	if cfg.Evaluator.CallRSIThreshold > 0 {
		evalCfg.CallRSIThreshold = cfg.Evaluator.CallRSIThreshold
	}
	if cfg.Evaluator.PutRSIThreshold > 0 {
		evalCfg.PutRSIThreshold = cfg.Evaluator.PutRSIThreshold
	}

	engine := usecase.NewEngine(engCfg, gw, cache, usecase.NewEvaluator(evalCfg), cat, feedMgr, store, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	md.OnBarClose(func(symbol string, price float64, snap domain.IndicatorSnapshot) {
		engine.OnBar(ctx, symbol, price, snap)
	})

	// 7. Subscribe the watchlist
	for _, symbol := range cfg.Instruments.Watchlist {
		if err := feedMgr.Subscribe(symbol); err != nil {
			log.Error("watchlist subscribe failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	// 8. Metrics endpoint
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Addr); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	// 9. Run until signalled
	runCtx, stopRun := context.WithCancel(ctx)
	go engine.Run(runCtx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	// 10. Drain: stop the monitor loop so only this loop cycles the
	// engine, take no new entries, keep working exits until flat or
	// timeout.
	log.Info("Shutting down...")
	stopRun()
	engine.Drain()
	drainTimeout := 2 * time.Minute
	if cfg.DrainTimeoutSec > 0 {
		drainTimeout = time.Duration(cfg.DrainTimeoutSec) * time.Second
	}
	deadline := time.Now().Add(drainTimeout)
	for !engine.Idle() && time.Now().Before(deadline) {
		engine.Cycle(ctx)
		time.Sleep(time.Second)
	}
	if !engine.Idle() {
		log.Warn("drain timeout with live positions", zap.Int("open", engine.OpenCount()))
	}
	cancel()
}
