package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vikrant/options_trade_bot/internal/gateway"
	"github.com/vikrant/options_trade_bot/internal/infrastructure/broker"
	"github.com/vikrant/options_trade_bot/internal/infrastructure/catalog"
)

type Config struct {
	Broker struct {
		RESTEndpoint string `yaml:"rest_endpoint"`
	} `yaml:"broker"`
	Instruments struct {
		MasterFile string   `yaml:"master_file"`
		Watchlist  []string `yaml:"watchlist"`
	} `yaml:"instruments"`
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

func main() {
	_ = godotenv.Load()

	cfg, err := loadConfig("config/config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	clientID := os.Getenv("DHAN_CLIENT_ID")
	accessToken := os.Getenv("DHAN_ACCESS_TOKEN")
	if clientID == "" || accessToken == "" {
		fmt.Println("DHAN_CLIENT_ID and DHAN_ACCESS_TOKEN must be set")
		os.Exit(1)
	}

	fmt.Printf("Testing broker connectivity...\n")
	fmt.Printf("Endpoint: %s\n", cfg.Broker.RESTEndpoint)
	fmt.Printf("Client: %s...\n", clientID[:4])

	cat, err := catalog.LoadCSV(cfg.Instruments.MasterFile)
	if err != nil {
		fmt.Printf("❌ Failed to load instrument master: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Instrument master: %d option contracts\n", cat.Size())

	api := broker.NewDhanAdapter(clientID, accessToken, cfg.Broker.RESTEndpoint, cat)
	gw := gateway.New(api, gateway.DefaultLimits(), gateway.DefaultRetryPolicy(), zap.NewNop())
	ctx := context.Background()

	for _, symbol := range cfg.Instruments.Watchlist {
		inst, err := cat.Lookup(symbol)
		if err != nil {
			fmt.Printf("❌ %s: not in instrument master\n", symbol)
			continue
		}
		tick, err := gw.Quote(ctx, symbol)
		if err != nil {
			fmt.Printf("❌ %s (security %s): quote failed: %v\n", symbol, inst.SecurityID, err)
			continue
		}
		fmt.Printf("✅ %s: LTP=%.2f (security %s, lot %d)\n", symbol, tick.LTP, inst.SecurityID, inst.LotSize)
	}
}
