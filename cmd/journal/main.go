package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vikrant/options_trade_bot/internal/infrastructure/storage"
)

func main() {
	path := "journal.db"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	store, err := storage.NewSQLiteStore(path)
	if err != nil {
		fmt.Printf("Failed to open journal: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	positions, err := store.ListClosedPositions(ctx, now.Add(-7*24*time.Hour), now.Add(time.Hour))
	if err != nil {
		fmt.Printf("Failed to list closed positions: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Closed positions (last 7 days): %d\n", len(positions))
	for _, p := range positions {
		fmt.Printf("- %s %s x%d entry=%.2f exit=%.2f pnl=%.2f (%s) held %s\n",
			p.Symbol, p.Type, p.Quantity, p.EntryPrice, p.ExitPrice,
			p.RealizedPnL, p.ExitReason, p.ExitTime.Sub(p.EntryTime).Round(time.Second))
	}

	pnl, err := store.DailyPnL(ctx, now)
	if err != nil {
		fmt.Printf("Failed to compute daily PnL: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Today's realized PnL: %.2f\n", pnl)
}
