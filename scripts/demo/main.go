// Offline demo: runs the engine against a hand-advanced clock and synthetic
// prices, then prints the resulting portfolio. No network, no real time.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"papertrader/internal/clock"
	"papertrader/internal/ledger"
	"papertrader/internal/persistence"
	"papertrader/internal/pricing"
	"papertrader/internal/scheduler"
	"papertrader/pkg/db"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	dir, err := os.MkdirTemp("", "papertrader-demo")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	database, err := db.New(filepath.Join(dir, "demo.db"))
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return err
	}

	ctx := context.Background()
	clk := clock.NewManual(time.Now())
	prices := pricing.NewMemory(200)

	writer := persistence.NewWriter(database.DB, logger, 50, 0)
	defer writer.Close()
	lgr := ledger.New(persistence.NewPortfolioStore(database, writer), clk, nil, logger, ledger.Config{
		InitialCash: decimal.NewFromInt(10000),
	})
	sched := scheduler.New(database, prices, lgr, clk, nil, logger, nil, scheduler.Config{
		PollInterval:   time.Minute,
		MinDCAInterval: time.Minute,
	})

	if err := database.SaveStrategy(ctx, db.Strategy{
		ID: "demo-dca", UserID: "demo", Name: "hourly btc", Kind: db.KindDCA,
		AssetID: "BTC", Amount: decimal.NewFromInt(250),
		Parameters: `{"interval_seconds":3600}`, Enabled: true,
	}); err != nil {
		return err
	}
	if err := database.SaveStrategy(ctx, db.Strategy{
		ID: "demo-ma", UserID: "demo", Name: "btc cross", Kind: db.KindMovingAverage,
		AssetID: "BTC", Amount: decimal.NewFromInt(500),
		Parameters: `{"short_period":3,"long_period":6}`, Enabled: true,
	}); err != nil {
		return err
	}

	// A day of hourly candles: drift down, then rally. The DCA buys on its
	// timer; the crossover strategy buys once on the way back up.
	curve := []float64{
		100, 99, 98, 97, 96, 95, 94, 93, 92, 91, 90, 89,
		90, 92, 94, 96, 98, 100, 102, 104, 106, 108, 110, 112,
	}
	for _, p := range curve {
		prices.Append("BTC", decimal.NewFromFloat(p))
		sched.OnTick(ctx)
		clk.Advance(time.Hour)
	}

	cash, err := lgr.Cash(ctx, "demo")
	if err != nil {
		return err
	}
	holdings, err := lgr.Holdings(ctx, "demo")
	if err != nil {
		return err
	}
	txns, err := lgr.Transactions(ctx, "demo", 0)
	if err != nil {
		return err
	}

	fmt.Printf("\ncash: %s USD\n", cash.StringFixed(2))
	for _, h := range holdings {
		if h.AssetID == db.CashAsset {
			continue
		}
		fmt.Printf("holding: %s %s (avg cost %s)\n",
			h.Amount.String(), h.AssetID, h.AverageCost.StringFixed(2))
	}
	fmt.Printf("transactions: %d\n", len(txns))
	for _, t := range txns {
		fmt.Printf("  %s %-4s %s %s @ %s\n",
			t.CreatedAt.Format("15:04"), t.Kind, t.Amount.StringFixed(6), t.AssetID, t.Price.String())
	}
	return nil
}
