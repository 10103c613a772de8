package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"papertrader/internal/api"
	"papertrader/internal/clock"
	"papertrader/internal/events"
	"papertrader/internal/ledger"
	"papertrader/internal/monitor"
	"papertrader/internal/persistence"
	"papertrader/internal/pricing"
	"papertrader/internal/scheduler"
	"papertrader/internal/telemetry"
	"papertrader/pkg/config"
	"papertrader/pkg/db"
	"papertrader/pkg/seed"
)

var version = "v1.0-dev"

func main() {
	root := &cobra.Command{
		Use:   "papertrader",
		Short: "Paper-trading strategy engine and portfolio ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	seedCmd := &cobra.Command{
		Use:   "seed [file]",
		Short: "Load strategy fixtures from a YAML file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			return runSeed(path)
		},
	}

	root.AddCommand(serveCmd, seedCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("DEBUG") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serve() error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("starting",
		zap.String("version", version),
		zap.String("instance", cfg.InstanceID),
		zap.String("port", cfg.Port),
		zap.Bool("mock_feed", cfg.UseMockFeed))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	bus := events.NewBus()
	defer bus.Close()

	metrics := monitor.New()
	stopObserver := metrics.Observe(bus)
	defer stopObserver()

	// Trades commit in memory; the journal retries persistence behind them.
	writer := persistence.NewWriter(database.DB, logger, 50, 0)
	defer writer.Close()
	portfolioStore := persistence.NewPortfolioStore(database, writer)

	clk := clock.NewSystem()
	lgr := ledger.New(portfolioStore, clk, bus, logger, ledger.Config{
		InitialCash: decimal.NewFromFloat(cfg.InitialCash),
		DedupWindow: cfg.IdempotencyWindow,
	})

	var prices pricing.Source
	if cfg.UseMockFeed {
		window := pricing.NewMemory(cfg.PriceHistoryLimit)
		mock := pricing.MockFeed{
			Window: window,
			Assets: cfg.WatchedAssets,
		}
		mock.Start(ctx)
		prices = window
		logger.Info("mock price feed started", zap.Strings("assets", cfg.WatchedAssets))
	} else {
		rest := pricing.NewBinance(cfg.BinanceBaseURL, cfg.PriceRatePerSec)
		feed := pricing.NewFeed(cfg.BinanceWSURL, cfg.WatchedAssets, cfg.PriceHistoryLimit, rest, logger)
		if err := feed.Start(ctx, cfg.PriceHistoryLimit); err != nil {
			return fmt.Errorf("start price feed: %w", err)
		}
		defer feed.Stop()
		prices = feed
		logger.Info("binance price feed started", zap.Strings("assets", cfg.WatchedAssets))
	}

	if cfg.SeedFile != "" {
		entries, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("load seed file: %w", err)
		}
		if err := seed.Apply(ctx, database, entries, logger); err != nil {
			return fmt.Errorf("apply seed file: %w", err)
		}
	}

	sched := scheduler.New(database, prices, lgr, clk, bus, logger, metrics, scheduler.Config{
		TickInterval:   cfg.TickInterval,
		PollInterval:   cfg.PollInterval,
		MinDCAInterval: cfg.MinDCAInterval,
		EvalTimeout:    cfg.EvalTimeout,
		HistoryLimit:   cfg.PriceHistoryLimit,
	})
	go sched.Run(ctx)

	if cfg.NATSUrl != "" {
		publisher, err := telemetry.NewPublisher(cfg.NATSUrl, cfg.NATSSubject, cfg.InstanceID, bus, logger)
		if err != nil {
			// Telemetry is optional; trading continues without the mirror.
			logger.Warn("telemetry disabled", zap.Error(err))
		} else {
			defer publisher.Close()
			logger.Info("telemetry publisher started", zap.String("subject", cfg.NATSSubject))
		}
	}

	server := api.NewServer(bus, database, lgr, sched, prices, metrics, logger,
		cfg.JWTSecret, api.SystemMeta{
			InstanceID:  cfg.InstanceID,
			Assets:      cfg.WatchedAssets,
			UseMockFeed: cfg.UseMockFeed,
			Version:     version,
		})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")
	return nil
}

func runSeed(path string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if path == "" {
		path = cfg.SeedFile
	}
	if path == "" {
		return fmt.Errorf("no seed file: pass a path or set SEED_FILE")
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	entries, err := seed.Load(path)
	if err != nil {
		return fmt.Errorf("load seed file: %w", err)
	}
	if err := seed.Apply(context.Background(), database, entries, logger); err != nil {
		return err
	}
	logger.Info("seeding complete", zap.Int("strategies", len(entries)))
	return nil
}
