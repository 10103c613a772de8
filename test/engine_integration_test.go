// Integration coverage for the full engine path: scheduler -> detector ->
// ledger -> write-behind persistence -> sqlite, including state surviving a
// process restart.
package test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"papertrader/internal/clock"
	"papertrader/internal/ledger"
	"papertrader/internal/persistence"
	"papertrader/internal/pricing"
	"papertrader/internal/scheduler"
	"papertrader/pkg/db"
)

type engineStack struct {
	database *db.Database
	writer   *persistence.Writer
	ledger   *ledger.Ledger
	sched    *scheduler.Scheduler
	prices   *pricing.Memory
	clk      *clock.Manual
}

func startEngine(t *testing.T, dbPath string, clk *clock.Manual, prices *pricing.Memory) *engineStack {
	t.Helper()

	database, err := db.New(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))

	writer := persistence.NewWriter(database.DB, zap.NewNop(), 10, time.Hour)
	store := persistence.NewPortfolioStore(database, writer)

	lgr := ledger.New(store, clk, nil, zap.NewNop(), ledger.Config{
		InitialCash: decimal.NewFromInt(10000),
		DedupWindow: 5 * time.Second,
	})
	sched := scheduler.New(database, prices, lgr, clk, nil, zap.NewNop(), nil, scheduler.Config{
		TickInterval:   15 * time.Second,
		PollInterval:   time.Second,
		MinDCAInterval: time.Minute,
		EvalTimeout:    5 * time.Second,
		HistoryLimit:   100,
	})

	return &engineStack{database: database, writer: writer, ledger: lgr, sched: sched, prices: prices, clk: clk}
}

func (e *engineStack) shutdown(t *testing.T) {
	t.Helper()
	require.NoError(t, e.writer.Close())
	require.NoError(t, e.database.Close())
}

func TestDCATradeSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	prices := pricing.NewMemory(100)
	prices.Append("BTC", decimal.NewFromInt(50000))

	stack := startEngine(t, dbPath, clk, prices)
	require.NoError(t, stack.database.SaveStrategy(ctx, db.Strategy{
		ID: "s1", UserID: "u1", Name: "hourly btc", Kind: db.KindDCA, AssetID: "BTC",
		Amount: decimal.NewFromInt(100), Parameters: `{"interval_seconds":3600}`, Enabled: true,
	}))

	stack.sched.OnTick(ctx)
	stack.shutdown(t) // Close flushes the journal.

	// A fresh process sees the committed trade and the advanced timer.
	stack = startEngine(t, dbPath, clk, prices)
	defer stack.shutdown(t)

	cash, err := stack.ledger.Cash(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, cash.Equal(decimal.NewFromInt(9900)), "cash = %s", cash)

	holdings, err := stack.ledger.Holdings(ctx, "u1")
	require.NoError(t, err)
	var btc decimal.Decimal
	for _, h := range holdings {
		if h.AssetID == "BTC" {
			btc = h.Amount
		}
	}
	assert.True(t, btc.Equal(decimal.RequireFromString("0.002")), "btc = %s", btc)

	st, err := stack.database.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, st.LastExecutedAt)

	// Not yet due again; the persisted timer holds across the restart.
	clk.Advance(30 * time.Minute)
	stack.sched.OnTick(ctx)
	txns, err := stack.ledger.Transactions(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, txns, 1)

	clk.Advance(31 * time.Minute)
	stack.sched.OnTick(ctx)
	txns, err = stack.ledger.Transactions(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, txns, 2)
}

func TestCrossoverHysteresisSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	prices := pricing.NewMemory(100)
	prices.Set("ETH", []decimal.Decimal{
		decimal.NewFromInt(8), decimal.NewFromInt(9), decimal.NewFromInt(10),
	})

	stack := startEngine(t, dbPath, clk, prices)
	require.NoError(t, stack.database.SaveStrategy(ctx, db.Strategy{
		ID: "m1", UserID: "u1", Name: "eth cross", Kind: db.KindMovingAverage, AssetID: "ETH",
		Amount: decimal.NewFromInt(100), Parameters: `{"short_period":2,"long_period":3}`, Enabled: true,
	}))

	// Baseline pass records "already above" without trading.
	stack.sched.OnTick(ctx)
	stack.shutdown(t)

	// After restart the engine still knows it is above the long MA, so an
	// unchanged market must not fire a BUY.
	stack = startEngine(t, dbPath, clk, prices)
	defer stack.shutdown(t)

	clk.Advance(2 * time.Second)
	stack.sched.OnTick(ctx)
	txns, err := stack.ledger.Transactions(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, txns, "no crossing happened, nothing to buy")

	// Hold some ETH so the death cross can actually sell.
	_, err = stack.ledger.ApplyOrder(ctx, "u1", ledger.Order{
		Kind: db.TxBuy, AssetID: "ETH",
		Amount: decimal.NewFromInt(20), Price: decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	// A real downward then upward move trades exactly once each.
	prices.Set("ETH", []decimal.Decimal{
		decimal.NewFromInt(10), decimal.NewFromInt(9), decimal.NewFromInt(8),
	})
	clk.Advance(2 * time.Second)
	stack.sched.OnTick(ctx) // death cross: one SELL

	prices.Set("ETH", []decimal.Decimal{
		decimal.NewFromInt(8), decimal.NewFromInt(9), decimal.NewFromInt(10),
	})
	clk.Advance(2 * time.Second)
	stack.sched.OnTick(ctx) // golden cross: one BUY

	txns, err = stack.ledger.Transactions(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, txns, 3)
	assert.Equal(t, db.TxBuy, txns[0].Kind)
	assert.Equal(t, db.TxSell, txns[1].Kind)
	assert.True(t, txns[1].Amount.Equal(decimal.RequireFromString("12.5")), "sell amount = %s", txns[1].Amount)
	assert.Equal(t, db.TxBuy, txns[2].Kind)
	assert.True(t, txns[2].Amount.Equal(decimal.NewFromInt(10)), "buy amount = %s", txns[2].Amount)
}
