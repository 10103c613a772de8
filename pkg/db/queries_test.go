package db

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	return database
}

func TestStrategyRoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	last := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	st := Strategy{
		ID:             "s1",
		UserID:         "u1",
		Name:           "weekly btc",
		Kind:           KindDCA,
		AssetID:        "BTC",
		Amount:         decimal.RequireFromString("100.5"),
		Parameters:     `{"interval_seconds":604800}`,
		Enabled:        true,
		LastExecutedAt: &last,
		DetectorState:  "",
		CreatedAt:      time.Now(),
	}
	if err := d.SaveStrategy(ctx, st); err != nil {
		t.Fatalf("SaveStrategy: %v", err)
	}

	got, err := d.GetStrategy(ctx, "s1")
	if err != nil {
		t.Fatalf("GetStrategy: %v", err)
	}
	if got == nil {
		t.Fatal("GetStrategy returned nil for existing row")
	}
	if !got.Amount.Equal(st.Amount) {
		t.Errorf("amount = %s, want %s", got.Amount, st.Amount)
	}
	if got.LastExecutedAt == nil || !got.LastExecutedAt.Equal(last) {
		t.Errorf("last_executed_at = %v, want %v", got.LastExecutedAt, last)
	}

	// Upsert replaces mutable fields.
	st.DetectorState = `{"sign":1}`
	st.Enabled = false
	if err := d.SaveStrategy(ctx, st); err != nil {
		t.Fatalf("SaveStrategy upsert: %v", err)
	}
	got, err = d.GetStrategy(ctx, "s1")
	if err != nil {
		t.Fatalf("GetStrategy after upsert: %v", err)
	}
	if got.DetectorState != `{"sign":1}` || got.Enabled {
		t.Errorf("upsert not applied: state=%q enabled=%v", got.DetectorState, got.Enabled)
	}

	if err := d.DeleteStrategy(ctx, "s1"); err != nil {
		t.Fatalf("DeleteStrategy: %v", err)
	}
	got, err = d.GetStrategy(ctx, "s1")
	if err != nil {
		t.Fatalf("GetStrategy after delete: %v", err)
	}
	if got != nil {
		t.Error("strategy still present after delete")
	}
}

func TestUpdateStrategyRun(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	st := Strategy{ID: "s1", UserID: "u1", Name: "run", Kind: KindMovingAverage, AssetID: "ETH",
		Amount: decimal.NewFromInt(100), Parameters: `{"short_period":2,"long_period":3}`, Enabled: true}
	if err := d.SaveStrategy(ctx, st); err != nil {
		t.Fatalf("SaveStrategy: %v", err)
	}

	when := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
	state := `{"sign":1}`
	live, err := d.UpdateStrategyRun(ctx, "s1", &when, &state)
	if err != nil {
		t.Fatalf("UpdateStrategyRun: %v", err)
	}
	if !live {
		t.Fatal("update of a live row reported not live")
	}
	got, err := d.GetStrategy(ctx, "s1")
	if err != nil {
		t.Fatalf("GetStrategy: %v", err)
	}
	if got.LastExecutedAt == nil || !got.LastExecutedAt.Equal(when) || got.DetectorState != state {
		t.Fatalf("run columns not applied: %+v", got)
	}

	// Nil fields leave columns untouched.
	later := when.Add(time.Hour)
	if _, err := d.UpdateStrategyRun(ctx, "s1", &later, nil); err != nil {
		t.Fatalf("UpdateStrategyRun partial: %v", err)
	}
	got, _ = d.GetStrategy(ctx, "s1")
	if got.DetectorState != state {
		t.Errorf("detector_state clobbered by partial update: %q", got.DetectorState)
	}

	// Disabled and deleted rows are never written.
	st.Enabled = false
	if err := d.SaveStrategy(ctx, st); err != nil {
		t.Fatalf("SaveStrategy disable: %v", err)
	}
	live, err = d.UpdateStrategyRun(ctx, "s1", &later, &state)
	if err != nil || live {
		t.Fatalf("disabled row: live=%v err=%v, want false nil", live, err)
	}

	if err := d.DeleteStrategy(ctx, "s1"); err != nil {
		t.Fatalf("DeleteStrategy: %v", err)
	}
	live, err = d.UpdateStrategyRun(ctx, "s1", &later, &state)
	if err != nil || live {
		t.Fatalf("deleted row: live=%v err=%v, want false nil", live, err)
	}
	got, err = d.GetStrategy(ctx, "s1")
	if err != nil {
		t.Fatalf("GetStrategy after delete: %v", err)
	}
	if got != nil {
		t.Error("run update resurrected a deleted strategy")
	}
}

func TestListStrategiesFilterByUser(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	for _, st := range []Strategy{
		{ID: "a", UserID: "u1", Name: "one", Kind: KindDCA, AssetID: "BTC",
			Amount: decimal.NewFromInt(10), Parameters: "{}", Enabled: true},
		{ID: "b", UserID: "u2", Name: "two", Kind: KindRSI, AssetID: "ETH",
			Amount: decimal.NewFromInt(20), Parameters: "{}", Enabled: true},
	} {
		if err := d.SaveStrategy(ctx, st); err != nil {
			t.Fatalf("SaveStrategy %s: %v", st.ID, err)
		}
	}

	all, err := d.ListStrategies(ctx, "")
	if err != nil {
		t.Fatalf("ListStrategies: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}

	mine, err := d.ListStrategies(ctx, "u1")
	if err != nil {
		t.Fatalf("ListStrategies(u1): %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "a" {
		t.Fatalf("filter by user returned %+v", mine)
	}
}

func TestHoldingsAndTransactions(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	if err := d.EnsurePortfolio(ctx, "p1"); err != nil {
		t.Fatalf("EnsurePortfolio: %v", err)
	}
	// Idempotent.
	if err := d.EnsurePortfolio(ctx, "p1"); err != nil {
		t.Fatalf("EnsurePortfolio again: %v", err)
	}

	h := Holding{PortfolioID: "p1", AssetID: "BTC",
		Amount: decimal.RequireFromString("0.5"), AverageCost: decimal.NewFromInt(60000)}
	if err := d.UpsertHolding(ctx, h); err != nil {
		t.Fatalf("UpsertHolding: %v", err)
	}
	h.Amount = decimal.RequireFromString("0.75")
	if err := d.UpsertHolding(ctx, h); err != nil {
		t.Fatalf("UpsertHolding update: %v", err)
	}

	holdings, err := d.ListHoldings(ctx, "p1")
	if err != nil {
		t.Fatalf("ListHoldings: %v", err)
	}
	if len(holdings) != 1 || !holdings[0].Amount.Equal(decimal.RequireFromString("0.75")) {
		t.Fatalf("holdings = %+v", holdings)
	}

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"t1", "t2", "t3"} {
		txn := Transaction{
			ID: id, PortfolioID: "p1", Kind: TxBuy, AssetID: "BTC",
			Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(100),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := d.AppendTransaction(ctx, txn); err != nil {
			t.Fatalf("AppendTransaction %s: %v", id, err)
		}
	}

	txns, err := d.ListTransactions(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txns) != 3 || txns[0].ID != "t1" || txns[2].ID != "t3" {
		t.Fatalf("transactions out of order: %+v", txns)
	}

	limited, err := d.ListTransactions(ctx, "p1", 2)
	if err != nil {
		t.Fatalf("ListTransactions limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("len(limited) = %d, want 2", len(limited))
	}

	if err := d.DeleteHolding(ctx, "p1", "BTC"); err != nil {
		t.Fatalf("DeleteHolding: %v", err)
	}
	holdings, err = d.ListHoldings(ctx, "p1")
	if err != nil {
		t.Fatalf("ListHoldings after delete: %v", err)
	}
	if len(holdings) != 0 {
		t.Fatalf("holdings not cleared: %+v", holdings)
	}

	// History survives a holding clearance; only a full reset wipes it.
	txns, err = d.ListTransactions(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("ListTransactions after holding delete: %v", err)
	}
	if len(txns) != 3 {
		t.Fatalf("history lost with holding: %d rows", len(txns))
	}

	if err := d.ResetPortfolio(ctx, "p1"); err != nil {
		t.Fatalf("ResetPortfolio: %v", err)
	}
	txns, err = d.ListTransactions(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("ListTransactions after reset: %v", err)
	}
	if len(txns) != 0 {
		t.Fatalf("reset left %d transactions", len(txns))
	}
}

func TestZeroTimestampsDefaultToNow(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	st := Strategy{ID: "s1", UserID: "u1", Name: "n", Kind: KindDCA, AssetID: "BTC",
		Amount: decimal.NewFromInt(1), Parameters: "{}", Enabled: true}
	if err := d.SaveStrategy(ctx, st); err != nil {
		t.Fatalf("SaveStrategy: %v", err)
	}
	got, err := d.GetStrategy(ctx, "s1")
	if err != nil {
		t.Fatalf("GetStrategy: %v", err)
	}
	if got.CreatedAt.Year() < 2020 {
		t.Errorf("created_at = %v, want a current timestamp", got.CreatedAt)
	}

	if err := d.CreateUser(ctx, User{ID: "u1", Email: "a@example.com", PasswordHash: "x"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	u, err := d.GetUserByEmail(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if u.CreatedAt.Year() < 2020 || u.UpdatedAt.Year() < 2020 {
		t.Errorf("user timestamps = %v / %v, want current", u.CreatedAt, u.UpdatedAt)
	}
}

func TestOpenAppliesPragmas(t *testing.T) {
	d := newTestDB(t)

	var fk int
	if err := d.DB.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil {
		t.Fatalf("PRAGMA foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}

	var timeout int
	if err := d.DB.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout); err != nil {
		t.Fatalf("PRAGMA busy_timeout: %v", err)
	}
	if timeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", timeout)
	}
}

func TestUsers(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	u := User{ID: "u1", Email: "Alice@Example.com", PasswordHash: "x"}
	if err := d.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	// Lookup is case-insensitive via lowercased storage.
	got, err := d.GetUserByEmail(ctx, "alice@example.COM")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if got == nil || got.ID != "u1" {
		t.Fatalf("GetUserByEmail = %+v", got)
	}

	missing, err := d.GetUserByEmail(ctx, "nobody@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown email, got %+v", missing)
	}
}
