// Package ledger is the authoritative store of cash, asset holdings and the
// append-only transaction log. All mutations to one portfolio are serialized
// behind a per-portfolio lock; cross-portfolio operations run in parallel.
package ledger

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"papertrader/internal/clock"
	"papertrader/internal/events"
	"papertrader/pkg/db"
)

// Store persists portfolio state. Writes may be asynchronous; the in-memory
// ledger remains authoritative between flushes.
type Store interface {
	EnsurePortfolio(ctx context.Context, id string) error
	ListHoldings(ctx context.Context, portfolioID string) ([]db.Holding, error)
	ListTransactions(ctx context.Context, portfolioID string, limit int) ([]db.Transaction, error)
	UpsertHolding(ctx context.Context, h db.Holding) error
	DeleteHolding(ctx context.Context, portfolioID, assetID string) error
	AppendTransaction(ctx context.Context, t db.Transaction) error
	ResetPortfolio(ctx context.Context, portfolioID string) error
}

// portfolioState is the in-memory view of one portfolio, guarded by its own
// mutex so concurrent order submissions serialize in submission order.
type portfolioState struct {
	mu           sync.Mutex
	holdings     map[string]db.Holding
	transactions []db.Transaction
	dedup        map[string]time.Time
	loaded       bool
}

// Ledger applies orders atomically and idempotently to portfolios.
type Ledger struct {
	store  Store
	clk    clock.Clock
	bus    *events.Bus
	logger *zap.Logger

	initialCash decimal.Decimal
	dedupWindow time.Duration

	mu         sync.Mutex
	portfolios map[string]*portfolioState

	entropyMu sync.Mutex
	entropy   *rand.Rand
}

// Config for the ledger.
type Config struct {
	InitialCash decimal.Decimal
	DedupWindow time.Duration
}

func New(store Store, clk clock.Clock, bus *events.Bus, logger *zap.Logger, cfg Config) *Ledger {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Second
	}
	return &Ledger{
		store:       store,
		clk:         clk,
		bus:         bus,
		logger:      logger,
		initialCash: cfg.InitialCash,
		dedupWindow: cfg.DedupWindow,
		portfolios:  make(map[string]*portfolioState),
		entropy:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// state returns the per-portfolio slot, creating it unloaded if needed.
func (l *Ledger) state(portfolioID string) *portfolioState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ps, ok := l.portfolios[portfolioID]
	if !ok {
		ps = &portfolioState{
			holdings: make(map[string]db.Holding),
			dedup:    make(map[string]time.Time),
		}
		l.portfolios[portfolioID] = ps
	}
	return ps
}

// load seeds the in-memory state from the store; the caller holds ps.mu.
// A brand-new portfolio starts with the configured initial cash.
func (l *Ledger) load(ctx context.Context, portfolioID string, ps *portfolioState) error {
	if ps.loaded {
		return nil
	}
	if err := l.store.EnsurePortfolio(ctx, portfolioID); err != nil {
		return fmt.Errorf("ensure portfolio %s: %w", portfolioID, err)
	}
	holdings, err := l.store.ListHoldings(ctx, portfolioID)
	if err != nil {
		return fmt.Errorf("load holdings %s: %w", portfolioID, err)
	}
	txns, err := l.store.ListTransactions(ctx, portfolioID, 0)
	if err != nil {
		return fmt.Errorf("load transactions %s: %w", portfolioID, err)
	}
	for _, h := range holdings {
		ps.holdings[h.AssetID] = h
	}
	ps.transactions = txns

	if _, ok := ps.holdings[db.CashAsset]; !ok && len(holdings) == 0 {
		cash := db.Holding{
			PortfolioID: portfolioID,
			AssetID:     db.CashAsset,
			Amount:      l.initialCash,
			AverageCost: decimal.NewFromInt(1),
		}
		ps.holdings[db.CashAsset] = cash
		if err := l.store.UpsertHolding(ctx, cash); err != nil {
			l.logger.Warn("persist initial cash failed, will retry on next write",
				zap.String("portfolio", portfolioID), zap.Error(err))
		}
	}
	ps.loaded = true
	return nil
}

// ApplyOrder validates and applies one order to a portfolio, all or nothing.
// Rejections (see errors.go) leave the portfolio untouched and are not faults.
func (l *Ledger) ApplyOrder(ctx context.Context, portfolioID string, o Order) (*db.Transaction, error) {
	return l.ApplyOrderChecked(ctx, portfolioID, o, nil)
}

// ApplyOrderChecked is ApplyOrder with a commit gate. A non-nil commit runs
// inside the portfolio's exclusive section after the order has passed every
// check but before it takes effect; a commit error voids the order and leaves
// the portfolio untouched. The scheduler gates on its strategy row still being
// live so a delete racing an evaluation cannot produce a trade.
func (l *Ledger) ApplyOrderChecked(ctx context.Context, portfolioID string, o Order, commit func(context.Context) error) (*db.Transaction, error) {
	if o.Kind != db.TxBuy && o.Kind != db.TxSell {
		return nil, fmt.Errorf("unknown order kind %q", o.Kind)
	}
	if !o.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount %s", ErrInvalidAmount, o.Amount)
	}
	if !o.Price.IsPositive() {
		return nil, fmt.Errorf("%w: price %s", ErrInvalidPrice, o.Price)
	}

	now := l.clk.Now()
	key := o.DeriveKey(now, l.dedupWindow)

	ps := l.state(portfolioID)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if err := l.load(ctx, portfolioID, ps); err != nil {
		return nil, err
	}

	if ps.seenKey(key, now, l.dedupWindow) {
		return nil, fmt.Errorf("%w: key %s", ErrDuplicateOrder, key)
	}

	prevCash, hadCash := ps.holdings[db.CashAsset]
	prevHolding, hadHolding := ps.holdings[o.AssetID]

	var txn *db.Transaction
	var err error
	switch o.Kind {
	case db.TxBuy:
		txn, err = l.applyBuy(portfolioID, ps, o, now)
	case db.TxSell:
		txn, err = l.applySell(portfolioID, ps, o, now)
	}
	if err != nil {
		if l.bus != nil {
			l.bus.Publish(events.EventOrderRejected, RejectedOrder{
				PortfolioID: portfolioID, Order: o, Reason: err.Error(),
			})
		}
		return nil, err
	}

	if commit != nil {
		if cerr := commit(ctx); cerr != nil {
			ps.restore(db.CashAsset, prevCash, hadCash)
			ps.restore(o.AssetID, prevHolding, hadHolding)
			return nil, cerr
		}
	}

	ps.markKey(key, now)
	ps.transactions = append(ps.transactions, *txn)
	l.persist(ctx, portfolioID, ps, *txn)

	if l.bus != nil {
		l.bus.Publish(events.EventOrderApplied, *txn)
	}
	return txn, nil
}

// applyBuy debits cash and upserts the asset holding with a volume-weighted
// average cost. The caller holds ps.mu.
func (l *Ledger) applyBuy(portfolioID string, ps *portfolioState, o Order, now time.Time) (*db.Transaction, error) {
	cost := o.Amount.Mul(o.Price)
	cash := ps.holdings[db.CashAsset]
	if cash.Amount.LessThan(cost) {
		return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost, cash.Amount)
	}

	holding, ok := ps.holdings[o.AssetID]
	if !ok {
		holding = db.Holding{PortfolioID: portfolioID, AssetID: o.AssetID,
			Amount: decimal.Zero, AverageCost: decimal.Zero}
	}
	newAmount := holding.Amount.Add(o.Amount)
	// averageCost = (oldAmount*oldAvg + amount*price) / newAmount
	holding.AverageCost = holding.Amount.Mul(holding.AverageCost).
		Add(o.Amount.Mul(o.Price)).Div(newAmount)
	holding.Amount = newAmount
	holding.UpdatedAt = now

	cash.Amount = cash.Amount.Sub(cost)
	cash.UpdatedAt = now

	ps.holdings[db.CashAsset] = cash
	ps.holdings[o.AssetID] = holding

	return l.newTransaction(portfolioID, o, now), nil
}

// applySell credits cash and reduces the holding; average cost is untouched.
// A holding sold down to exactly zero leaves the active set while its
// transaction history is retained. The caller holds ps.mu.
func (l *Ledger) applySell(portfolioID string, ps *portfolioState, o Order, now time.Time) (*db.Transaction, error) {
	holding, ok := ps.holdings[o.AssetID]
	if !ok || holding.Amount.LessThan(o.Amount) {
		have := decimal.Zero
		if ok {
			have = holding.Amount
		}
		return nil, fmt.Errorf("%w: need %s %s, have %s", ErrInsufficientHoldings, o.Amount, o.AssetID, have)
	}

	proceeds := o.Amount.Mul(o.Price)
	cash := ps.holdings[db.CashAsset]
	cash.Amount = cash.Amount.Add(proceeds)
	cash.UpdatedAt = now
	ps.holdings[db.CashAsset] = cash

	holding.Amount = holding.Amount.Sub(o.Amount)
	holding.UpdatedAt = now
	if holding.Amount.IsZero() {
		delete(ps.holdings, o.AssetID)
	} else {
		ps.holdings[o.AssetID] = holding
	}

	return l.newTransaction(portfolioID, o, now), nil
}

func (l *Ledger) newTransaction(portfolioID string, o Order, now time.Time) *db.Transaction {
	l.entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(now), l.entropy).String()
	l.entropyMu.Unlock()
	return &db.Transaction{
		ID:          id,
		PortfolioID: portfolioID,
		Kind:        o.Kind,
		AssetID:     o.AssetID,
		Amount:      o.Amount,
		Price:       o.Price,
		CreatedAt:   now,
	}
}

// persist writes the committed mutation through the store. A failed write
// never rolls back the trade; the store layer retries on its own (and the
// failure is logged here).
func (l *Ledger) persist(ctx context.Context, portfolioID string, ps *portfolioState, txn db.Transaction) {
	if err := l.store.AppendTransaction(ctx, txn); err != nil {
		l.logger.Error("append transaction failed; trade stands, persistence will retry",
			zap.String("portfolio", portfolioID), zap.String("txn", txn.ID), zap.Error(err))
	}
	cash := ps.holdings[db.CashAsset]
	if err := l.store.UpsertHolding(ctx, cash); err != nil {
		l.logger.Error("persist cash failed", zap.String("portfolio", portfolioID), zap.Error(err))
	}
	if h, ok := ps.holdings[txn.AssetID]; ok {
		if err := l.store.UpsertHolding(ctx, h); err != nil {
			l.logger.Error("persist holding failed",
				zap.String("portfolio", portfolioID), zap.String("asset", txn.AssetID), zap.Error(err))
		}
	} else if txn.AssetID != db.CashAsset {
		if err := l.store.DeleteHolding(ctx, portfolioID, txn.AssetID); err != nil {
			l.logger.Error("clear holding failed",
				zap.String("portfolio", portfolioID), zap.String("asset", txn.AssetID), zap.Error(err))
		}
	}
}

// seenKey reports whether the idempotency key was committed inside the
// retention window. Keys are scoped to this portfolio; the same key on another
// portfolio is a distinct logical order. Expired keys are pruned
// opportunistically. The caller holds ps.mu.
func (ps *portfolioState) seenKey(key string, now time.Time, window time.Duration) bool {
	for k, t := range ps.dedup {
		if now.Sub(t) > window {
			delete(ps.dedup, k)
		}
	}
	_, ok := ps.dedup[key]
	return ok
}

func (ps *portfolioState) markKey(key string, now time.Time) {
	ps.dedup[key] = now
}

// restore puts one holding slot back to its pre-order value. The caller holds
// ps.mu.
func (ps *portfolioState) restore(asset string, prev db.Holding, had bool) {
	if had {
		ps.holdings[asset] = prev
	} else {
		delete(ps.holdings, asset)
	}
}

// RejectedOrder is the payload published on order rejection.
type RejectedOrder struct {
	PortfolioID string
	Order       Order
	Reason      string
}

// Holdings returns a snapshot of a portfolio's active holdings.
func (l *Ledger) Holdings(ctx context.Context, portfolioID string) ([]db.Holding, error) {
	ps := l.state(portfolioID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err := l.load(ctx, portfolioID, ps); err != nil {
		return nil, err
	}
	out := make([]db.Holding, 0, len(ps.holdings))
	for _, h := range ps.holdings {
		out = append(out, h)
	}
	return out, nil
}

// Transactions returns a snapshot of the portfolio's transaction log,
// oldest first. limit <= 0 returns everything.
func (l *Ledger) Transactions(ctx context.Context, portfolioID string, limit int) ([]db.Transaction, error) {
	ps := l.state(portfolioID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err := l.load(ctx, portfolioID, ps); err != nil {
		return nil, err
	}
	txns := ps.transactions
	if limit > 0 && len(txns) > limit {
		txns = txns[len(txns)-limit:]
	}
	out := make([]db.Transaction, len(txns))
	copy(out, txns)
	return out, nil
}

// Cash returns the current cash balance of a portfolio.
func (l *Ledger) Cash(ctx context.Context, portfolioID string) (decimal.Decimal, error) {
	ps := l.state(portfolioID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err := l.load(ctx, portfolioID, ps); err != nil {
		return decimal.Zero, err
	}
	return ps.holdings[db.CashAsset].Amount, nil
}

// Reset wipes a portfolio back to the initial cash position. This is the only
// operation allowed to clear transaction history.
func (l *Ledger) Reset(ctx context.Context, portfolioID string) error {
	ps := l.state(portfolioID)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if err := l.store.ResetPortfolio(ctx, portfolioID); err != nil {
		return fmt.Errorf("reset portfolio %s: %w", portfolioID, err)
	}
	ps.holdings = make(map[string]db.Holding)
	ps.transactions = nil
	cash := db.Holding{
		PortfolioID: portfolioID,
		AssetID:     db.CashAsset,
		Amount:      l.initialCash,
		AverageCost: decimal.NewFromInt(1),
		UpdatedAt:   l.clk.Now(),
	}
	ps.holdings[db.CashAsset] = cash
	ps.loaded = true
	if err := l.store.UpsertHolding(ctx, cash); err != nil {
		l.logger.Warn("persist reset cash failed", zap.String("portfolio", portfolioID), zap.Error(err))
	}
	return nil
}
