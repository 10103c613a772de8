package persistence

import (
	"context"

	"papertrader/pkg/db"
)

// PortfolioStore adapts the database for the ledger: reads are synchronous,
// writes are journaled through the batch writer so the trade commits in
// memory even when sqlite is momentarily unavailable.
type PortfolioStore struct {
	db *db.Database
	w  *Writer
}

func NewPortfolioStore(database *db.Database, w *Writer) *PortfolioStore {
	return &PortfolioStore{db: database, w: w}
}

func (s *PortfolioStore) EnsurePortfolio(ctx context.Context, id string) error {
	return s.db.EnsurePortfolio(ctx, id)
}

func (s *PortfolioStore) ListHoldings(ctx context.Context, portfolioID string) ([]db.Holding, error) {
	return s.db.ListHoldings(ctx, portfolioID)
}

func (s *PortfolioStore) ListTransactions(ctx context.Context, portfolioID string, limit int) ([]db.Transaction, error) {
	return s.db.ListTransactions(ctx, portfolioID, limit)
}

func (s *PortfolioStore) UpsertHolding(_ context.Context, h db.Holding) error {
	s.w.Enqueue(`
		INSERT INTO holdings (portfolio_id, asset_id, amount, average_cost, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(portfolio_id, asset_id) DO UPDATE SET
			amount = excluded.amount,
			average_cost = excluded.average_cost,
			updated_at = CURRENT_TIMESTAMP
	`, h.PortfolioID, h.AssetID, h.Amount.String(), h.AverageCost.String())
	return nil
}

func (s *PortfolioStore) DeleteHolding(_ context.Context, portfolioID, assetID string) error {
	s.w.Enqueue(`DELETE FROM holdings WHERE portfolio_id = ? AND asset_id = ?`, portfolioID, assetID)
	return nil
}

func (s *PortfolioStore) AppendTransaction(_ context.Context, t db.Transaction) error {
	s.w.Enqueue(`
		INSERT INTO transactions (id, portfolio_id, kind, asset_id, amount, price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.PortfolioID, t.Kind, t.AssetID, t.Amount.String(), t.Price.String(), t.CreatedAt.UTC())
	return nil
}

// ResetPortfolio flushes pending writes first so the wipe wins over any
// still-buffered journal entries.
func (s *PortfolioStore) ResetPortfolio(ctx context.Context, portfolioID string) error {
	_ = s.w.Flush()
	return s.db.ResetPortfolio(ctx, portfolioID)
}
