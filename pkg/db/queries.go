package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// --- Strategies ---

const strategyColumns = `id, user_id, name, kind, asset_id, amount, parameters,
	enabled, last_executed_at, detector_state, created_at, updated_at`

func scanStrategy(row interface{ Scan(...any) error }) (*Strategy, error) {
	var (
		s        Strategy
		amount   string
		lastExec sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.Name, &s.Kind, &s.AssetID, &amount,
		&s.Parameters, &s.Enabled, &lastExec, &s.DetectorState, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("strategy %s has bad amount %q: %w", s.ID, amount, err)
	}
	s.Amount = dec
	if lastExec.Valid {
		t := lastExec.Time
		s.LastExecutedAt = &t
	}
	return &s, nil
}

// ListStrategies returns all strategy rows, optionally filtered by user.
func (d *Database) ListStrategies(ctx context.Context, userID string) ([]Strategy, error) {
	q := `SELECT ` + strategyColumns + ` FROM strategies`
	args := []any{}
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at`

	rows, err := d.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *s)
	}
	return res, rows.Err()
}

// GetStrategy returns one strategy or nil when not found.
func (d *Database) GetStrategy(ctx context.Context, id string) (*Strategy, error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT `+strategyColumns+` FROM strategies WHERE id = ?`, id)
	s, err := scanStrategy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SaveStrategy inserts or fully replaces a strategy row.
func (d *Database) SaveStrategy(ctx context.Context, s Strategy) error {
	var lastExec, created any
	if s.LastExecutedAt != nil {
		lastExec = s.LastExecutedAt.UTC()
	}
	// A zero time must bind as NULL for the COALESCE default to apply.
	if !s.CreatedAt.IsZero() {
		created = s.CreatedAt.UTC()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategies (
			id, user_id, name, kind, asset_id, amount, parameters,
			enabled, last_executed_at, detector_state, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			asset_id = excluded.asset_id,
			amount = excluded.amount,
			parameters = excluded.parameters,
			enabled = excluded.enabled,
			last_executed_at = excluded.last_executed_at,
			detector_state = excluded.detector_state,
			updated_at = CURRENT_TIMESTAMP
	`, s.ID, s.UserID, s.Name, s.Kind, s.AssetID, s.Amount.String(), s.Parameters,
		s.Enabled, lastExec, s.DetectorState, created)
	return err
}

// UpdateStrategyRun updates the scheduler-owned columns of a live strategy
// row. Nil fields are left untouched. Returns false without writing when the
// row is gone or disabled, so a racing delete or disable wins.
func (d *Database) UpdateStrategyRun(ctx context.Context, id string, lastExecutedAt *time.Time, detectorState *string) (bool, error) {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	args := []any{}
	if lastExecutedAt != nil {
		sets = append(sets, "last_executed_at = ?")
		args = append(args, lastExecutedAt.UTC())
	}
	if detectorState != nil {
		sets = append(sets, "detector_state = ?")
		args = append(args, *detectorState)
	}
	args = append(args, id)

	res, err := d.DB.ExecContext(ctx,
		`UPDATE strategies SET `+strings.Join(sets, ", ")+` WHERE id = ? AND enabled = 1`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteStrategy removes a strategy row.
func (d *Database) DeleteStrategy(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM strategies WHERE id = ?`, id)
	return err
}

// --- Portfolios / holdings / transactions ---

// EnsurePortfolio creates the portfolio row if missing.
func (d *Database) EnsurePortfolio(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx,
		`INSERT INTO portfolios (id) VALUES (?) ON CONFLICT(id) DO NOTHING`, id)
	return err
}

// ListHoldings returns the active holdings of one portfolio.
func (d *Database) ListHoldings(ctx context.Context, portfolioID string) ([]Holding, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT portfolio_id, asset_id, amount, average_cost, updated_at
		FROM holdings WHERE portfolio_id = ?`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Holding
	for rows.Next() {
		var (
			h           Holding
			amount, avg string
		)
		if err := rows.Scan(&h.PortfolioID, &h.AssetID, &amount, &avg, &h.UpdatedAt); err != nil {
			return nil, err
		}
		if h.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("holding %s/%s bad amount: %w", portfolioID, h.AssetID, err)
		}
		if h.AverageCost, err = decimal.NewFromString(avg); err != nil {
			return nil, fmt.Errorf("holding %s/%s bad average_cost: %w", portfolioID, h.AssetID, err)
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// UpsertHolding stores the latest amount and cost basis for one asset.
func (d *Database) UpsertHolding(ctx context.Context, h Holding) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO holdings (portfolio_id, asset_id, amount, average_cost, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(portfolio_id, asset_id) DO UPDATE SET
			amount = excluded.amount,
			average_cost = excluded.average_cost,
			updated_at = CURRENT_TIMESTAMP
	`, h.PortfolioID, h.AssetID, h.Amount.String(), h.AverageCost.String())
	return err
}

// DeleteHolding removes an asset from the active holding set. Transaction
// history for the asset is retained.
func (d *Database) DeleteHolding(ctx context.Context, portfolioID, assetID string) error {
	_, err := d.DB.ExecContext(ctx,
		`DELETE FROM holdings WHERE portfolio_id = ? AND asset_id = ?`, portfolioID, assetID)
	return err
}

// AppendTransaction inserts one committed transaction row.
func (d *Database) AppendTransaction(ctx context.Context, t Transaction) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO transactions (id, portfolio_id, kind, asset_id, amount, price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.PortfolioID, t.Kind, t.AssetID, t.Amount.String(), t.Price.String(), t.CreatedAt.UTC())
	return err
}

// ListTransactions returns a portfolio's transactions, oldest first.
func (d *Database) ListTransactions(ctx context.Context, portfolioID string, limit int) ([]Transaction, error) {
	q := `
		SELECT id, portfolio_id, kind, asset_id, amount, price, created_at
		FROM transactions WHERE portfolio_id = ?
		ORDER BY created_at, id`
	args := []any{portfolioID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Transaction
	for rows.Next() {
		var (
			t             Transaction
			amount, price string
		)
		if err := rows.Scan(&t.ID, &t.PortfolioID, &t.Kind, &t.AssetID, &amount, &price, &t.CreatedAt); err != nil {
			return nil, err
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("transaction %s bad amount: %w", t.ID, err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("transaction %s bad price: %w", t.ID, err)
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ResetPortfolio wipes holdings and transaction history for a portfolio.
// Only a full reset is allowed to clear history.
func (d *Database) ResetPortfolio(ctx context.Context, portfolioID string) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM holdings WHERE portfolio_id = ?`, portfolioID); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE portfolio_id = ?`, portfolioID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- Users ---

// CreateUser inserts a new user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	// Zero times bind as NULL so the COALESCE defaults fire.
	var created, updated any
	if !u.CreatedAt.IsZero() {
		created = u.CreatedAt.UTC()
	}
	if !u.UpdatedAt.IsZero() {
		updated = u.UpdatedAt.UTC()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`, u.ID, strings.ToLower(u.Email), u.PasswordHash, created, updated)
	return err
}

// GetUserByEmail returns a user by email or nil if not found.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM users WHERE email = ?
	`, strings.ToLower(email))
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}
