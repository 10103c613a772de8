package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// Strategy kinds understood by the engine.
const (
	KindDCA           = "DCA"
	KindMovingAverage = "MOVING_AVERAGE"
	KindRSI           = "RSI"
)

// Transaction kinds.
const (
	TxBuy  = "BUY"
	TxSell = "SELL"
)

// CashAsset is the synthetic holding that represents quote-currency cash.
const CashAsset = "USD"

// Strategy is a configured automated strategy row.
// Enabled, LastExecutedAt and DetectorState are mutated only by the scheduler.
type Strategy struct {
	ID             string
	UserID         string
	Name           string
	Kind           string
	AssetID        string
	Amount         decimal.Decimal
	Parameters     string // kind-specific params, JSON
	Enabled        bool
	LastExecutedAt *time.Time
	DetectorState  string // opaque, owned by the strategy's detector
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Holding is one asset position inside a portfolio.
type Holding struct {
	PortfolioID string
	AssetID     string
	Amount      decimal.Decimal
	AverageCost decimal.Decimal
	UpdatedAt   time.Time
}

// Transaction is one committed buy/sell; rows are append-only.
type Transaction struct {
	ID          string
	PortfolioID string
	Kind        string
	AssetID     string
	Amount      decimal.Decimal
	Price       decimal.Decimal
	CreatedAt   time.Time
}

// User represents an application user. Each user owns one portfolio keyed by
// the user id.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
