// Package pricing supplies current and historical prices to the engine.
// Implementations are read-only market-data adapters; the engine treats a
// missing or stale price as a skipped cycle, never a fault.
package pricing

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnavailable signals that no price exists for the asset right now.
// Callers retry on their next cycle.
var ErrUnavailable = errors.New("price unavailable")

// Source provides the latest price and a bounded history window per asset.
type Source interface {
	// Current returns the latest price for the asset or ErrUnavailable.
	Current(ctx context.Context, assetID string) (decimal.Decimal, error)
	// History returns up to n prices, oldest first. Fewer than n is not an
	// error; brand-new listings simply have short histories.
	History(ctx context.Context, assetID string, n int) ([]decimal.Decimal, error)
}

// Symbol maps an asset id to the exchange trading pair, e.g. BTC -> BTCUSDT.
func Symbol(assetID string) string {
	return strings.ToUpper(assetID) + "USDT"
}
