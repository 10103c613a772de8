package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Order is an ephemeral buy/sell request. It is consumed exactly once by the
// ledger; duplicates inside the de-dup window are refused by key.
type Order struct {
	Kind    string // db.TxBuy or db.TxSell
	AssetID string
	Amount  decimal.Decimal
	Price   decimal.Decimal

	// Key deduplicates re-submissions. When empty the ledger derives it from
	// the order fields and a coarse timestamp bucket.
	Key string
}

// DeriveKey builds the idempotency key for an order observed at now. Orders
// with identical fields inside the same bucket collapse onto one key, which
// is what protects against re-entrant scheduler ticks and client retries.
// Keys are tracked per portfolio, so identical orders from different
// portfolios never collide.
func (o Order) DeriveKey(now time.Time, window time.Duration) string {
	if o.Key != "" {
		return o.Key
	}
	if window <= 0 {
		window = 5 * time.Second
	}
	bucket := now.UnixNano() / int64(window)
	return fmt.Sprintf("%s|%s|%s|%s|%d", o.Kind, o.AssetID, o.Amount.String(), o.Price.String(), bucket)
}
