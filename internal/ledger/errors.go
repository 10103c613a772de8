package ledger

import "errors"

// Rejection reasons. A rejected order is never partially applied.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidPrice         = errors.New("invalid price")
	ErrDuplicateOrder       = errors.New("duplicate order")
)

// IsRejection reports whether err is a ledger rejection as opposed to an
// infrastructure failure. Rejections are declined trades, not faults.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientHoldings) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidPrice) ||
		errors.Is(err, ErrDuplicateOrder)
}
