package detector

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DCAParams configures a dollar-cost-averaging strategy. The purchase amount
// lives on the strategy row; the interval drives the scheduler's timer.
type DCAParams struct {
	IntervalSeconds uint `json:"interval_seconds"`
}

func (p DCAParams) Validate() error {
	if p.IntervalSeconds == 0 {
		return fmt.Errorf("interval_seconds must be positive")
	}
	return nil
}

// DCA is timer-only: the scheduler alone decides when it is due, so every
// invocation buys. It keeps no state.
type DCA struct{}

func (DCA) RequiredHistory() int { return 0 }

func (DCA) Detect([]decimal.Decimal, string) (Signal, string, error) {
	return SignalBuy, "", nil
}
