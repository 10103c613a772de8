// Package detector holds the per-kind signal detectors. Detectors are pure:
// the same history, params and prior state always produce the same signal and
// next state, so hysteresis survives process restarts via the persisted state.
package detector

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"papertrader/pkg/db"
)

// Signal is a trading decision.
type Signal string

const (
	SignalHold Signal = "HOLD"
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
)

// Detector maps price history plus prior state to a signal and the next state.
// History is oldest→newest and its last element reflects the latest observed
// price. State is an opaque JSON blob owned by the detector; the empty string
// means "never evaluated" and must not produce a signal.
type Detector interface {
	// RequiredHistory is the minimum number of price points needed for a
	// meaningful evaluation. Shorter histories yield HOLD with state unchanged.
	RequiredHistory() int
	Detect(history []decimal.Decimal, prior string) (Signal, string, error)
}

// New builds the detector for a strategy kind from its JSON parameters.
// Parameters are validated; a strategy that fails here must be rejected at
// save time and never reach the scheduler.
func New(kind, rawParams string) (Detector, error) {
	switch kind {
	case db.KindDCA:
		var p DCAParams
		if err := json.Unmarshal([]byte(rawParams), &p); err != nil {
			return nil, fmt.Errorf("parse DCA params: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return DCA{}, nil

	case db.KindMovingAverage:
		var p MAParams
		if err := json.Unmarshal([]byte(rawParams), &p); err != nil {
			return nil, fmt.Errorf("parse moving-average params: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return MACross{Short: p.ShortPeriod, Long: p.LongPeriod}, nil

	case db.KindRSI:
		var p RSIParams
		if err := json.Unmarshal([]byte(rawParams), &p); err != nil {
			return nil, fmt.Errorf("parse RSI params: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return RSI{Period: p.Period, Oversold: p.Oversold, Overbought: p.Overbought}, nil
	}
	return nil, fmt.Errorf("unknown strategy kind %q", kind)
}

// mean computes the average of the last n elements of prices.
func mean(prices []decimal.Decimal, n int) decimal.Decimal {
	sum := decimal.Zero
	for i := len(prices) - n; i < len(prices); i++ {
		sum = sum.Add(prices[i])
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}
