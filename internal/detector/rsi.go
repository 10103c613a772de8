package detector

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// RSIParams configures a relative-strength-index strategy.
type RSIParams struct {
	Period     int             `json:"period"`
	Oversold   decimal.Decimal `json:"oversold"`
	Overbought decimal.Decimal `json:"overbought"`
}

func (p RSIParams) Validate() error {
	if p.Period <= 0 {
		return fmt.Errorf("period must be positive")
	}
	hundred := decimal.NewFromInt(100)
	if p.Oversold.IsNegative() || p.Oversold.GreaterThan(hundred) ||
		p.Overbought.IsNegative() || p.Overbought.GreaterThan(hundred) {
		return fmt.Errorf("thresholds must be within 0..100")
	}
	if p.Oversold.GreaterThanOrEqual(p.Overbought) {
		return fmt.Errorf("oversold must be below overbought")
	}
	return nil
}

// RSI zones. Signals fire only on the transition into a zone.
const (
	zoneNormal     = "NORMAL"
	zoneOversold   = "OVERSOLD"
	zoneOverbought = "OVERBOUGHT"
)

type rsiState struct {
	Zone string `json:"zone"`
}

// RSI computes a simple-mean relative strength index over the trailing window
// and fires on zone entry: entering OVERSOLD buys, entering OVERBOUGHT sells,
// re-observing the same zone holds.
type RSI struct {
	Period     int
	Oversold   decimal.Decimal
	Overbought decimal.Decimal
}

func (r RSI) RequiredHistory() int { return r.Period + 1 }

func (r RSI) Detect(history []decimal.Decimal, prior string) (Signal, string, error) {
	if len(history) < r.Period+1 {
		return SignalHold, prior, nil
	}

	rsi := r.value(history)
	zone := zoneNormal
	switch {
	case rsi.LessThanOrEqual(r.Oversold):
		zone = zoneOversold
	case rsi.GreaterThanOrEqual(r.Overbought):
		zone = zoneOverbought
	}

	next, err := json.Marshal(rsiState{Zone: zone})
	if err != nil {
		return SignalHold, prior, err
	}

	if prior == "" {
		return SignalHold, string(next), nil
	}

	var st rsiState
	if err := json.Unmarshal([]byte(prior), &st); err != nil {
		return SignalHold, prior, fmt.Errorf("decode RSI state: %w", err)
	}
	if st.Zone == zone {
		return SignalHold, string(next), nil
	}

	switch zone {
	case zoneOversold:
		return SignalBuy, string(next), nil
	case zoneOverbought:
		return SignalSell, string(next), nil
	}
	return SignalHold, string(next), nil
}

// value computes RSI over the last Period deltas of history.
func (r RSI) value(history []decimal.Decimal) decimal.Decimal {
	window := history[len(history)-(r.Period+1):]
	gain := decimal.Zero
	loss := decimal.Zero
	for i := 1; i < len(window); i++ {
		change := window[i].Sub(window[i-1])
		if change.IsPositive() {
			gain = gain.Add(change)
		} else {
			loss = loss.Add(change.Abs())
		}
	}

	period := decimal.NewFromInt(int64(r.Period))
	avgGain := gain.Div(period)
	avgLoss := loss.Div(period)

	hundred := decimal.NewFromInt(100)
	if avgLoss.IsZero() {
		return hundred
	}
	rs := avgGain.Div(avgLoss)
	return hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
}
