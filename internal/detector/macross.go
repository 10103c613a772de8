package detector

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// MAParams configures a moving-average crossover strategy.
type MAParams struct {
	ShortPeriod int `json:"short_period"`
	LongPeriod  int `json:"long_period"`
}

func (p MAParams) Validate() error {
	if p.ShortPeriod <= 0 || p.LongPeriod <= 0 {
		return fmt.Errorf("periods must be positive")
	}
	if p.ShortPeriod >= p.LongPeriod {
		return fmt.Errorf("short_period must be less than long_period")
	}
	return nil
}

// maState is the minimal memory between evaluations: the sign of
// shortMA - longMA at the previous evaluation.
type maState struct {
	Sign int `json:"sign"` // -1 below, 0 equal, +1 above
}

// MACross fires BUY on an upward crossing of the short MA over the long MA
// and SELL on the mirror downward crossing. A strategy that starts already
// above or below never fires on its first evaluation: the first pass only
// records the sign.
type MACross struct {
	Short int
	Long  int
}

func (m MACross) RequiredHistory() int { return m.Long }

func (m MACross) Detect(history []decimal.Decimal, prior string) (Signal, string, error) {
	if len(history) < m.Long {
		// Insufficient data: hold, keep state untouched.
		return SignalHold, prior, nil
	}

	shortMA := mean(history, m.Short)
	longMA := mean(history, m.Long)
	sign := shortMA.Cmp(longMA)
	next, err := json.Marshal(maState{Sign: sign})
	if err != nil {
		return SignalHold, prior, err
	}

	if prior == "" {
		// Baseline: record where we stand, never trade on the first look.
		return SignalHold, string(next), nil
	}

	var st maState
	if err := json.Unmarshal([]byte(prior), &st); err != nil {
		return SignalHold, prior, fmt.Errorf("decode moving-average state: %w", err)
	}

	switch {
	case sign > 0 && st.Sign <= 0:
		return SignalBuy, string(next), nil
	case sign < 0 && st.Sign >= 0:
		return SignalSell, string(next), nil
	}
	return SignalHold, string(next), nil
}
