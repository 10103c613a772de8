package pricing

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// MockFeed drives a Memory source with a synthetic random walk for local
// development and offline demos.
type MockFeed struct {
	Window     *Memory
	Assets     []string
	StartPrice float64
	Step       float64
	Interval   time.Duration
}

func (m *MockFeed) Start(ctx context.Context) {
	if len(m.Assets) == 0 {
		m.Assets = []string{"BTC"}
	}
	if m.StartPrice == 0 {
		m.StartPrice = 100.0
	}
	if m.Step == 0 {
		m.Step = 0.5
	}
	if m.Interval == 0 {
		m.Interval = time.Second
	}

	prices := make(map[string]float64, len(m.Assets))
	for _, a := range m.Assets {
		prices[a] = m.StartPrice
		m.Window.Append(a, decimal.NewFromFloat(m.StartPrice))
	}

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				for _, asset := range m.Assets {
					// simple random walk, floored above zero
					next := prices[asset] + (rand.Float64()*2-1)*m.Step
					if next <= 0 {
						next = prices[asset]
					}
					prices[asset] = next
					m.Window.Append(asset, decimal.NewFromFloat(next))
				}
			}
		}
	}()
}
