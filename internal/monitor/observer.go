package monitor

import (
	"sync"

	"papertrader/internal/events"
	"papertrader/pkg/db"
)

// Observe counts applied and rejected orders off the event bus so every
// producer (scheduler or manual API orders) is covered by one consumer.
// It returns a stop function.
func (m *Metrics) Observe(bus *events.Bus) func() {
	applied := bus.Subscribe(events.EventOrderApplied, 64)
	rejected := bus.Subscribe(events.EventOrderRejected, 64)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for p := range applied.C {
			if txn, ok := p.(db.Transaction); ok {
				m.OrdersApplied.WithLabelValues(txn.Kind).Inc()
			}
		}
	}()
	go func() {
		defer wg.Done()
		for range rejected.C {
			m.OrdersRejected.Inc()
		}
	}()

	return func() {
		applied.Unsubscribe()
		rejected.Unsubscribe()
		wg.Wait()
	}
}
