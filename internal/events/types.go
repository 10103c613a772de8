package events

// Event enumerates high-level topics inside the engine.
type Event string

const (
	EventStrategySignal  Event = "strategy.signal"
	EventStrategyChanged Event = "strategy.changed"
	EventOrderApplied    Event = "order.applied"
	EventOrderRejected   Event = "order.rejected"
)
