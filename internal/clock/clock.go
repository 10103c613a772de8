// Package clock abstracts wall-clock time so due-interval math is testable
// without real waits.
package clock

import "time"

// Clock supplies the scheduler's notion of "now" and its tick stream.
type Clock interface {
	Now() time.Time
	// Tick returns a channel that delivers the current time every interval.
	// The returned stop function releases the underlying ticker.
	Tick(interval time.Duration) (<-chan time.Time, func())
}

// System is the wall-clock implementation used in production.
type System struct{}

func NewSystem() System { return System{} }

func (System) Now() time.Time { return time.Now() }

func (System) Tick(interval time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(interval)
	return t.C, t.Stop
}

// Manual is a hand-advanced clock for tests. Ticks are delivered only when
// Advance or Fire is called.
type Manual struct {
	now  time.Time
	tick chan time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start, tick: make(chan time.Time, 16)}
}

func (m *Manual) Now() time.Time { return m.now }

func (m *Manual) Tick(time.Duration) (<-chan time.Time, func()) {
	return m.tick, func() {}
}

// Advance moves the clock forward.
func (m *Manual) Advance(d time.Duration) { m.now = m.now.Add(d) }

// Set jumps the clock to an absolute instant.
func (m *Manual) Set(t time.Time) { m.now = t }

// Fire delivers one tick at the current instant.
func (m *Manual) Fire() { m.tick <- m.now }
