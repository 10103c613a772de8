// Package scheduler drives strategy evaluation. One fixed tick scans the
// strategy table, picks the due ones and evaluates them concurrently; all
// resulting orders funnel into the serialized ledger.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"papertrader/internal/clock"
	"papertrader/internal/detector"
	"papertrader/internal/events"
	"papertrader/internal/ledger"
	"papertrader/internal/monitor"
	"papertrader/internal/pricing"
	"papertrader/pkg/db"
)

// StrategyStore is the slice of persistence the scheduler needs. All of the
// scheduler's own writes go through UpdateStrategyRun: a conditional update
// that touches only the run columns and no-ops when the row was deleted or
// disabled, so a racing delete is never resurrected by an upsert.
type StrategyStore interface {
	ListStrategies(ctx context.Context, userID string) ([]db.Strategy, error)
	GetStrategy(ctx context.Context, id string) (*db.Strategy, error)
	SaveStrategy(ctx context.Context, s db.Strategy) error
	UpdateStrategyRun(ctx context.Context, id string, lastExecutedAt *time.Time, detectorState *string) (bool, error)
}

// RunState is the lifecycle position of one tracked strategy.
type RunState string

const (
	StateDisabled   RunState = "DISABLED"
	StateArmed      RunState = "ARMED"
	StateEvaluating RunState = "EVALUATING"
	StateExecuted   RunState = "EXECUTED"
	StateHeld       RunState = "HELD"
)

// runtime is the in-memory evaluation state for one strategy. lastEvalAt
// drives the poll cadence of signal strategies; DCA due math uses the
// persisted LastExecutedAt instead so it survives restarts.
type runtime struct {
	state      RunState
	inFlight   bool
	lastEvalAt time.Time
}

// SignalEvent is published on the bus for every non-HOLD detector signal.
type SignalEvent struct {
	StrategyID string
	Kind       string
	AssetID    string
	Signal     detector.Signal
	Price      decimal.Decimal
}

// Config tunes the scheduler's cadences and deadlines.
type Config struct {
	TickInterval   time.Duration // scan frequency
	PollInterval   time.Duration // evaluation cadence for MA/RSI strategies
	MinDCAInterval time.Duration // floor applied to DCA interval_seconds
	EvalTimeout    time.Duration // per-strategy evaluation deadline
	HistoryLimit   int           // max price points fetched per evaluation
}

// Scheduler owns the runtime table and the tick loop.
type Scheduler struct {
	store   StrategyStore
	prices  pricing.Source
	ledger  *ledger.Ledger
	clk     clock.Clock
	bus     *events.Bus
	logger  *zap.Logger
	metrics *monitor.Metrics
	cfg     Config

	mu       sync.Mutex
	runtimes map[string]*runtime
}

func New(store StrategyStore, prices pricing.Source, lgr *ledger.Ledger,
	clk clock.Clock, bus *events.Bus, logger *zap.Logger,
	metrics *monitor.Metrics, cfg Config) *Scheduler {

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Minute
	}
	if cfg.MinDCAInterval <= 0 {
		cfg.MinDCAInterval = time.Minute
	}
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = 10 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200
	}
	return &Scheduler{
		store:    store,
		prices:   prices,
		ledger:   lgr,
		clk:      clk,
		bus:      bus,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		runtimes: make(map[string]*runtime),
	}
}

// Run drives OnTick from the clock until ctx is cancelled. When a bus is
// wired it also listens for strategy lifecycle changes so deletes and
// disables take effect without waiting for the next scan.
func (s *Scheduler) Run(ctx context.Context) {
	ticks, stop := s.clk.Tick(s.cfg.TickInterval)
	defer stop()

	var changes <-chan any
	if s.bus != nil {
		sub := s.bus.Subscribe(events.EventStrategyChanged, 16)
		defer sub.Unsubscribe()
		changes = sub.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			s.OnTick(ctx)
		case payload, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.onStrategyChanged(ctx, payload)
		}
	}
}

// onStrategyChanged re-syncs one runtime after a strategy was created,
// updated or deleted through the API.
func (s *Scheduler) onStrategyChanged(ctx context.Context, payload any) {
	id, ok := payload.(string)
	if !ok {
		return
	}
	st, err := s.store.GetStrategy(ctx, id)
	if err != nil {
		s.logger.Warn("strategy change lookup failed",
			zap.String("strategy", id), zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, tracked := s.runtimes[id]
	switch {
	case st == nil:
		delete(s.runtimes, id)
	case !st.Enabled && tracked:
		rt.state = StateDisabled
	}
}

// OnTick scans all strategies once, evaluates the due ones concurrently and
// returns after every evaluation started by this tick has finished. One
// strategy's failure never aborts the scan.
func (s *Scheduler) OnTick(ctx context.Context) {
	started := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.TickDuration.Observe(time.Since(started).Seconds())
		}
	}()

	strategies, err := s.store.ListStrategies(ctx, "")
	if err != nil {
		s.logger.Error("strategy scan failed", zap.Error(err))
		return
	}
	s.syncRuntimes(strategies)

	now := s.clk.Now()
	var wg sync.WaitGroup
	for _, st := range strategies {
		if !st.Enabled {
			continue
		}
		rt := s.runtimeFor(st.ID)

		s.mu.Lock()
		busy := rt.inFlight
		if !busy && s.isDue(st, rt, now) {
			rt.inFlight = true
			rt.state = StateEvaluating
		} else {
			busy = true
		}
		s.mu.Unlock()
		if busy {
			continue
		}

		wg.Add(1)
		go func(st db.Strategy) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("evaluation panic",
						zap.String("strategy", st.ID), zap.Any("panic", r))
					s.finish(st.ID, StateHeld, monitor.OutcomeError, st.Kind)
				}
			}()
			s.evaluate(ctx, st, now)
		}(st)
	}
	wg.Wait()
}

// syncRuntimes drops runtimes for deleted strategies and tracks disable state.
// A deleted strategy's pending timer dies here; an evaluation already in
// flight discards its result at commit time.
func (s *Scheduler) syncRuntimes(strategies []db.Strategy) {
	alive := make(map[string]bool, len(strategies))
	active := 0
	for _, st := range strategies {
		alive[st.ID] = true
		if st.Enabled {
			active++
		}
	}

	s.mu.Lock()
	for id := range s.runtimes {
		if !alive[id] {
			delete(s.runtimes, id)
		}
	}
	for _, st := range strategies {
		if rt, ok := s.runtimes[st.ID]; ok && !st.Enabled {
			rt.state = StateDisabled
		}
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveRuntimes.Set(float64(active))
	}
}

func (s *Scheduler) runtimeFor(id string) *runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[id]
	if !ok {
		rt = &runtime{state: StateArmed}
		s.runtimes[id] = rt
	}
	return rt
}

// isDue applies the per-kind due policy. The caller holds s.mu.
func (s *Scheduler) isDue(st db.Strategy, rt *runtime, now time.Time) bool {
	switch st.Kind {
	case db.KindDCA:
		// Brand-new DCA runs immediately; afterwards the configured interval
		// applies, floored to prevent runaway tight loops.
		if st.LastExecutedAt == nil {
			return true
		}
		interval, err := s.dcaInterval(st)
		if err != nil {
			return false
		}
		return now.Sub(*st.LastExecutedAt) >= interval
	default:
		// Signal strategies are price-driven, so they poll on a fixed cadence
		// independent of when they last traded.
		if rt.lastEvalAt.IsZero() {
			return true
		}
		return now.Sub(rt.lastEvalAt) >= s.cfg.PollInterval
	}
}

func (s *Scheduler) dcaInterval(st db.Strategy) (time.Duration, error) {
	var p detector.DCAParams
	if err := json.Unmarshal([]byte(st.Parameters), &p); err != nil {
		return 0, fmt.Errorf("parse DCA interval: %w", err)
	}
	interval := time.Duration(p.IntervalSeconds) * time.Second
	if interval < s.cfg.MinDCAInterval {
		interval = s.cfg.MinDCAInterval
	}
	return interval, nil
}

// State reports the runtime state of a strategy, for introspection endpoints.
func (s *Scheduler) State(id string) RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.runtimes[id]; ok {
		return rt.state
	}
	return StateDisabled
}
