package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"papertrader/internal/detector"
	"papertrader/internal/events"
	"papertrader/internal/ledger"
	"papertrader/internal/monitor"
	"papertrader/pkg/db"
)

// errStrategyGone signals that the strategy row vanished or was disabled
// between evaluation and commit; the pending order is voided.
var errStrategyGone = errors.New("strategy removed or disabled at commit time")

// evaluate runs one full cycle for a due strategy: price fetch, detection,
// order submission and state persistence. Every exit path releases the
// in-flight guard via finish.
func (s *Scheduler) evaluate(ctx context.Context, st db.Strategy, now time.Time) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EvalTimeout)
	defer cancel()

	log := s.logger.With(zap.String("strategy", st.ID), zap.String("kind", st.Kind))

	det, err := detector.New(st.Kind, st.Parameters)
	if err != nil {
		// Validation at save time should make this unreachable.
		log.Error("detector construction failed", zap.Error(err))
		s.finish(st.ID, StateHeld, monitor.OutcomeError, st.Kind)
		return
	}

	price, err := s.prices.Current(ctx, st.AssetID)
	if err != nil {
		log.Warn("price unavailable, skipping cycle", zap.Error(err))
		if st.Kind == db.KindDCA {
			// Advancing after the attempt keeps a missing price from turning
			// the interval timer into a tight retry loop.
			s.advanceClock(ctx, st.ID, now, log)
		}
		s.finish(st.ID, StateArmed, monitor.OutcomeSkipped, st.Kind)
		return
	}

	var history []decimal.Decimal
	if need := det.RequiredHistory(); need > 0 {
		limit := s.cfg.HistoryLimit
		if need > limit {
			limit = need
		}
		history, err = s.prices.History(ctx, st.AssetID, limit)
		if err != nil {
			log.Warn("price history unavailable, skipping cycle", zap.Error(err))
			s.finish(st.ID, StateArmed, monitor.OutcomeSkipped, st.Kind)
			return
		}
		if !history[len(history)-1].Equal(price) {
			history = append(history, price)
		}
	}

	s.mu.Lock()
	if rt, ok := s.runtimes[st.ID]; ok {
		rt.lastEvalAt = now
	}
	s.mu.Unlock()

	signal, newState, err := det.Detect(history, st.DetectorState)
	if err != nil {
		// A failing detector is a HOLD, never a crash.
		log.Error("detector failed, holding", zap.Error(err))
		s.finish(st.ID, StateHeld, monitor.OutcomeError, st.Kind)
		return
	}

	// The strategy must still exist and be enabled at commit time. This
	// re-read refreshes amount and enablement early; the conditional write at
	// commit is the authoritative check.
	fresh, err := s.store.GetStrategy(ctx, st.ID)
	if err != nil {
		log.Error("strategy re-read failed", zap.Error(err))
		s.finish(st.ID, StateHeld, monitor.OutcomeError, st.Kind)
		return
	}
	if fresh == nil || !fresh.Enabled {
		log.Info("strategy gone or disabled mid-evaluation, result discarded")
		s.finish(st.ID, StateDisabled, monitor.OutcomeSkipped, st.Kind)
		return
	}

	if signal == detector.SignalHold {
		if _, err := s.store.UpdateStrategyRun(ctx, st.ID, nil, &newState); err != nil {
			log.Error("persist detector state failed, retrying next cycle", zap.Error(err))
		}
		s.finish(st.ID, StateHeld, monitor.OutcomeHeld, st.Kind)
		return
	}

	if s.metrics != nil {
		s.metrics.Signals.WithLabelValues(st.Kind, string(signal)).Inc()
	}
	if s.bus != nil {
		s.bus.Publish(events.EventStrategySignal, SignalEvent{
			StrategyID: st.ID, Kind: st.Kind, AssetID: st.AssetID,
			Signal: signal, Price: price,
		})
	}

	order := ledger.Order{
		Kind:    db.TxBuy,
		AssetID: st.AssetID,
		// Quote-currency sizing: the configured amount is spent, not bought.
		Amount: fresh.Amount.Div(price),
		Price:  price,
	}
	if signal == detector.SignalSell {
		order.Kind = db.TxSell
	}

	// The commit gate runs inside the ledger's exclusive section for this
	// portfolio: the run-state write and the trade are one atomic step, and a
	// vanished row voids the order instead of being resurrected by an upsert.
	commit := func(cctx context.Context) error {
		live, uerr := s.store.UpdateStrategyRun(cctx, st.ID, &now, &newState)
		if uerr != nil {
			// The trade stands on a storage fault; only bookkeeping is late.
			log.Error("persist execution state failed, trade stands", zap.Error(uerr))
			return nil
		}
		if !live {
			return errStrategyGone
		}
		return nil
	}

	txn, err := s.ledger.ApplyOrderChecked(ctx, fresh.UserID, order, commit)
	if err != nil {
		if errors.Is(err, errStrategyGone) {
			log.Info("strategy gone or disabled at commit time, order discarded")
			s.finish(st.ID, StateDisabled, monitor.OutcomeSkipped, st.Kind)
			return
		}
		if ledger.IsRejection(err) {
			// Declined, not failed. Detector state stays put so the same
			// transition can retry on the next due cycle.
			log.Info("order rejected", zap.Error(err))
			if st.Kind == db.KindDCA {
				s.advanceClock(ctx, st.ID, now, log)
			}
			s.finish(st.ID, StateHeld, monitor.OutcomeRejected, st.Kind)
			return
		}
		log.Error("order application failed", zap.Error(err))
		if st.Kind == db.KindDCA {
			s.advanceClock(ctx, st.ID, now, log)
		}
		s.finish(st.ID, StateHeld, monitor.OutcomeError, st.Kind)
		return
	}

	log.Info("order executed",
		zap.String("txn", txn.ID),
		zap.String("side", txn.Kind),
		zap.String("asset", txn.AssetID),
		zap.String("amount", txn.Amount.String()),
		zap.String("price", txn.Price.String()))
	s.finish(st.ID, StateExecuted, monitor.OutcomeExecuted, st.Kind)
}

// advanceClock stamps lastExecutedAt on a DCA strategy after an attempt that
// produced no trade. The conditional write is a no-op when the row was
// deleted or disabled in the meantime.
func (s *Scheduler) advanceClock(ctx context.Context, id string, now time.Time, log *zap.Logger) {
	if _, err := s.store.UpdateStrategyRun(ctx, id, &now, nil); err != nil {
		log.Error("persist interval clock failed", zap.Error(err))
	}
}

// finish releases the in-flight guard and records the cycle outcome.
func (s *Scheduler) finish(id string, state RunState, outcome, kind string) {
	s.mu.Lock()
	if rt, ok := s.runtimes[id]; ok {
		rt.inFlight = false
		rt.state = state
	}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.Evaluations.WithLabelValues(kind, outcome).Inc()
	}
}
