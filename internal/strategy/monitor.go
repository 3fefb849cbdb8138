package strategy

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"weekly-er-engine/internal/observ"
	"weekly-er-engine/internal/risk"
	"weekly-er-engine/internal/stops"
)

// monitorUntil polls prices and manages stops until the deadline, the
// context ends, or an emergency liquidation empties the book. Price
// reads fan out per symbol; all position mutation happens on this
// goroutine afterward.
func (e *Engine) monitorUntil(ctx context.Context, deadline time.Time) error {
	interval := time.Duration(e.cfg.Execution.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	safetyEvery := time.Duration(e.cfg.Execution.SafetyCheckSeconds) * time.Second
	lastSafety := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		now := e.clock()
		if !now.Before(deadline) {
			return nil
		}

		if e.conn != nil && !e.conn.IsHealthy() {
			if err := e.pauseUntilHealthy(ctx, deadline); err != nil {
				return err
			}
			// Resume requires a fresh safety pass before stop management.
			lastSafety = time.Time{}
		}

		start := time.Now()
		prices := e.fetchPrices(ctx)
		observ.Observe("monitor_tick_ms", float64(time.Since(start).Milliseconds()), nil)

		for _, p := range e.book.All() {
			last, ok := prices[p.Symbol]
			if !ok {
				continue
			}
			e.book.SetLastPrice(p.Symbol, last)
			e.manageStops(ctx, p.Symbol, last)
		}

		if lastSafety.IsZero() || now.Sub(lastSafety) >= safetyEvery {
			lastSafety = now
			if done := e.safetyPass(ctx, now); done {
				return nil
			}
		}
		if e.book.Len() == 0 {
			return nil
		}
	}
}

// fetchPrices reads the last price for every open symbol concurrently.
// A symbol whose read fails is simply absent from the result; its stops
// stay where they are until the next tick.
func (e *Engine) fetchPrices(ctx context.Context) map[string]float64 {
	symbols := e.book.Symbols()
	out := make(map[string]float64, len(symbols))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			last, err := e.provider.LastPrice(gctx, sym)
			if err != nil {
				observ.IncCounter("price_fetch_errors_total", map[string]string{"symbol": sym})
				return nil
			}
			mu.Lock()
			out[sym] = last
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// manageStops applies, in order, the protective raise on target hit and
// then the trailing ratchet. The broker stop is modified only when the
// local stop actually moved.
func (e *Engine) manageStops(ctx context.Context, symbol string, last float64) {
	p, ok := e.book.Get(symbol)
	if !ok {
		return
	}

	if newStop, raised := stops.ProtectiveRaise(last, p.ERLevel, p.TargetHit); raised {
		e.book.MarkTargetHit(symbol)
		if e.book.RaiseStop(symbol, newStop) {
			e.modifyBrokerStop(ctx, symbol, p.StopOrderID, newStop)
			e.journalEvent(symbol, "protective_raise", map[string]any{"stop": newStop, "last": last})
		}
	}

	candidate := stops.TrailingCandidate(p.EntryPrice, p.ATR, e.cfg.Stops.TrailingMode, e.cfg.Stops.TrailingPct, e.cfg.Stops.TrailingATRMult)
	if newTrail, moved := stops.ApplyRatchet(candidate, last, p.TrailPrice); moved {
		e.book.RaiseTrail(symbol, newTrail)
		if e.book.RaiseStop(symbol, newTrail) {
			e.modifyBrokerStop(ctx, symbol, p.StopOrderID, newTrail)
			e.journalEvent(symbol, "trail_raised", map[string]any{"trail": newTrail, "last": last})
		}
	}
}

func (e *Engine) modifyBrokerStop(ctx context.Context, symbol, stopOrderID string, price float64) {
	if stopOrderID == "" {
		return
	}
	if err := e.gw.ModifyStop(ctx, stopOrderID, price); err != nil {
		observ.Log("stop_modify_failed", map[string]any{"symbol": symbol, "error": err.Error()})
	}
}

// safetyPass reconciles the book with the broker, runs the governor and
// executes its actions. Returns true when the cycle is over because the
// book was liquidated.
func (e *Engine) safetyPass(ctx context.Context, now time.Time) bool {
	if broker, err := e.gw.OpenPositions(ctx); err == nil {
		dropped, unknown := e.book.Reconcile(broker)
		for _, sym := range dropped {
			e.journalEvent(sym, "position_closed_externally", nil)
		}
		for _, sym := range unknown {
			if sym == e.hedgeSymbol {
				continue
			}
			e.journalEvent(sym, "unknown_broker_position", nil)
		}
	}

	snap := e.snapshot(ctx)
	e.governor.MarkDayStart(now, snap.TotalValue)
	latchWas := e.governor.EmergencyActive()
	violations := e.governor.Check(now, snap)
	if len(violations) == 0 {
		return false
	}
	for _, a := range e.governor.Actions(violations, snap, latchWas) {
		switch a.Kind {
		case risk.ActionLiquidateAll:
			e.emergencyLiquidate(ctx)
			return true
		case risk.ActionCloseLosing:
			for _, sym := range a.Symbols {
				if p, ok := e.book.Get(sym); ok {
					if err := e.exitOne(ctx, p, risk.ViolationDailyLoss); err != nil {
						e.unresolved[sym] = true
						e.journalEvent(sym, "exit_failed", err.Error())
					}
				}
			}
		}
	}
	return e.book.Len() == 0
}

// emergencyLiquidate flattens everything. The governor latch makes a
// second call a no-op at the action layer, and an empty book makes this
// one harmless anyway.
func (e *Engine) emergencyLiquidate(ctx context.Context) {
	if err := e.sm.Transition(StateEmergencyLiquidating); err != nil {
		observ.Log("state_transition_failed", map[string]any{"error": err.Error()})
	}
	observ.Log("emergency_liquidation", map[string]any{"positions": e.book.Len()})
	e.journalEvent("", "emergency_liquidation_started", map[string]any{"positions": e.book.Len()})
	e.exitAll(ctx, risk.ViolationEmergencyStop)
	e.journalEvent("", "emergency_liquidation_complete", map[string]any{"unresolved": e.Unresolved()})
}

// pauseUntilHealthy parks the cycle in Paused while the broker link is
// down. It returns when the link recovers or the deadline passes.
func (e *Engine) pauseUntilHealthy(ctx context.Context, deadline time.Time) error {
	if err := e.sm.Transition(StatePaused); err != nil {
		return err
	}
	e.prog.Emit("connection lost, monitoring paused", -1)
	e.journalEvent("", "monitoring_paused", nil)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	recovered := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !e.clock().Before(deadline) {
			break
		}
		if e.conn.IsHealthy() {
			recovered = true
			break
		}
	}
	if recovered {
		// Resume only past a clean governor pass. A liquidation here
		// ends the cycle from Paused; RunCycle picks the state up.
		if done := e.safetyPass(ctx, e.clock()); done {
			return nil
		}
	}
	e.journalEvent("", "monitoring_resumed", nil)
	return e.sm.Transition(StateMonitoring)
}
