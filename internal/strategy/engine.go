package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"weekly-er-engine/internal/calendar"
	"weekly-er-engine/internal/config"
	"weekly-er-engine/internal/connection"
	"weekly-er-engine/internal/gateway"
	"weekly-er-engine/internal/journal"
	"weekly-er-engine/internal/marketdata"
	"weekly-er-engine/internal/observ"
	"weekly-er-engine/internal/pending"
	"weekly-er-engine/internal/progress"
	"weekly-er-engine/internal/protection"
	"weekly-er-engine/internal/regime"
	"weekly-er-engine/internal/risk"
	"weekly-er-engine/internal/selection"
	"weekly-er-engine/internal/stops"
)

// Deps wires the engine's collaborators. Conn, Prog and Prot may be nil.
type Deps struct {
	Config    config.Root
	Provider  marketdata.Provider
	Gateway   gateway.ExecutionGateway
	Governor  *risk.Governor
	Sectors   *risk.Classifier
	Conn      *connection.Monitor
	Journal   *journal.Journal
	Pending   *pending.Store
	Progress  *progress.Stream
	Protector protection.Sizer
	Clock     func() time.Time
}

// Engine runs the weekly cycle in live mode. One goroutine owns all
// position mutation; the market data fan-out only reads.
type Engine struct {
	cfg      config.Root
	provider marketdata.Provider
	gw       gateway.ExecutionGateway
	governor *risk.Governor
	sectors  *risk.Classifier
	conn     *connection.Monitor
	jrnl     *journal.Journal
	pend     *pending.Store
	prog     *progress.Stream
	prot     protection.Sizer

	book     *Book
	sm       *Machine
	regime   *regime.Filter
	sel      *selection.Engine
	holidays calendar.HolidaySet
	clock    func() time.Time

	hedgeSymbol string
	hedgeQty    int
	unresolved  map[string]bool
}

func NewEngine(d Deps) *Engine {
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		cfg:        d.Config,
		provider:   d.Provider,
		gw:         d.Gateway,
		governor:   d.Governor,
		sectors:    d.Sectors,
		conn:       d.Conn,
		jrnl:       d.Journal,
		pend:       d.Pending,
		prog:       d.Progress,
		prot:       d.Protector,
		book:       NewBook(),
		sm:         NewMachine(),
		regime:     regime.New(d.Provider, d.Config.Regime),
		sel:        selection.NewEngine(d.Provider, d.Config.Selection),
		holidays:   calendar.HolidaySet(d.Config.HolidaySet()),
		clock:      clock,
		unresolved: make(map[string]bool),
	}
}

func (e *Engine) State() State { return e.sm.Current() }
func (e *Engine) Book() *Book  { return e.book }

// Unresolved lists symbols whose order state needs operator attention.
func (e *Engine) Unresolved() []string {
	out := make([]string, 0, len(e.unresolved))
	for s := range e.unresolved {
		out = append(out, s)
	}
	return out
}

// RunCycle executes one full trading week: wait for the entry window,
// gate on regime, select, enter, monitor to the Friday cutoff, flatten.
func (e *Engine) RunCycle(ctx context.Context) error {
	if err := e.sm.Transition(StateAwaitingEntryWindow); err != nil {
		return err
	}
	entryAt, cutoff := e.weekWindow()
	e.prog.Emit(fmt.Sprintf("awaiting entry window %s", entryAt.Format(time.RFC3339)), 5)
	if err := e.sleepUntil(ctx, entryAt); err != nil {
		return err
	}

	if err := e.sm.Transition(StateEvaluatingRegime); err != nil {
		return err
	}
	dec := e.regime.Evaluate(ctx, e.clock())
	hedge := dec.HedgeFlag
	if !dec.OK && !hedge {
		e.prog.Emit("regime unfavorable, standing aside this week", 100)
		e.journalEvent("", "regime_blocked", dec)
		return e.sm.Transition(StateIdle)
	}

	if err := e.sm.Transition(StateSelecting); err != nil {
		return err
	}
	e.prog.Emit("ranking candidates", 20)
	candidates, err := e.sel.BuildCandidates(ctx, e.clock())
	if err != nil {
		if errors.Is(err, selection.ErrSelectionEmpty) {
			e.prog.Emit("no candidates this week", 100)
			e.journalEvent("", "selection_empty", nil)
			return e.sm.Transition(StateIdle)
		}
		return fmt.Errorf("selection: %w", err)
	}

	if err := e.sm.Transition(StateEnteringPositions); err != nil {
		return err
	}
	if err := e.enterPositions(ctx, candidates, hedge); err != nil {
		return err
	}

	if err := e.sm.Transition(StateMonitoring); err != nil {
		return err
	}
	if err := e.monitorUntil(ctx, cutoff); err != nil {
		return err
	}

	if e.sm.Current() == StateEmergencyLiquidating {
		return e.sm.Transition(StateIdle)
	}
	if err := e.sm.Transition(StateExitingAll); err != nil {
		return err
	}
	e.exitAll(ctx, "friday_close")
	e.prog.Emit("week complete", 100)
	return e.sm.Transition(StateIdle)
}

// weekWindow returns this cycle's entry time and Friday cutoff.
func (e *Engine) weekWindow() (entryAt, cutoff time.Time) {
	now := e.clock()
	monday := calendar.NextMonday(now, e.holidays)
	open := time.Date(monday.Year(), monday.Month(), monday.Day(), 9, 30, 0, 0, now.Location())
	entryAt = open
	if e.cfg.Execution.EntryTiming == "delayed" {
		entryAt = open.Add(time.Duration(e.cfg.Execution.EntryDelayMinutes) * time.Minute)
	}
	friday := calendar.FridayOfWeek(monday, e.holidays)
	hm, _ := time.Parse("15:04", e.cfg.Execution.FridayCutoff)
	cutoff = time.Date(friday.Year(), friday.Month(), friday.Day(), hm.Hour(), hm.Minute(), 0, 0, now.Location())
	return entryAt, cutoff
}

func (e *Engine) sleepUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(e.clock())
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) enterPositions(ctx context.Context, candidates []selection.Candidate, hedge bool) error {
	total := len(candidates)
	for i, c := range candidates {
		pct := 25 + (50*i)/maxInt(total, 1)
		e.prog.Emit(fmt.Sprintf("entering %s (%d/%d)", c.Symbol, i+1, total), pct)
		if err := e.enterOne(ctx, c); err != nil {
			observ.Log("entry_skipped", map[string]any{"symbol": c.Symbol, "error": err.Error()})
			e.journalEvent(c.Symbol, "entry_skipped", err.Error())
		}
	}
	if hedge && e.book.Len() > 0 {
		if err := e.openHedge(ctx); err != nil {
			observ.Log("hedge_failed", map[string]any{"error": err.Error()})
			e.journalEvent(e.cfg.Regime.ProxySymbol, "hedge_failed", err.Error())
		}
	}
	return nil
}

// enterOne sizes, gates, places a market buy with a linked stop, awaits
// the fill and registers the position. Entry orders are not retried.
func (e *Engine) enterOne(ctx context.Context, c selection.Candidate) error {
	price, err := e.provider.LastPrice(ctx, c.Symbol)
	if err != nil {
		return fmt.Errorf("quote %s: %w", c.Symbol, err)
	}
	qty := positionSize(e.cfg.Execution.CapitalPerTrade, price)
	value := price * float64(qty)

	snap := e.snapshot(ctx)
	if err := e.governor.CheckEntry(snap, c.Symbol, value); err != nil {
		return err
	}

	stopPrice := stops.InitialStop(price, c.ATR, e.cfg.Stops.Mode, e.cfg.Stops.FixedPct, e.cfg.Stops.ATRMult)
	if err := e.pend.MarkPendingBuy(c.Symbol, qty, "MKT", price, "weekly entry"); err != nil {
		return err
	}

	st, err := e.gw.PlaceOrder(ctx, gateway.Order{
		Symbol:    c.Symbol,
		Side:      gateway.Buy,
		Quantity:  qty,
		StopPrice: stopPrice,
	})
	if err != nil {
		return fmt.Errorf("place %s: %w", c.Symbol, err)
	}

	st, err = e.awaitFill(ctx, c.Symbol, st)
	if err != nil {
		return err
	}

	if err := e.pend.MarkBought(c.Symbol); err != nil {
		observ.Log("pending_mark_failed", map[string]any{"symbol": c.Symbol, "error": err.Error()})
	}

	erPct := stops.ExpectedReturnFor(c.Symbol, st.AvgFillPrice, c.ATR, e.cfg.ExpectedReturn)
	pos := Position{
		Symbol:      c.Symbol,
		Quantity:    st.FilledQty,
		EntryPrice:  st.AvgFillPrice,
		EntryTime:   e.clock(),
		StopPrice:   stops.InitialStop(st.AvgFillPrice, c.ATR, e.cfg.Stops.Mode, e.cfg.Stops.FixedPct, e.cfg.Stops.ATRMult),
		StopOrderID: st.StopOrderID,
		ERLevel:     stops.ERLevel(st.AvgFillPrice, erPct),
		ATR:         c.ATR,
		Sector:      e.sectors.Sector(c.Symbol),
		LastPrice:   st.AvgFillPrice,
	}
	if err := e.book.Add(pos); err != nil {
		return err
	}
	e.journalTrade(c.Symbol, "BUY", st.FilledQty, st.AvgFillPrice, "weekly_entry", st.ID)

	if e.cfg.Execution.EnableProtection && e.prot != nil {
		if q, err := e.prot.Propose(ctx, protection.Request{Symbol: c.Symbol, Price: st.AvgFillPrice, Quantity: st.FilledQty}); err == nil && q != nil {
			e.journalEvent(c.Symbol, "protection_quoted", q)
		}
	}
	return nil
}

// awaitFill polls the order until filled or the configured timeout. On
// timeout the order is cancelled, the symbol flagged for operator review.
func (e *Engine) awaitFill(ctx context.Context, symbol string, st gateway.OrderState) (gateway.OrderState, error) {
	if st.Status == gateway.StatusFilled {
		return st, nil
	}
	timeout := time.Duration(e.cfg.Execution.FillTimeoutSeconds) * time.Second
	deadline := e.clock().Add(timeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
		cur, err := e.gw.OrderStatus(ctx, st.ID)
		if err == nil {
			switch cur.Status {
			case gateway.StatusFilled:
				return cur, nil
			case gateway.StatusCancelled, gateway.StatusRejected:
				return cur, fmt.Errorf("order %s ended %s", cur.ID, cur.Status)
			}
		}
		if e.clock().After(deadline) {
			_ = e.gw.CancelOrder(ctx, st.ID)
			e.unresolved[symbol] = true
			e.journalEvent(symbol, "fill_timeout", map[string]any{"order_id": st.ID, "timeout_seconds": timeout.Seconds()})
			e.journalEvent(symbol, "manual_intervention_required", map[string]any{"order_id": st.ID})
			return st, fmt.Errorf("order %s not filled within %s", st.ID, timeout)
		}
	}
}

// openHedge shorts the proxy via an inverse-sized market order against
// the total allocated notional.
func (e *Engine) openHedge(ctx context.Context) error {
	allocated := 0.0
	for _, p := range e.book.All() {
		allocated += p.EntryPrice * float64(p.Quantity)
	}
	notional := allocated * e.cfg.Regime.HedgeRatio
	sym := e.cfg.Regime.ProxySymbol
	price, err := e.provider.LastPrice(ctx, sym)
	if err != nil {
		return err
	}
	qty := positionSize(notional, price)
	st, err := e.gw.PlaceOrder(ctx, gateway.Order{Symbol: sym, Side: gateway.Sell, Quantity: qty})
	if err != nil {
		return err
	}
	e.hedgeSymbol = sym
	e.hedgeQty = qty
	e.journalTrade(sym, "SELL", qty, st.AvgFillPrice, "regime_hedge", st.ID)
	return nil
}

// closeHedge buys back the week's hedge, if one is open.
func (e *Engine) closeHedge(ctx context.Context) {
	if e.hedgeSymbol == "" || e.hedgeQty == 0 {
		return
	}
	st, err := e.gw.PlaceOrder(ctx, gateway.Order{Symbol: e.hedgeSymbol, Side: gateway.Buy, Quantity: e.hedgeQty})
	if err != nil {
		e.journalEvent(e.hedgeSymbol, "hedge_close_failed", err.Error())
		return
	}
	e.journalTrade(e.hedgeSymbol, "BUY", st.FilledQty, st.AvgFillPrice, "hedge_close", st.ID)
	e.hedgeSymbol = ""
	e.hedgeQty = 0
}

// exitAll cancels resting stops first, then closes every position with a
// market order. A failed exit is retried once; what still fails is
// flagged for operator review.
func (e *Engine) exitAll(ctx context.Context, reason string) {
	for _, p := range e.book.All() {
		if p.StopOrderID != "" {
			if err := e.gw.CancelOrder(ctx, p.StopOrderID); err != nil {
				observ.Log("stop_cancel_failed", map[string]any{"symbol": p.Symbol, "error": err.Error()})
			}
		}
	}
	for _, p := range e.book.All() {
		if err := e.exitOne(ctx, p, reason); err != nil {
			if err = e.exitOne(ctx, p, reason); err != nil {
				e.unresolved[p.Symbol] = true
				e.journalEvent(p.Symbol, "exit_failed", err.Error())
				e.journalEvent(p.Symbol, "manual_intervention_required", map[string]any{"reason": reason})
				continue
			}
		}
	}
	e.closeHedge(ctx)
	if e.pend != nil && e.book.Len() == 0 && len(e.unresolved) == 0 {
		if err := e.pend.Clear(); err != nil {
			observ.Log("pending_clear_failed", map[string]any{"error": err.Error()})
		}
	}
}

func (e *Engine) exitOne(ctx context.Context, p Position, reason string) error {
	if err := e.pend.MarkPendingSell(p.Symbol, p.Quantity, "MKT", p.LastPrice, reason); err != nil {
		observ.Log("pending_mark_failed", map[string]any{"symbol": p.Symbol, "error": err.Error()})
	}
	st, err := e.gw.PlaceOrder(ctx, gateway.Order{Symbol: p.Symbol, Side: gateway.Sell, Quantity: p.Quantity})
	if err != nil {
		return fmt.Errorf("exit %s: %w", p.Symbol, err)
	}
	if _, err := e.awaitFill(ctx, p.Symbol, st); err != nil {
		return err
	}
	if err := e.pend.MarkSold(p.Symbol); err != nil {
		observ.Log("pending_mark_failed", map[string]any{"symbol": p.Symbol, "error": err.Error()})
	}
	e.book.Remove(p.Symbol)
	e.journalTrade(p.Symbol, "SELL", st.FilledQty, st.AvgFillPrice, reason, st.ID)
	return nil
}

// snapshot builds the governor's portfolio view from the book and the
// broker account values.
func (e *Engine) snapshot(ctx context.Context) risk.PortfolioSnapshot {
	total, cash, err := e.gw.AccountValue(ctx)
	if err != nil {
		observ.Log("account_value_unavailable", map[string]any{"error": err.Error()})
	}
	positions := e.book.All()
	out := risk.PortfolioSnapshot{TotalValue: total, CashBalance: cash}
	for _, p := range positions {
		pr := risk.PositionRisk{
			Symbol:           p.Symbol,
			Quantity:         p.Quantity,
			MarketValue:      p.MarketValue(),
			UnrealizedPnL:    p.UnrealizedPnL(),
			UnrealizedPnLPct: p.UnrealizedPnLPct(),
			Volatility:       annualizedVol(p.ATR, p.EntryPrice),
			Sector:           p.Sector,
		}
		pr.RiskScore = e.governor.ScorePosition(pr)
		out.Positions = append(out.Positions, pr)
	}
	return out
}

func (e *Engine) journalTrade(symbol, side string, qty int, price float64, reason, orderID string) {
	if e.jrnl == nil {
		return
	}
	if err := e.jrnl.Trade(symbol, side, qty, price, reason, orderID); err != nil {
		observ.Log("journal_write_failed", map[string]any{"symbol": symbol, "error": err.Error()})
	}
}

func (e *Engine) journalEvent(symbol, eventType string, detail any) {
	if e.jrnl == nil {
		return
	}
	if err := e.jrnl.Event(symbol, eventType, detail); err != nil {
		observ.Log("journal_write_failed", map[string]any{"symbol": symbol, "error": err.Error()})
	}
}

// positionSize returns whole shares for the capital slice, never zero.
func positionSize(capital, price float64) int {
	if price <= 0 {
		return 1
	}
	qty := int(math.Floor(capital / price))
	if qty < 1 {
		qty = 1
	}
	return qty
}

// annualizedVol approximates volatility from the daily ATR.
func annualizedVol(atr, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return atr / price * math.Sqrt(252)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
