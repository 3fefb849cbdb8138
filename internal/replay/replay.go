package replay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"weekly-er-engine/internal/calendar"
	"weekly-er-engine/internal/config"
	"weekly-er-engine/internal/marketdata"
	"weekly-er-engine/internal/observ"
	"weekly-er-engine/internal/progress"
	"weekly-er-engine/internal/selection"
	"weekly-er-engine/internal/stops"
)

// Trade is one simulated round trip: enter at the week's first close,
// exit at its last close, return capped to the stop and target.
type Trade struct {
	Week       calendar.TradingWeek `json:"week"`
	Symbol     string               `json:"symbol"`
	EntryPrice float64              `json:"entry_price"`
	ExitPrice  float64              `json:"exit_price"`
	Quantity   int                  `json:"qty"`
	Return     float64              `json:"return"`
	PnL        float64              `json:"pnl"`
}

// WeekSelection records what was picked each week, for audit.
type WeekSelection struct {
	Week    calendar.TradingWeek `json:"week"`
	Symbols []string             `json:"symbols"`
	Scores  map[string]float64   `json:"scores"`
}

// EquityPoint is the equity after a week completed.
type EquityPoint struct {
	Date   time.Time `json:"date"`
	Equity float64   `json:"equity"`
}

// Result is the full backtest output.
type Result struct {
	StartCapital     float64         `json:"start_capital"`
	EndCapital       float64         `json:"end_capital"`
	TotalReturn      float64         `json:"total_return"`
	AnnualizedReturn float64         `json:"annualized_return"`
	Sharpe           float64         `json:"sharpe"`
	MaxDrawdown      float64         `json:"max_drawdown"`
	WinRate          float64         `json:"win_rate"`
	ProfitFactor     float64         `json:"profit_factor"`
	Weeks            int             `json:"weeks"`
	Trades           []Trade         `json:"trades"`
	Selections       []WeekSelection `json:"selections"`
	EquityCurve      []EquityPoint   `json:"equity_curve"`
}

// Engine replays the weekly strategy over historical bars. Given the
// same bars and config it produces the same trades every run.
type Engine struct {
	cfg      config.Root
	provider marketdata.Provider
	prog     *progress.Stream
}

func NewEngine(cfg config.Root, provider marketdata.Provider, prog *progress.Stream) *Engine {
	return &Engine{cfg: cfg, provider: provider, prog: prog}
}

// Run simulates every trading week in [start, end].
func (e *Engine) Run(ctx context.Context, start, end time.Time, startCapital float64) (Result, error) {
	holidays := calendar.HolidaySet(e.cfg.HolidaySet())
	weeks := calendar.WeeksInRange(start, end, holidays)
	res := Result{StartCapital: startCapital, EndCapital: startCapital, Weeks: len(weeks)}

	equity := startCapital
	res.EquityCurve = append(res.EquityCurve, EquityPoint{Date: start, Equity: equity})
	var weeklyReturns []float64
	for i, week := range weeks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		pct := (100 * i) / maxInt(len(weeks), 1)
		e.prog.Emit(fmt.Sprintf("week %s", week.Start.Format("2006-01-02")), pct)

		picks, err := e.selectWeek(ctx, week)
		if err != nil {
			return res, err
		}
		if len(picks) == 0 {
			res.Selections = append(res.Selections, WeekSelection{Week: week})
			res.EquityCurve = append(res.EquityCurve, EquityPoint{Date: week.End, Equity: equity})
			weeklyReturns = append(weeklyReturns, 0)
			continue
		}

		sel := WeekSelection{Week: week, Scores: make(map[string]float64, len(picks))}
		weekPnL := 0.0
		for _, c := range picks {
			sel.Symbols = append(sel.Symbols, c.Symbol)
			sel.Scores[c.Symbol] = c.MomentumScore
			t, ok := e.simulateTrade(ctx, week, c)
			if !ok {
				continue
			}
			weekPnL += t.PnL
			res.Trades = append(res.Trades, t)
		}
		res.Selections = append(res.Selections, sel)

		before := equity
		equity += weekPnL
		res.EquityCurve = append(res.EquityCurve, EquityPoint{Date: week.End, Equity: equity})
		if before > 0 {
			weeklyReturns = append(weeklyReturns, weekPnL/before)
		} else {
			weeklyReturns = append(weeklyReturns, 0)
		}
	}

	res.EndCapital = equity
	e.finalize(&res, weeklyReturns, start, end)
	e.prog.Emit("replay complete", 100)
	observ.Log("replay_complete", map[string]any{
		"weeks": res.Weeks, "trades": len(res.Trades),
		"total_return": res.TotalReturn, "sharpe": res.Sharpe,
	})
	return res, nil
}

// selectWeek scores every universe symbol over the week's bars and
// returns the top ranked candidates.
func (e *Engine) selectWeek(ctx context.Context, week calendar.TradingWeek) ([]selection.Candidate, error) {
	var candidates []selection.Candidate
	for _, sym := range e.cfg.Selection.Universe {
		bars, err := e.provider.DailyBars(ctx, sym, week.Start, week.End)
		if err != nil {
			if errors.Is(err, marketdata.ErrUnavailable) {
				continue
			}
			return nil, fmt.Errorf("bars %s: %w", sym, err)
		}
		c := selection.ScoreWeek(sym, bars, e.cfg.Selection.LookbackDays, e.cfg.Selection.ATRLookback)
		if c != nil {
			candidates = append(candidates, *c)
		}
	}
	return selection.Rank(candidates, e.cfg.Selection.TopN), nil
}

// simulateTrade applies the capped weekly return to a fixed capital
// slice, less a round trip of commission.
func (e *Engine) simulateTrade(ctx context.Context, week calendar.TradingWeek, c selection.Candidate) (Trade, bool) {
	bars, err := e.provider.DailyBars(ctx, c.Symbol, week.Start, week.End)
	if err != nil || len(bars) < 2 {
		return Trade{}, false
	}
	entry := bars[0].Close
	exit := bars[len(bars)-1].Close
	if entry <= 0 {
		return Trade{}, false
	}

	erPct := stops.ExpectedReturnFor(c.Symbol, entry, c.ATR, e.cfg.ExpectedReturn)
	stopPct := e.cfg.Stops.FixedPct
	if e.cfg.Stops.Mode == "atr" && c.ATR > 0 {
		stopPct = c.ATR * e.cfg.Stops.ATRMult / entry
	}
	ret := stops.CappedReturn(entry, exit, erPct, stopPct) // percent

	qty := int(math.Floor(e.cfg.Execution.CapitalPerTrade / entry))
	if qty < 1 {
		qty = 1
	}
	pnl := ret/100*entry*float64(qty) - 2*e.cfg.Execution.CommissionPerTrade
	return Trade{
		Week:       week,
		Symbol:     c.Symbol,
		EntryPrice: entry,
		ExitPrice:  exit,
		Quantity:   qty,
		Return:     ret,
		PnL:        pnl,
	}, true
}

func (e *Engine) finalize(res *Result, weeklyReturns []float64, start, end time.Time) {
	if res.StartCapital > 0 {
		res.TotalReturn = (res.EndCapital - res.StartCapital) / res.StartCapital
	}
	years := end.Sub(start).Hours() / (24 * 365.25)
	if years > 0 && res.EndCapital > 0 && res.StartCapital > 0 {
		res.AnnualizedReturn = math.Pow(res.EndCapital/res.StartCapital, 1/years) - 1
	}
	res.Sharpe = sharpe(weeklyReturns)
	res.MaxDrawdown = maxDrawdown(res.EquityCurve)

	wins, losses := 0, 0
	grossWin, grossLoss := 0.0, 0.0
	for _, t := range res.Trades {
		if t.PnL > 0 {
			wins++
			grossWin += t.PnL
		} else if t.PnL < 0 {
			losses++
			grossLoss += -t.PnL
		}
	}
	if n := wins + losses; n > 0 {
		res.WinRate = float64(wins) / float64(n)
	}
	if grossLoss > 0 {
		res.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		res.ProfitFactor = math.Inf(1)
	}
}

// sharpe annualizes weekly returns assuming 52 periods per year.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	sd := math.Sqrt(variance)
	if sd == 0 {
		return 0
	}
	return mean / sd * math.Sqrt(52)
}

func maxDrawdown(curve []EquityPoint) float64 {
	peak, maxDD := 0.0, 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			dd := (peak - p.Equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
