package risk

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"weekly-er-engine/internal/config"
	"weekly-er-engine/internal/observ"
)

// Severity ranks how urgently a violation must be acted on.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Violation types, stable identifiers used in journals and logs.
const (
	ViolationPortfolioValue        = "portfolio_value_exceeded"
	ViolationDailyLoss             = "daily_loss_exceeded"
	ViolationEmergencyStop         = "emergency_stop_triggered"
	ViolationPositionConcentration = "position_concentration_exceeded"
	ViolationSectorConcentration   = "sector_concentration_exceeded"
	ViolationPositionValue         = "position_value_exceeded"
	ViolationCashReserve           = "insufficient_cash_reserve"
)

// Violation is one breached safety limit at check time.
type Violation struct {
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Symbol    string    `json:"symbol,omitempty"`
	Value     float64   `json:"value"`
	Limit     float64   `json:"limit"`
	Timestamp time.Time `json:"timestamp"`
}

// PositionRisk is the per-position risk view the governor scores.
type PositionRisk struct {
	Symbol           string
	Quantity         int
	MarketValue      float64
	UnrealizedPnL    float64
	UnrealizedPnLPct float64
	Volatility       float64 // annualized
	Sector           string
	RiskScore        int
}

// PortfolioSnapshot is what the governor checks on each safety pass.
type PortfolioSnapshot struct {
	TotalValue  float64
	CashBalance float64
	DailyPnL    float64
	Positions   []PositionRisk
}

// Action kinds the strategy layer executes in response to violations.
const (
	ActionLiquidateAll = "liquidate_all"
	ActionCloseLosing  = "close_losing"
)

// Action is the governor's instruction to the execution layer.
type Action struct {
	Kind    string
	Symbols []string // ordered; for close_losing, worst loss first
	Reason  string
}

// Governor enforces the configured safety limits. Limits are immutable
// after construction; only day tracking and the emergency latch mutate.
type Governor struct {
	mu       sync.Mutex
	limits   config.SafetyLimits
	sectors  *Classifier
	dayStart float64
	dayDate  string

	emergencyActive bool
}

func NewGovernor(limits config.SafetyLimits, sectors *Classifier) *Governor {
	return &Governor{limits: limits, sectors: sectors}
}

func (g *Governor) Limits() config.SafetyLimits { return g.limits }

// MarkDayStart records the portfolio value used as the daily loss baseline.
// Calling it again on the same date is a no-op.
func (g *Governor) MarkDayStart(now time.Time, totalValue float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := now.Format("2006-01-02")
	if g.dayDate == d {
		return
	}
	g.dayDate = d
	g.dayStart = totalValue
	observ.Log("day_start_marked", map[string]any{"date": d, "value": totalValue})
}

// DayStartValue returns the recorded baseline, zero if no day was marked.
func (g *Governor) DayStartValue() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dayStart
}

// EmergencyActive reports whether the emergency latch is set.
func (g *Governor) EmergencyActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emergencyActive
}

// ResetEmergency clears the latch. Only an operator-driven restart path
// should call this.
func (g *Governor) ResetEmergency() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.emergencyActive = false
}

// ScorePosition returns a 0-100 risk score for one position.
func (g *Governor) ScorePosition(p PositionRisk) int {
	score := 0
	switch {
	case p.MarketValue > 30000:
		score += 20
	case p.MarketValue > 20000:
		score += 10
	}
	switch {
	case p.Volatility > 0.40:
		score += 30
	case p.Volatility > 0.25:
		score += 15
	}
	switch {
	case p.UnrealizedPnLPct < -0.10:
		score += 25
	case p.UnrealizedPnLPct < -0.05:
		score += 10
	}
	if g.sectors.IsRisky(p.Sector) {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

// ScorePortfolio returns a 0-100 aggregate risk score.
func (g *Governor) ScorePortfolio(s PortfolioSnapshot) int {
	score := 0
	maxConc := 0.0
	sectorValue := map[string]float64{}
	for _, p := range s.Positions {
		if s.TotalValue > 0 {
			c := p.MarketValue / s.TotalValue
			if c > maxConc {
				maxConc = c
			}
		}
		sectorValue[p.Sector] += p.MarketValue
	}
	switch {
	case maxConc > 0.20:
		score += 25
	case maxConc > 0.15:
		score += 15
	}
	maxSector := 0.0
	if s.TotalValue > 0 {
		for _, v := range sectorValue {
			if c := v / s.TotalValue; c > maxSector {
				maxSector = c
			}
		}
	}
	switch {
	case maxSector > 0.40:
		score += 20
	case maxSector > 0.30:
		score += 10
	}
	if s.TotalValue > 0 {
		ratio := g.ValueAtRisk(s) / s.TotalValue
		switch {
		case ratio > 0.15:
			score += 25
		case ratio > 0.10:
			score += 15
		}
	}
	switch {
	case s.TotalValue > 400000:
		score += 15
	case s.TotalValue > 200000:
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

// ValueAtRisk estimates one-day 95% VaR. Per-position VaR combines
// root-sum-square, then a 0.8 diversification factor.
func (g *Governor) ValueAtRisk(s PortfolioSnapshot) float64 {
	sumSq := 0.0
	for _, p := range s.Positions {
		v := 1.65 * p.Volatility * p.MarketValue
		sumSq += v * v
	}
	return math.Sqrt(sumSq) * 0.8
}

// Check evaluates every safety limit against the snapshot and returns all
// violations found. It also sets the emergency latch when the drop from
// the day-start baseline exceeds the emergency stop threshold.
func (g *Governor) Check(now time.Time, s PortfolioSnapshot) []Violation {
	g.mu.Lock()
	dayStart := g.dayStart
	g.mu.Unlock()

	var out []Violation
	add := func(v Violation) {
		v.Timestamp = now
		out = append(out, v)
		observ.IncCounter("safety_violations_total", map[string]string{"type": v.Type})
		observ.Log("safety_violation", map[string]any{
			"type": v.Type, "severity": string(v.Severity),
			"symbol": v.Symbol, "value": v.Value, "limit": v.Limit,
		})
	}

	if s.TotalValue > g.limits.MaxPortfolioValue {
		add(Violation{
			Type: ViolationPortfolioValue, Severity: SeverityHigh,
			Message: fmt.Sprintf("portfolio value %.2f exceeds limit %.2f", s.TotalValue, g.limits.MaxPortfolioValue),
			Value:   s.TotalValue, Limit: g.limits.MaxPortfolioValue,
		})
	}

	if dayStart > 0 {
		dailyPnL := s.TotalValue - dayStart
		if -dailyPnL > g.limits.MaxDailyLoss {
			add(Violation{
				Type: ViolationDailyLoss, Severity: SeverityCritical,
				Message: fmt.Sprintf("daily loss %.2f exceeds limit %.2f", -dailyPnL, g.limits.MaxDailyLoss),
				Value:   -dailyPnL, Limit: g.limits.MaxDailyLoss,
			})
		}
		dropPct := -dailyPnL / dayStart
		if dropPct > g.limits.EmergencyStopLossPct {
			add(Violation{
				Type: ViolationEmergencyStop, Severity: SeverityCritical,
				Message: fmt.Sprintf("portfolio down %.1f%% from day start, emergency threshold %.1f%%", dropPct*100, g.limits.EmergencyStopLossPct*100),
				Value:   dropPct, Limit: g.limits.EmergencyStopLossPct,
			})
			g.mu.Lock()
			g.emergencyActive = true
			g.mu.Unlock()
		}
	}

	sectorValue := map[string]float64{}
	for _, p := range s.Positions {
		if p.MarketValue > g.limits.MaxPositionValue {
			add(Violation{
				Type: ViolationPositionValue, Severity: SeverityMedium, Symbol: p.Symbol,
				Message: fmt.Sprintf("%s value %.2f exceeds limit %.2f", p.Symbol, p.MarketValue, g.limits.MaxPositionValue),
				Value:   p.MarketValue, Limit: g.limits.MaxPositionValue,
			})
		}
		if s.TotalValue > 0 {
			conc := p.MarketValue / s.TotalValue
			if conc > g.limits.MaxPositionConcentration {
				add(Violation{
					Type: ViolationPositionConcentration, Severity: SeverityMedium, Symbol: p.Symbol,
					Message: fmt.Sprintf("%s concentration %.1f%% exceeds limit %.1f%%", p.Symbol, conc*100, g.limits.MaxPositionConcentration*100),
					Value:   conc, Limit: g.limits.MaxPositionConcentration,
				})
			}
		}
		sectorValue[p.Sector] += p.MarketValue
	}

	if s.TotalValue > 0 {
		for sector, v := range sectorValue {
			conc := v / s.TotalValue
			if conc > g.limits.MaxSectorConcentration {
				add(Violation{
					Type: ViolationSectorConcentration, Severity: SeverityMedium, Symbol: sector,
					Message: fmt.Sprintf("sector %s concentration %.1f%% exceeds limit %.1f%%", sector, conc*100, g.limits.MaxSectorConcentration*100),
					Value:   conc, Limit: g.limits.MaxSectorConcentration,
				})
			}
		}
	}

	if s.CashBalance < g.limits.MinCashReserve {
		add(Violation{
			Type: ViolationCashReserve, Severity: SeverityLow,
			Message: fmt.Sprintf("cash %.2f below reserve %.2f", s.CashBalance, g.limits.MinCashReserve),
			Value:   s.CashBalance, Limit: g.limits.MinCashReserve,
		})
	}

	observ.SetGauge("portfolio_risk_score", float64(g.ScorePortfolio(s)), nil)
	return out
}

// Actions maps violations to execution instructions. Emergency liquidation
// is produced at most once per latch; repeated emergency violations while
// the latch is set yield no further liquidate_all action.
func (g *Governor) Actions(violations []Violation, s PortfolioSnapshot, latchWasSet bool) []Action {
	var out []Action
	emergency := false
	dailyLoss := false
	for _, v := range violations {
		switch v.Type {
		case ViolationEmergencyStop:
			emergency = true
		case ViolationDailyLoss:
			dailyLoss = true
		}
	}

	if emergency && !latchWasSet {
		syms := make([]string, 0, len(s.Positions))
		for _, p := range s.Positions {
			syms = append(syms, p.Symbol)
		}
		sort.Strings(syms)
		out = append(out, Action{Kind: ActionLiquidateAll, Symbols: syms, Reason: ViolationEmergencyStop})
		return out
	}

	if dailyLoss && !emergency {
		losing := make([]PositionRisk, 0, len(s.Positions))
		for _, p := range s.Positions {
			if p.UnrealizedPnL < 0 {
				losing = append(losing, p)
			}
		}
		sort.Slice(losing, func(i, j int) bool {
			return losing[i].UnrealizedPnL < losing[j].UnrealizedPnL
		})
		syms := make([]string, 0, len(losing))
		for _, p := range losing {
			syms = append(syms, p.Symbol)
		}
		if len(syms) > 0 {
			out = append(out, Action{Kind: ActionCloseLosing, Symbols: syms, Reason: ViolationDailyLoss})
		}
	}
	return out
}

// CheckEntry gates a prospective entry before an order goes out.
func (g *Governor) CheckEntry(s PortfolioSnapshot, symbol string, value float64) error {
	if g.EmergencyActive() {
		return fmt.Errorf("entry rejected for %s: emergency stop active", symbol)
	}
	if len(s.Positions) >= g.limits.MaxPositions {
		return fmt.Errorf("entry rejected for %s: at position limit %d", symbol, g.limits.MaxPositions)
	}
	if value > g.limits.MaxPositionValue {
		return fmt.Errorf("entry rejected for %s: value %.2f exceeds limit %.2f", symbol, value, g.limits.MaxPositionValue)
	}
	if s.TotalValue+value > g.limits.MaxPortfolioValue {
		return fmt.Errorf("entry rejected for %s: portfolio would exceed %.2f", symbol, g.limits.MaxPortfolioValue)
	}
	if s.CashBalance-value < g.limits.MinCashReserve {
		return fmt.Errorf("entry rejected for %s: would breach cash reserve %.2f", symbol, g.limits.MinCashReserve)
	}
	return nil
}
