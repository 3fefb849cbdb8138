package risk

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weekly-er-engine/internal/config"
)

func testLimits() config.SafetyLimits {
	return config.SafetyLimits{
		MaxPositionValue:         50000,
		MaxPortfolioValue:        500000,
		MaxDailyLoss:             10000,
		MaxPositionConcentration: 0.15,
		MaxSectorConcentration:   0.30,
		EmergencyStopLossPct:     0.10,
		MaxPositions:             20,
		MinCashReserve:           10000,
	}
}

func newTestGovernor() *Governor {
	return NewGovernor(testLimits(), NewClassifier(nil))
}

func TestScorePosition(t *testing.T) {
	g := newTestGovernor()
	cases := []struct {
		name string
		pos  PositionRisk
		want int
	}{
		{"quiet_small", PositionRisk{MarketValue: 5000, Volatility: 0.10, Sector: "Energy"}, 0},
		{"large_value", PositionRisk{MarketValue: 35000, Volatility: 0.10, Sector: "Energy"}, 20},
		{"mid_value", PositionRisk{MarketValue: 25000, Volatility: 0.10, Sector: "Energy"}, 10},
		{"high_vol", PositionRisk{MarketValue: 5000, Volatility: 0.45, Sector: "Energy"}, 30},
		{"mid_vol", PositionRisk{MarketValue: 5000, Volatility: 0.30, Sector: "Energy"}, 15},
		{"deep_loss", PositionRisk{MarketValue: 5000, Volatility: 0.10, UnrealizedPnLPct: -0.12, Sector: "Energy"}, 25},
		{"mild_loss", PositionRisk{MarketValue: 5000, Volatility: 0.10, UnrealizedPnLPct: -0.06, Sector: "Energy"}, 10},
		{"risky_sector", PositionRisk{MarketValue: 5000, Volatility: 0.10, Sector: "Technology"}, 10},
		{"everything_capped", PositionRisk{MarketValue: 40000, Volatility: 0.50, UnrealizedPnLPct: -0.15, Sector: "ETF-Leveraged"}, 85},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := g.ScorePosition(tc.pos)
			assert.Equal(t, tc.want, got)
			assert.GreaterOrEqual(t, got, 0)
			assert.LessOrEqual(t, got, 100)
		})
	}
}

func TestScorePortfolioBounds(t *testing.T) {
	g := newTestGovernor()
	snap := PortfolioSnapshot{
		TotalValue: 450000,
		Positions: []PositionRisk{
			{Symbol: "A", MarketValue: 150000, Volatility: 0.6, Sector: "Technology"},
			{Symbol: "B", MarketValue: 140000, Volatility: 0.6, Sector: "Technology"},
		},
	}
	score := g.ScorePortfolio(snap)
	assert.GreaterOrEqual(t, score, 0)
	assert.LessOrEqual(t, score, 100)
	assert.Equal(t, 0, g.ScorePortfolio(PortfolioSnapshot{}))
}

func TestValueAtRisk(t *testing.T) {
	g := newTestGovernor()
	snap := PortfolioSnapshot{Positions: []PositionRisk{
		{MarketValue: 10000, Volatility: 0.20},
		{MarketValue: 20000, Volatility: 0.30},
	}}
	a := 1.65 * 0.20 * 10000
	b := 1.65 * 0.30 * 20000
	want := math.Sqrt(a*a+b*b) * 0.8
	assert.InDelta(t, want, g.ValueAtRisk(snap), 1e-6)
}

func TestConcentrationViolation(t *testing.T) {
	g := newTestGovernor()
	now := time.Now()

	over := PortfolioSnapshot{
		TotalValue:  100000,
		CashBalance: 80000,
		Positions:   []PositionRisk{{Symbol: "AAPL", MarketValue: 20000, Sector: "Energy"}},
	}
	violations := g.Check(now, over)
	var conc []Violation
	for _, v := range violations {
		if v.Type == ViolationPositionConcentration {
			conc = append(conc, v)
		}
	}
	require.Len(t, conc, 1)
	assert.Equal(t, SeverityMedium, conc[0].Severity)
	assert.Equal(t, "AAPL", conc[0].Symbol)
	assert.InDelta(t, 0.20, conc[0].Value, 1e-9)

	under := PortfolioSnapshot{
		TotalValue:  100000,
		CashBalance: 80000,
		Positions:   []PositionRisk{{Symbol: "AAPL", MarketValue: 10000, Sector: "Energy"}},
	}
	for _, v := range g.Check(now, under) {
		assert.NotEqual(t, ViolationPositionConcentration, v.Type)
	}
}

func TestCheckViolationTypes(t *testing.T) {
	g := newTestGovernor()
	now := time.Now()
	g.MarkDayStart(now, 600000)

	snap := PortfolioSnapshot{
		TotalValue:  520000, // over portfolio cap, and -13.3% from day start
		CashBalance: 5000,   // under reserve
		Positions: []PositionRisk{
			{Symbol: "BIG", MarketValue: 60000, Sector: "Technology"},
			{Symbol: "TECH2", MarketValue: 120000, Sector: "Technology"},
		},
	}
	types := map[string]Severity{}
	for _, v := range g.Check(now, snap) {
		types[v.Type] = v.Severity
	}
	assert.Equal(t, SeverityHigh, types[ViolationPortfolioValue])
	assert.Equal(t, SeverityCritical, types[ViolationDailyLoss])
	assert.Equal(t, SeverityCritical, types[ViolationEmergencyStop])
	assert.Equal(t, SeverityMedium, types[ViolationPositionValue])
	assert.Equal(t, SeverityMedium, types[ViolationSectorConcentration])
	assert.Equal(t, SeverityLow, types[ViolationCashReserve])
	assert.True(t, g.EmergencyActive())
}

func TestEmergencyLiquidationIdempotent(t *testing.T) {
	g := newTestGovernor()
	now := time.Now()
	g.MarkDayStart(now, 200000)

	snap := PortfolioSnapshot{
		TotalValue:  170000, // -15% from day start
		CashBalance: 50000,
		Positions: []PositionRisk{
			{Symbol: "B", MarketValue: 10000, Sector: "Energy"},
			{Symbol: "A", MarketValue: 10000, Sector: "Energy"},
		},
	}

	latchWas := g.EmergencyActive()
	require.False(t, latchWas)
	violations := g.Check(now, snap)
	actions := g.Actions(violations, snap, latchWas)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionLiquidateAll, actions[0].Kind)
	assert.Equal(t, []string{"A", "B"}, actions[0].Symbols)

	// Same condition re-detected on the next tick: latch suppresses a
	// second liquidation command.
	latchWas = g.EmergencyActive()
	require.True(t, latchWas)
	violations = g.Check(now, snap)
	actions = g.Actions(violations, snap, latchWas)
	assert.Empty(t, actions)
}

func TestDailyLossClosesLosersWorstFirst(t *testing.T) {
	g := newTestGovernor()
	now := time.Now()
	g.MarkDayStart(now, 200000)

	snap := PortfolioSnapshot{
		TotalValue:  188000, // -6%: daily loss breached, emergency (10%) not
		CashBalance: 50000,
		Positions: []PositionRisk{
			{Symbol: "SMALL_LOSS", MarketValue: 10000, UnrealizedPnL: -500, Sector: "Energy"},
			{Symbol: "WINNER", MarketValue: 10000, UnrealizedPnL: 2000, Sector: "Energy"},
			{Symbol: "BIG_LOSS", MarketValue: 10000, UnrealizedPnL: -4000, Sector: "Energy"},
		},
	}
	latchWas := g.EmergencyActive()
	violations := g.Check(now, snap)
	actions := g.Actions(violations, snap, latchWas)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionCloseLosing, actions[0].Kind)
	assert.Equal(t, []string{"BIG_LOSS", "SMALL_LOSS"}, actions[0].Symbols)
}

func TestMarkDayStartOncePerDate(t *testing.T) {
	g := newTestGovernor()
	now := time.Now()
	g.MarkDayStart(now, 100000)
	g.MarkDayStart(now.Add(time.Hour), 50000)
	assert.InDelta(t, 100000, g.DayStartValue(), 1e-9)
}

func TestCheckEntry(t *testing.T) {
	g := newTestGovernor()
	snap := PortfolioSnapshot{TotalValue: 100000, CashBalance: 60000}

	assert.NoError(t, g.CheckEntry(snap, "AAPL", 10000))
	assert.Error(t, g.CheckEntry(snap, "AAPL", 60000), "position value cap")

	tight := PortfolioSnapshot{TotalValue: 100000, CashBalance: 55000}
	assert.Error(t, g.CheckEntry(tight, "AAPL", 46000), "cash reserve")

	full := snap
	for i := 0; i < 20; i++ {
		full.Positions = append(full.Positions, PositionRisk{})
	}
	assert.Error(t, g.CheckEntry(full, "AAPL", 1000), "position count cap")
}

func TestClassifier(t *testing.T) {
	c := NewClassifier(map[string]string{"AAPL": "Overridden"})
	assert.Equal(t, "Overridden", c.Sector("AAPL"))
	assert.Equal(t, "Technology", c.Sector("MSFT"))
	assert.Equal(t, "Unknown", c.Sector("ZZZZ"))
	assert.True(t, c.IsRisky("ETF-Leveraged"))
	assert.False(t, c.IsRisky("Energy"))
}
