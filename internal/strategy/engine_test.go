package strategy

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weekly-er-engine/internal/config"
	"weekly-er-engine/internal/connection"
	"weekly-er-engine/internal/gateway"
	"weekly-er-engine/internal/marketdata"
	"weekly-er-engine/internal/pending"
	"weekly-er-engine/internal/risk"
	"weekly-er-engine/internal/selection"
)

// fakeQuotes serves settable last prices; daily history is unavailable.
type fakeQuotes struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newFakeQuotes() *fakeQuotes {
	return &fakeQuotes{prices: map[string]float64{}}
}

func (f *fakeQuotes) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *fakeQuotes) LastPrice(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if px, ok := f.prices[symbol]; ok {
		return px, nil
	}
	return 0, marketdata.ErrUnavailable
}

func (f *fakeQuotes) DailyBars(_ context.Context, symbol string, _, _ time.Time) ([]marketdata.Bar, error) {
	return nil, marketdata.ErrUnavailable
}

// steadyLink is a broker link that is always up.
type steadyLink struct{}

func (steadyLink) Connect(context.Context) error { return nil }
func (steadyLink) Ping(context.Context) error    { return nil }
func (steadyLink) Close() error                  { return nil }

func testConfig() config.Root {
	return config.Root{
		Selection: config.Selection{TopN: 5, LookbackDays: 5, PriceMax: 1e9, EMALogic: "any", VolumeMADays: 20, ATRLookback: 14},
		Stops: config.Stops{
			Mode: "fixed", FixedPct: 0.02, ATRMult: 1.5,
			TrailingMode: "percent", TrailingPct: 0.04, TrailingATRMult: 1.0,
		},
		ExpectedReturn: config.ExpectedReturn{Mode: "fixed", FixedPct: 0.02},
		Regime:         config.Regime{ProxySymbol: "SPY", VolIndexSymbol: "VIX", CombineLogic: "all", HedgeRatio: 1.0},
		SafetyLimits: config.SafetyLimits{
			MaxPositionValue: 50000, MaxPortfolioValue: 500000, MaxDailyLoss: 10000,
			MaxPositionConcentration: 0.90, MaxSectorConcentration: 0.95,
			EmergencyStopLossPct: 0.10, MaxPositions: 20, MinCashReserve: 1000,
		},
		Execution: config.Execution{
			EntryTiming: "immediate", FridayCutoff: "15:55",
			CapitalPerTrade: 10000, CommissionPerTrade: 1,
			PollIntervalSeconds: 2, FillTimeoutSeconds: 5, SafetyCheckSeconds: 300,
		},
	}
}

func newTestEngine(t *testing.T, quotes *fakeQuotes, cash float64) (*Engine, *gateway.Sim) {
	t.Helper()
	cfg := testConfig()
	sectors := risk.NewClassifier(nil)
	gov := risk.NewGovernor(cfg.SafetyLimits, sectors)
	pend, err := pending.NewStore(filepath.Join(t.TempDir(), "pending.json"))
	require.NoError(t, err)
	gw := gateway.NewSim(quotes, cash)
	eng := NewEngine(Deps{
		Config:   cfg,
		Provider: quotes,
		Gateway:  gw,
		Governor: gov,
		Sectors:  sectors,
		Pending:  pend,
	})
	return eng, gw
}

func TestEnterOneOpensPositionWithStop(t *testing.T) {
	quotes := newFakeQuotes()
	quotes.set("AAPL", 100)
	eng, _ := newTestEngine(t, quotes, 150000)

	err := eng.enterOne(context.Background(), selection.Candidate{Symbol: "AAPL", LastClose: 100, ATR: 2})
	require.NoError(t, err)

	p, ok := eng.book.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, 100, p.Quantity) // floor(10000/100)
	assert.InDelta(t, 100, p.EntryPrice, 1e-9)
	assert.InDelta(t, 98, p.StopPrice, 1e-9) // fixed 2% below entry
	assert.InDelta(t, 102, p.ERLevel, 1e-9)  // fixed 2% target
	assert.NotEmpty(t, p.StopOrderID)
	assert.False(t, p.TargetHit)
	assert.False(t, eng.pend.IsPendingBuy("AAPL"), "fill clears the pending mark")
}

func TestEnterOneRejectedByGovernor(t *testing.T) {
	quotes := newFakeQuotes()
	quotes.set("AAPL", 100)
	eng, _ := newTestEngine(t, quotes, 150000)
	eng.governor.MarkDayStart(time.Now(), 150000)

	// Force the emergency latch; entries must be vetoed.
	eng.governor.Check(time.Now(), risk.PortfolioSnapshot{TotalValue: 100000})
	require.True(t, eng.governor.EmergencyActive())

	err := eng.enterOne(context.Background(), selection.Candidate{Symbol: "AAPL", LastClose: 100})
	assert.Error(t, err)
	assert.Equal(t, 0, eng.book.Len())
}

func TestManageStopsProtectiveRaiseThenTrail(t *testing.T) {
	quotes := newFakeQuotes()
	quotes.set("AAPL", 100)
	eng, _ := newTestEngine(t, quotes, 150000)
	ctx := context.Background()
	require.NoError(t, eng.enterOne(ctx, selection.Candidate{Symbol: "AAPL", LastClose: 100, ATR: 2}))

	// Price reaches the target: stop jumps to the ER level, latch sets.
	eng.book.SetLastPrice("AAPL", 103)
	eng.manageStops(ctx, "AAPL", 103)
	p, _ := eng.book.Get("AAPL")
	assert.True(t, p.TargetHit)
	assert.InDelta(t, 102, p.StopPrice, 1e-9)

	// Price reaches the trailing candidate (entry x 1.04): trail ratchets
	// and the stop follows.
	eng.book.SetLastPrice("AAPL", 105)
	eng.manageStops(ctx, "AAPL", 105)
	p, _ = eng.book.Get("AAPL")
	assert.InDelta(t, 104, p.TrailPrice, 1e-9)
	assert.InDelta(t, 104, p.StopPrice, 1e-9)

	// Price falls back: nothing moves down.
	eng.book.SetLastPrice("AAPL", 99)
	eng.manageStops(ctx, "AAPL", 99)
	p, _ = eng.book.Get("AAPL")
	assert.InDelta(t, 104, p.StopPrice, 1e-9)
	assert.InDelta(t, 104, p.TrailPrice, 1e-9)
	assert.True(t, p.TargetHit, "latch never reverts")
}

func TestPausedResumeRunsGovernorFirst(t *testing.T) {
	quotes := newFakeQuotes()
	quotes.set("AAPL", 100)
	eng, _ := newTestEngine(t, quotes, 150000)
	ctx := context.Background()
	require.NoError(t, eng.enterOne(ctx, selection.Candidate{Symbol: "AAPL", LastClose: 100, ATR: 2}))

	mon := connection.NewMonitor(config.Connection{Host: "127.0.0.1", Port: 7497}, steadyLink{}, connection.Callbacks{})
	require.NoError(t, mon.Start(ctx))
	eng.conn = mon

	for _, s := range []State{StateAwaitingEntryWindow, StateEvaluatingRegime, StateSelecting, StateEnteringPositions, StateMonitoring} {
		require.NoError(t, eng.sm.Transition(s))
	}

	// Portfolio sits 25% under the day's baseline. Recovering the link
	// must not hand control back to Monitoring: the governor pass at
	// resume liquidates instead.
	eng.governor.MarkDayStart(time.Now(), 200000)

	require.NoError(t, eng.pauseUntilHealthy(ctx, time.Now().Add(30*time.Second)))
	assert.Equal(t, StateEmergencyLiquidating, eng.State())
	assert.Equal(t, 0, eng.book.Len())
	assert.True(t, eng.governor.EmergencyActive())
}

func TestHedgeOpensShortAndClosesOnFlatten(t *testing.T) {
	quotes := newFakeQuotes()
	quotes.set("AAPL", 100)
	quotes.set("SPY", 500)
	eng, gw := newTestEngine(t, quotes, 150000)
	ctx := context.Background()
	require.NoError(t, eng.enterOne(ctx, selection.Candidate{Symbol: "AAPL", LastClose: 100, ATR: 2}))

	// hedgeRatio 1.0 against 10000 allocated at SPY 500 shorts 20 shares.
	require.NoError(t, eng.openHedge(ctx))
	assert.Equal(t, "SPY", eng.hedgeSymbol)
	assert.Equal(t, 20, eng.hedgeQty)

	positions, err := gw.OpenPositions(ctx)
	require.NoError(t, err)
	short := 0
	for _, p := range positions {
		if p.Symbol == "SPY" {
			short = p.Quantity
		}
	}
	assert.Equal(t, -20, short)

	eng.exitAll(ctx, "friday_close")
	assert.Equal(t, 0, eng.book.Len())
	assert.Empty(t, eng.hedgeSymbol)
	assert.Zero(t, eng.hedgeQty)
	positions, err = gw.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions, "hedge bought back with the flatten")
}

func TestExitAllFlattens(t *testing.T) {
	quotes := newFakeQuotes()
	quotes.set("AAPL", 100)
	quotes.set("MSFT", 200)
	eng, gw := newTestEngine(t, quotes, 150000)
	ctx := context.Background()
	require.NoError(t, eng.enterOne(ctx, selection.Candidate{Symbol: "AAPL", LastClose: 100, ATR: 2}))
	require.NoError(t, eng.enterOne(ctx, selection.Candidate{Symbol: "MSFT", LastClose: 200, ATR: 3}))
	require.Equal(t, 2, eng.book.Len())

	eng.exitAll(ctx, "friday_close")

	assert.Equal(t, 0, eng.book.Len())
	broker, err := gw.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, broker)
	assert.Empty(t, eng.Unresolved())
}

func TestSafetyPassEmergencyLiquidationIdempotent(t *testing.T) {
	quotes := newFakeQuotes()
	quotes.set("AAPL", 100)
	eng, gw := newTestEngine(t, quotes, 150000)
	ctx := context.Background()
	require.NoError(t, eng.enterOne(ctx, selection.Candidate{Symbol: "AAPL", LastClose: 100, ATR: 2}))

	// Bake in a high day-start value, then collapse the account.
	now := time.Now()
	eng.governor.MarkDayStart(now, 500000)

	done := eng.safetyPass(ctx, now)
	assert.True(t, done, "liquidation ends the cycle")
	assert.Equal(t, 0, eng.book.Len())
	assert.True(t, eng.governor.EmergencyActive())
	broker, err := gw.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, broker)

	// Re-detected on the next tick: no second liquidation command, and
	// the pass reports the empty book.
	done = eng.safetyPass(ctx, now)
	assert.True(t, done)
}

func TestWeekWindowDelayedEntry(t *testing.T) {
	quotes := newFakeQuotes()
	eng, _ := newTestEngine(t, quotes, 150000)
	eng.cfg.Execution.EntryTiming = "delayed"
	eng.cfg.Execution.EntryDelayMinutes = 120
	eng.clock = func() time.Time {
		return time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC) // Wednesday
	}

	entryAt, cutoff := eng.weekWindow()
	assert.Equal(t, time.Date(2026, 1, 12, 11, 30, 0, 0, time.UTC), entryAt)
	assert.Equal(t, time.Date(2026, 1, 16, 15, 55, 0, 0, time.UTC), cutoff)
}
