package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weekly-er-engine/internal/config"
	"weekly-er-engine/internal/marketdata"
)

func replayConfig(universe ...string) config.Root {
	return config.Root{
		Selection: config.Selection{
			Universe: universe, TopN: 2, LookbackDays: 5,
			PriceMax: 1e9, VolumeMADays: 20, EMALogic: "any", ATRLookback: 14,
		},
		Stops:          config.Stops{Mode: "fixed", FixedPct: 0.02, TrailingMode: "percent", TrailingPct: 0.02},
		ExpectedReturn: config.ExpectedReturn{Mode: "fixed", FixedPct: 0.02},
		Execution:      config.Execution{CapitalPerTrade: 10000, CommissionPerTrade: 0},
	}
}

// week of Monday 2026-01-05, five daily closes walking from start to end.
func weekSeries(start, end float64) []marketdata.Bar {
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	step := (end - start) / 4
	bars := make([]marketdata.Bar, 5)
	price := start
	for i := range bars {
		bars[i] = marketdata.Bar{
			Date:  base.AddDate(0, 0, i),
			Open:  price,
			High:  price + 1,
			Low:   price - 1,
			Close: price,
		}
		price += step
	}
	bars[4].Close = end
	return bars
}

func TestRunRanksAndCapsReturns(t *testing.T) {
	h := marketdata.NewHistorical()
	h.AddSeries("A", weekSeries(100, 105)) // +5%, capped to +2%
	h.AddSeries("B", weekSeries(100, 102)) // +2%
	h.AddSeries("C", weekSeries(100, 99))  // -1%, outside top-2

	eng := NewEngine(replayConfig("A", "B", "C"), h, nil)
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC)
	res, err := eng.Run(context.Background(), start, end, 100000)
	require.NoError(t, err)

	require.Equal(t, 1, res.Weeks)
	require.Len(t, res.Selections, 1)
	assert.Equal(t, []string{"A", "B"}, res.Selections[0].Symbols)

	require.Len(t, res.Trades, 2)
	// A gained 5% but the capped policy books +2%: 100 shares x $2.
	assert.InDelta(t, 2, res.Trades[0].Return, 1e-9)
	assert.InDelta(t, 200, res.Trades[0].PnL, 1e-9)
	assert.InDelta(t, 2, res.Trades[1].Return, 1e-9)

	assert.InDelta(t, 100400, res.EndCapital, 1e-9)
	assert.InDelta(t, 0.004, res.TotalReturn, 1e-9)
	assert.InDelta(t, 1.0, res.WinRate, 1e-9)
}

func TestRunCapsLosses(t *testing.T) {
	h := marketdata.NewHistorical()
	h.AddSeries("DOWN", weekSeries(100, 90)) // -10%, capped to -2%

	eng := NewEngine(replayConfig("DOWN"), h, nil)
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC)
	res, err := eng.Run(context.Background(), start, end, 100000)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.InDelta(t, -2, res.Trades[0].Return, 1e-9)
	assert.InDelta(t, -200, res.Trades[0].PnL, 1e-9)
	assert.InDelta(t, 99800, res.EndCapital, 1e-9)
	assert.Greater(t, res.MaxDrawdown, 0.0)
}

func TestRunDeterministic(t *testing.T) {
	h := marketdata.NewHistorical()
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	mk := func(seedStep float64) []marketdata.Bar {
		bars := make([]marketdata.Bar, 20)
		price := 100.0
		for i := range bars {
			bars[i] = marketdata.Bar{Date: base.AddDate(0, 0, i), Close: price, High: price + 1, Low: price - 1}
			price += seedStep
		}
		return bars
	}
	h.AddSeries("A", mk(0.5))
	h.AddSeries("B", mk(-0.2))

	eng := NewEngine(replayConfig("A", "B"), h, nil)
	start := base
	end := base.AddDate(0, 0, 19)

	first, err := eng.Run(context.Background(), start, end, 100000)
	require.NoError(t, err)
	second, err := eng.Run(context.Background(), start, end, 100000)
	require.NoError(t, err)

	assert.Equal(t, first.EndCapital, second.EndCapital)
	assert.Equal(t, len(first.Trades), len(second.Trades))
	for i := range first.Trades {
		assert.Equal(t, first.Trades[i], second.Trades[i])
	}
	assert.Equal(t, first.Selections, second.Selections)
}

func TestRunSkipsUnavailableSymbols(t *testing.T) {
	h := marketdata.NewHistorical()
	h.AddSeries("A", weekSeries(100, 101))

	eng := NewEngine(replayConfig("A", "GHOST"), h, nil)
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC)
	res, err := eng.Run(context.Background(), start, end, 100000)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "A", res.Trades[0].Symbol)
}
