package regime

import (
	"context"
	"testing"
	"time"

	"weekly-er-engine/internal/config"
	"weekly-er-engine/internal/marketdata"
)

func seedProxy(h *marketdata.Historical, symbol string, start float64, step float64, days int, asOf time.Time) {
	bars := make([]marketdata.Bar, days)
	price := start
	for i := range bars {
		bars[i] = marketdata.Bar{
			Date:  asOf.AddDate(0, 0, i-days),
			Close: price,
			High:  price + 1,
			Low:   price - 1,
		}
		price += step
	}
	h.AddSeries(symbol, bars)
}

func TestEvaluateTrend(t *testing.T) {
	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		step   float64
		wantOK bool
	}{
		{"uptrend_passes", 0.5, true},
		{"downtrend_fails", -0.5, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := marketdata.NewHistorical()
			seedProxy(h, "SPY", 400, tc.step, 200, asOf)
			f := New(h, config.Regime{ProxySymbol: "SPY", EMASpan: 50, CombineLogic: "all"})
			d := f.Evaluate(context.Background(), asOf)
			if d.OK != tc.wantOK {
				t.Errorf("OK = %v, want %v (close=%v ema=%v)", d.OK, tc.wantOK, d.ProxyClose, d.ProxyEMA)
			}
		})
	}
}

func TestEvaluateVolCeiling(t *testing.T) {
	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	h := marketdata.NewHistorical()
	h.AddSeries("VIX", []marketdata.Bar{{Date: asOf, Close: 35}})
	f := New(h, config.Regime{ProxySymbol: "SPY", VolIndexSymbol: "VIX", MaxVolIndex: 30, CombineLogic: "all"})
	d := f.Evaluate(context.Background(), asOf)
	if d.OK {
		t.Error("vol 35 above ceiling 30 should fail")
	}
	if d.VolOK {
		t.Error("VolOK should be false")
	}
}

func TestEvaluateCombineAny(t *testing.T) {
	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	h := marketdata.NewHistorical()
	seedProxy(h, "SPY", 400, 0.5, 200, asOf) // trend passes
	h.AddSeries("VIX", []marketdata.Bar{{Date: asOf, Close: 35}})
	f := New(h, config.Regime{
		ProxySymbol: "SPY", EMASpan: 50,
		VolIndexSymbol: "VIX", MaxVolIndex: 30,
		CombineLogic: "any",
	})
	if d := f.Evaluate(context.Background(), asOf); !d.OK {
		t.Error("any-logic with passing trend should pass")
	}
}

func TestEvaluateMissingDataDegradesToPass(t *testing.T) {
	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	f := New(marketdata.NewHistorical(), config.Regime{
		ProxySymbol: "SPY", EMASpan: 50,
		VolIndexSymbol: "VIX", MaxVolIndex: 30,
		CombineLogic: "all",
	})
	d := f.Evaluate(context.Background(), asOf)
	if !d.OK {
		t.Error("missing proxy data must not block the week")
	}
}

func TestEvaluateHedgeFlag(t *testing.T) {
	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	h := marketdata.NewHistorical()
	seedProxy(h, "SPY", 400, -0.5, 200, asOf)
	f := New(h, config.Regime{ProxySymbol: "SPY", EMASpan: 50, CombineLogic: "all", EnableHedge: true})
	d := f.Evaluate(context.Background(), asOf)
	if d.OK {
		t.Fatal("downtrend should fail")
	}
	if !d.HedgeFlag {
		t.Error("failing regime with hedging enabled should set the hedge flag")
	}
}

func TestEvaluateNothingConfigured(t *testing.T) {
	f := New(marketdata.NewHistorical(), config.Regime{ProxySymbol: "SPY", CombineLogic: "all"})
	if d := f.Evaluate(context.Background(), time.Now()); !d.OK {
		t.Error("no checks configured should pass")
	}
}
