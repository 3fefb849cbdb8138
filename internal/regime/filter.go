package regime

import (
	"context"
	"time"

	"weekly-er-engine/internal/config"
	"weekly-er-engine/internal/marketdata"
	"weekly-er-engine/internal/observ"
)

// Decision is the outcome of the weekly regime gate.
type Decision struct {
	OK         bool
	HedgeFlag  bool // enter anyway but open a hedge
	TrendOK    bool
	VolOK      bool
	ProxyClose float64
	ProxyEMA   float64
	VolLevel   float64
}

// Filter gates weekly entries on the broad-market proxy's trend and an
// optional volatility-index ceiling. Missing proxy data degrades to pass:
// a data hiccup must not cost a trading week.
type Filter struct {
	provider marketdata.Provider
	cfg      config.Regime
}

func New(provider marketdata.Provider, cfg config.Regime) *Filter {
	return &Filter{provider: provider, cfg: cfg}
}

// Evaluate runs whichever checks are configured and combines them with the
// configured any/all policy. With neither check configured the regime
// always passes.
func (f *Filter) Evaluate(ctx context.Context, asOf time.Time) Decision {
	d := Decision{TrendOK: true, VolOK: true}
	trendConfigured := f.cfg.EMASpan > 0
	volConfigured := f.cfg.MaxVolIndex > 0

	if trendConfigured {
		historyDays := f.cfg.EMASpan + 10
		if historyDays < 120 {
			historyDays = 120
		}
		bars, err := f.provider.DailyBars(ctx, f.cfg.ProxySymbol, asOf.AddDate(0, 0, -historyDays*2), asOf)
		if err != nil || len(bars) < f.cfg.EMASpan+2 {
			observ.Log("regime_proxy_unavailable", map[string]any{
				"symbol": f.cfg.ProxySymbol, "check": "trend",
			})
		} else {
			closes := marketdata.Closes(bars)
			d.ProxyClose = closes[len(closes)-1]
			d.ProxyEMA = marketdata.EMA(closes, f.cfg.EMASpan)
			d.TrendOK = d.ProxyClose > d.ProxyEMA
		}
	}

	if volConfigured {
		price, err := f.provider.LastPrice(ctx, f.cfg.VolIndexSymbol)
		if err != nil {
			observ.Log("regime_proxy_unavailable", map[string]any{
				"symbol": f.cfg.VolIndexSymbol, "check": "volatility",
			})
		} else {
			d.VolLevel = price
			d.VolOK = price <= f.cfg.MaxVolIndex
		}
	}

	switch {
	case !trendConfigured && !volConfigured:
		d.OK = true
	case f.cfg.CombineLogic == "any":
		d.OK = d.TrendOK || d.VolOK
	default: // all
		d.OK = d.TrendOK && d.VolOK
	}

	if !d.OK && f.cfg.EnableHedge {
		d.HedgeFlag = true
	}

	observ.Log("regime_evaluated", map[string]any{
		"ok": d.OK, "hedge": d.HedgeFlag,
		"trend_ok": d.TrendOK, "vol_ok": d.VolOK,
		"proxy_close": d.ProxyClose, "proxy_ema": d.ProxyEMA, "vol_level": d.VolLevel,
	})
	return d
}
