package selection

import (
	"context"
	"errors"
	"sort"
	"time"

	"weekly-er-engine/internal/config"
	"weekly-er-engine/internal/marketdata"
	"weekly-er-engine/internal/observ"
)

// ErrSelectionEmpty reports that no candidate passed the filters. The
// caller skips the week; it never aborts the run.
var ErrSelectionEmpty = errors.New("no candidates passed selection")

// Candidate is an ephemeral scoring record, recomputed every week.
type Candidate struct {
	Symbol        string
	LastClose     float64
	MomentumScore float64
	ATR           float64
}

// Momentum is the percentage price change over the lookback window, using
// the minimum of lookbackDays and available-1 samples. Fewer than two
// samples yield a zero score.
func Momentum(closes []float64, lookbackDays int) float64 {
	available := min(lookbackDays, len(closes)-1)
	if available < 1 {
		return 0
	}
	current := closes[len(closes)-1]
	past := closes[len(closes)-1-available]
	if past == 0 {
		return 0
	}
	return (current - past) / past * 100
}

// Rank orders candidates by momentum score descending. The sort is stable:
// ties keep original universe order. It returns the top n (or fewer).
func Rank(candidates []Candidate, n int) []Candidate {
	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].MomentumScore > ranked[j].MomentumScore
	})
	if n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n]
}

// ScoreWeek builds a candidate from one week of bars. Symbols with fewer
// than two bars in the week are excluded (nil result).
func ScoreWeek(symbol string, weekBars []marketdata.Bar, lookbackDays, atrLookback int) *Candidate {
	if len(weekBars) < 2 {
		return nil
	}
	closes := marketdata.Closes(weekBars)
	return &Candidate{
		Symbol:        symbol,
		LastClose:     closes[len(closes)-1],
		MomentumScore: Momentum(closes, lookbackDays),
		ATR:           marketdata.ATR(weekBars, atrLookback),
	}
}

// Engine screens a live universe against the configured filters and ranks
// survivors by momentum.
type Engine struct {
	provider marketdata.Provider
	cfg      config.Selection
}

func NewEngine(provider marketdata.Provider, cfg config.Selection) *Engine {
	return &Engine{provider: provider, cfg: cfg}
}

// BuildCandidates fetches history for each universe symbol, applies the
// price/volume/EMA pre-filters, then ranks by momentum over the lookback.
// Symbols with missing or thin data are excluded, never fatal.
func (e *Engine) BuildCandidates(ctx context.Context, asOf time.Time) ([]Candidate, error) {
	historyStart := asOf.AddDate(0, 0, -300)

	var out []Candidate
	for _, sym := range e.cfg.Universe {
		bars, err := e.provider.DailyBars(ctx, sym, historyStart, asOf)
		if err != nil {
			observ.Log("candidate_excluded", map[string]any{"symbol": sym, "reason": "data_unavailable"})
			continue
		}
		if len(bars) < 30 {
			observ.Log("candidate_excluded", map[string]any{"symbol": sym, "reason": "thin_history", "bars": len(bars)})
			continue
		}
		closes := marketdata.Closes(bars)
		last := closes[len(closes)-1]

		volumes := make([]float64, len(bars))
		for i, b := range bars {
			volumes[i] = b.Volume
		}
		volSMA := marketdata.SMA(volumes, e.cfg.VolumeMADays)

		emaChecks := make([]bool, 0, len(e.cfg.EMAFilters))
		for _, span := range e.cfg.EMAFilters {
			emaChecks = append(emaChecks, last > marketdata.EMA(closes, span))
		}
		if !passFilters(last, volSMA, emaChecks, e.cfg) {
			continue
		}

		lb := e.cfg.LookbackDays
		out = append(out, Candidate{
			Symbol:        sym,
			LastClose:     last,
			MomentumScore: Momentum(closes, lb),
			ATR:           marketdata.ATR(bars, e.cfg.ATRLookback),
		})
	}
	if len(out) == 0 {
		return nil, ErrSelectionEmpty
	}
	return Rank(out, e.cfg.TopN), nil
}

func passFilters(lastClose, volSMA float64, emaChecks []bool, cfg config.Selection) bool {
	if lastClose < cfg.PriceMin || lastClose > cfg.PriceMax {
		return false
	}
	if cfg.MinVolume > 0 && volSMA < cfg.MinVolume {
		return false
	}
	if len(emaChecks) > 0 {
		switch cfg.EMALogic {
		case "all":
			for _, ok := range emaChecks {
				if !ok {
					return false
				}
			}
		default: // any
			anyOK := false
			for _, ok := range emaChecks {
				if ok {
					anyOK = true
					break
				}
			}
			if !anyOK {
				return false
			}
		}
	}
	return true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
