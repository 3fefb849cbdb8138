package marketdata

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Historical serves a fully materialized daily series per symbol. It is the
// replay-mode provider: lookups are deterministic and never block.
type Historical struct {
	series map[string][]Bar
	cursor time.Time // prices after the cursor are invisible
}

func NewHistorical() *Historical {
	return &Historical{series: make(map[string][]Bar)}
}

// AddSeries registers bars for a symbol, sorted by date.
func (h *Historical) AddSeries(symbol string, bars []Bar) {
	sorted := make([]Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })
	h.series[symbol] = sorted
}

// SetCursor bounds LastPrice to bars at or before t. The replay loop
// advances the cursor as it walks weeks so lookahead is impossible.
func (h *Historical) SetCursor(t time.Time) {
	h.cursor = t
}

// Symbols lists every symbol with at least one bar.
func (h *Historical) Symbols() []string {
	out := make([]string, 0, len(h.series))
	for sym := range h.series {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (h *Historical) DailyBars(_ context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	bars, ok := h.series[symbol]
	if !ok || len(bars) == 0 {
		return nil, fmt.Errorf("%w: no series for %s", ErrUnavailable, symbol)
	}
	var out []Bar
	for _, b := range bars {
		if b.Date.Before(start) || b.Date.After(end) {
			continue
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s has no bars in range", ErrUnavailable, symbol)
	}
	return out, nil
}

func (h *Historical) LastPrice(_ context.Context, symbol string) (float64, error) {
	bars, ok := h.series[symbol]
	if !ok || len(bars) == 0 {
		return 0, fmt.Errorf("%w: no series for %s", ErrUnavailable, symbol)
	}
	if h.cursor.IsZero() {
		return bars[len(bars)-1].Close, nil
	}
	for i := len(bars) - 1; i >= 0; i-- {
		if !bars[i].Date.After(h.cursor) {
			return bars[i].Close, nil
		}
	}
	return 0, fmt.Errorf("%w: %s has no bars at or before cursor", ErrUnavailable, symbol)
}
