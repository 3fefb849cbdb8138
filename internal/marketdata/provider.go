package marketdata

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable signals missing bars or a missing last price. Callers
// exclude the symbol or skip the tick; it is never fatal to a cycle.
var ErrUnavailable = errors.New("market data unavailable")

// Bar is one daily OHLCV bar.
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Provider supplies daily history and last prices for the engine.
// Implementations must return ErrUnavailable (possibly wrapped) when the
// symbol has no data rather than inventing values.
type Provider interface {
	DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error)
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// Closes extracts the close column.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// EMA returns the exponential moving average of values for the given span,
// seeded from the first value (adjust=false semantics).
func EMA(values []float64, span int) float64 {
	if len(values) == 0 || span <= 0 {
		return 0
	}
	alpha := 2.0 / (float64(span) + 1.0)
	ema := values[0]
	for _, v := range values[1:] {
		ema = alpha*v + (1-alpha)*ema
	}
	return ema
}

// ATR computes the average true range over the trailing lookback bars.
// Returns 0 when fewer than two bars are available.
func ATR(bars []Bar, lookback int) float64 {
	if len(bars) < 2 || lookback <= 0 {
		return 0
	}
	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		hl := bars[i].High - bars[i].Low
		hc := abs(bars[i].High - bars[i-1].Close)
		lc := abs(bars[i].Low - bars[i-1].Close)
		trs = append(trs, max3(hl, hc, lc))
	}
	if lookback > len(trs) {
		lookback = len(trs)
	}
	sum := 0.0
	for _, tr := range trs[len(trs)-lookback:] {
		sum += tr
	}
	return sum / float64(lookback)
}

// SMA returns the simple moving average of the trailing window values.
func SMA(values []float64, window int) float64 {
	if len(values) == 0 || window <= 0 {
		return 0
	}
	if window > len(values) {
		window = len(values)
	}
	sum := 0.0
	for _, v := range values[len(values)-window:] {
		sum += v
	}
	return sum / float64(window)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}
