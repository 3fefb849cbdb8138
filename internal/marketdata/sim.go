package marketdata

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Sim provides simulated prices with realistic random-walk behavior for
// paper runs of the live path.
type Sim struct {
	baseQuotes map[string]*baseQuote
	random     *rand.Rand
}

type baseQuote struct {
	Symbol     string
	BasePrice  float64
	Volatility float64 // daily volatility as decimal
	Volume     float64
}

// NewSim seeds a handful of liquid symbols plus the regime proxy.
func NewSim(seed int64) *Sim {
	return &Sim{
		baseQuotes: map[string]*baseQuote{
			"AAPL":  {Symbol: "AAPL", BasePrice: 206.80, Volatility: 0.025, Volume: 15000000},
			"MSFT":  {Symbol: "MSFT", BasePrice: 415.75, Volatility: 0.022, Volume: 12000000},
			"GOOGL": {Symbol: "GOOGL", BasePrice: 172.50, Volatility: 0.028, Volume: 8000000},
			"NVDA":  {Symbol: "NVDA", BasePrice: 450.00, Volatility: 0.035, Volume: 10000000},
			"SPY":   {Symbol: "SPY", BasePrice: 545.20, Volatility: 0.012, Volume: 60000000},
			"VIX":   {Symbol: "VIX", BasePrice: 16.50, Volatility: 0.080, Volume: 0},
		},
		random: rand.New(rand.NewSource(seed)),
	}
}

// AddSymbol extends the simulated universe.
func (s *Sim) AddSymbol(symbol string, basePrice, volatility, volume float64) {
	symbol = strings.ToUpper(symbol)
	s.baseQuotes[symbol] = &baseQuote{Symbol: symbol, BasePrice: basePrice, Volatility: volatility, Volume: volume}
}

func (s *Sim) LastPrice(ctx context.Context, symbol string) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	base, ok := s.baseQuotes[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return 0, fmt.Errorf("%w: %s not in sim universe", ErrUnavailable, symbol)
	}
	// per-minute step derived from daily volatility over a 390 minute session
	step := base.Volatility / math.Sqrt(390)
	price := base.BasePrice * (1 + s.random.NormFloat64()*step)
	return roundToTick(price), nil
}

// DailyBars synthesizes a daily random walk ending at the base price.
func (s *Sim) DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	base, ok := s.baseQuotes[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return nil, fmt.Errorf("%w: %s not in sim universe", ErrUnavailable, symbol)
	}

	var dates []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		dates = append(dates, d)
	}
	if len(dates) == 0 {
		return nil, fmt.Errorf("%w: empty range for %s", ErrUnavailable, symbol)
	}

	// walk backwards from the base price so the series ends where quotes start
	closes := make([]float64, len(dates))
	closes[len(closes)-1] = base.BasePrice
	for i := len(closes) - 2; i >= 0; i-- {
		closes[i] = closes[i+1] / (1 + s.random.NormFloat64()*base.Volatility)
	}

	bars := make([]Bar, len(dates))
	for i, d := range dates {
		c := closes[i]
		spread := c * base.Volatility * 0.5
		bars[i] = Bar{
			Date:   d,
			Open:   roundToTick(c - spread*s.random.Float64()),
			High:   roundToTick(c + spread),
			Low:    roundToTick(c - spread),
			Close:  roundToTick(c),
			Volume: base.Volume * (0.7 + 0.6*s.random.Float64()),
		}
	}
	return bars, nil
}

func roundToTick(price float64) float64 {
	tick := 0.01
	if price < 1.00 {
		tick = 0.0001
	}
	return math.Round(price/tick) * tick
}
