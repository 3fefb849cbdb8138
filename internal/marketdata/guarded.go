package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"weekly-er-engine/internal/observ"
)

// Guarded wraps a Provider with a circuit breaker and request pacing for
// live use: a flapping data feed trips the breaker instead of stalling the
// monitor loop, and universe scans are paced to stay inside provider limits.
type Guarded struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// GuardedConfig tunes the breaker and pacing.
type GuardedConfig struct {
	MaxFailures    uint32        // consecutive failures before opening
	OpenTimeout    time.Duration // how long the breaker stays open
	RequestsPerSec float64
	BurstSize      int
}

func DefaultGuardedConfig() GuardedConfig {
	return GuardedConfig{
		MaxFailures:    5,
		OpenTimeout:    30 * time.Second,
		RequestsPerSec: 20,
		BurstSize:      5,
	}
}

func NewGuarded(inner Provider, cfg GuardedConfig) *Guarded {
	settings := gobreaker.Settings{
		Name:    "market_data",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observ.Log("market_data_breaker", map[string]any{
				"from": from.String(), "to": to.String(),
			})
			observ.IncCounter("market_data_breaker_transitions_total",
				map[string]string{"to": to.String()})
		},
	}
	return &Guarded{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.BurstSize),
	}
}

func (g *Guarded) DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.DailyBars(ctx, symbol, start, end)
	})
	if err != nil {
		observ.IncCounter("market_data_errors_total", map[string]string{"op": "daily_bars"})
		return nil, fmt.Errorf("%w: %s daily bars: %v", ErrUnavailable, symbol, err)
	}
	return res.([]Bar), nil
}

func (g *Guarded) LastPrice(ctx context.Context, symbol string) (float64, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.LastPrice(ctx, symbol)
	})
	if err != nil {
		observ.IncCounter("market_data_errors_total", map[string]string{"op": "last_price"})
		return 0, fmt.Errorf("%w: %s last price: %v", ErrUnavailable, symbol, err)
	}
	return res.(float64), nil
}
