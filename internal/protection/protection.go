package protection

import (
	"context"
	"math"

	"weekly-er-engine/internal/observ"
)

// Request describes a filled equity position to protect.
type Request struct {
	Symbol   string
	Price    float64
	Quantity int
}

// Quote is a priced protection proposal. A nil *Quote means no suitable
// protection is available for the position.
type Quote struct {
	Symbol          string
	Type            string  // e.g. "put"
	Cost            float64 // total premium
	ProtectionLevel float64 // strike as fraction of entry price
}

// Sizer proposes downside protection after an entry fills. It never
// blocks the entry path; callers treat a nil quote or an error as
// "trade stays unprotected".
type Sizer interface {
	Propose(ctx context.Context, req Request) (*Quote, error)
}

// FixedSizer prices a protective put at a fixed fraction below entry,
// with premium simply proportional to notional. It stands in for a real
// options chain lookup.
type FixedSizer struct {
	Level       float64 // strike fraction, e.g. 0.95
	PremiumPct  float64 // premium as fraction of notional
	MinNotional float64
}

func NewFixedSizer() *FixedSizer {
	return &FixedSizer{Level: 0.95, PremiumPct: 0.008, MinNotional: 5000}
}

func (s *FixedSizer) Propose(ctx context.Context, req Request) (*Quote, error) {
	notional := req.Price * float64(req.Quantity)
	if notional < s.MinNotional {
		return nil, nil
	}
	q := &Quote{
		Symbol:          req.Symbol,
		Type:            "put",
		Cost:            math.Round(notional*s.PremiumPct*100) / 100,
		ProtectionLevel: s.Level,
	}
	observ.Log("protection_proposed", map[string]any{
		"symbol": q.Symbol, "cost": q.Cost, "level": q.ProtectionLevel,
	})
	return q, nil
}
