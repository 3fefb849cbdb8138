package strategy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"weekly-er-engine/internal/gateway"
	"weekly-er-engine/internal/observ"
)

// Position is the engine's view of one open trade. Stop and trail only
// ever move up, and TargetHit never clears once set.
type Position struct {
	Symbol      string
	Quantity    int
	EntryPrice  float64
	EntryTime   time.Time
	StopPrice   float64
	StopOrderID string
	TrailPrice  float64
	ERLevel     float64
	TargetHit   bool
	ATR         float64
	Sector      string
	LastPrice   float64
}

func (p Position) MarketValue() float64 {
	return p.LastPrice * float64(p.Quantity)
}

func (p Position) UnrealizedPnL() float64 {
	return (p.LastPrice - p.EntryPrice) * float64(p.Quantity)
}

func (p Position) UnrealizedPnLPct() float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (p.LastPrice - p.EntryPrice) / p.EntryPrice
}

// Book holds open positions, at most one per symbol. All mutation goes
// through methods that preserve the stop monotonicity and target latch.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

func NewBook() *Book {
	return &Book{positions: make(map[string]*Position)}
}

func (b *Book) Add(p Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.positions[p.Symbol]; exists {
		return fmt.Errorf("position already open for %s", p.Symbol)
	}
	cp := p
	b.positions[p.Symbol] = &cp
	observ.SetGauge("open_positions", float64(len(b.positions)), nil)
	return nil
}

func (b *Book) Remove(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, symbol)
	observ.SetGauge("open_positions", float64(len(b.positions)), nil)
}

func (b *Book) Get(symbol string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

func (b *Book) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.positions))
	for s := range b.positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (b *Book) All() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

func (b *Book) SetLastPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.positions[symbol]; ok {
		p.LastPrice = price
	}
}

// RaiseStop moves the stop up. A lower stop is silently dropped.
func (b *Book) RaiseStop(symbol string, newStop float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok || newStop <= p.StopPrice {
		return false
	}
	p.StopPrice = newStop
	return true
}

// RaiseTrail moves the trail up. A lower trail is silently dropped.
func (b *Book) RaiseTrail(symbol string, newTrail float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok || newTrail <= p.TrailPrice {
		return false
	}
	p.TrailPrice = newTrail
	return true
}

// MarkTargetHit sets the latch; it never clears.
func (b *Book) MarkTargetHit(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.positions[symbol]; ok {
		p.TargetHit = true
	}
}

// Reconcile drops positions the broker no longer reports and returns the
// broker symbols the book has no record of. Local stop state is kept for
// positions present on both sides.
func (b *Book) Reconcile(broker []gateway.BrokerPosition) (dropped, unknown []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]bool, len(broker))
	for _, bp := range broker {
		seen[bp.Symbol] = true
		if _, ok := b.positions[bp.Symbol]; !ok {
			unknown = append(unknown, bp.Symbol)
		}
	}
	for sym := range b.positions {
		if !seen[sym] {
			dropped = append(dropped, sym)
			delete(b.positions, sym)
		}
	}
	sort.Strings(dropped)
	sort.Strings(unknown)
	observ.SetGauge("open_positions", float64(len(b.positions)), nil)
	return dropped, unknown
}
