package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weekly-er-engine/internal/gateway"
)

func TestBookOnePositionPerSymbol(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Add(Position{Symbol: "AAPL", Quantity: 10}))
	assert.Error(t, b.Add(Position{Symbol: "AAPL", Quantity: 5}))
	assert.Equal(t, 1, b.Len())
}

func TestBookStopMonotonic(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Add(Position{Symbol: "AAPL", StopPrice: 98}))

	assert.True(t, b.RaiseStop("AAPL", 99))
	assert.False(t, b.RaiseStop("AAPL", 98.5), "lower stop must be dropped")
	assert.False(t, b.RaiseStop("AAPL", 99), "equal stop must be dropped")
	p, _ := b.Get("AAPL")
	assert.InDelta(t, 99, p.StopPrice, 1e-9)

	assert.False(t, b.RaiseStop("MISSING", 100))
}

func TestBookTrailMonotonic(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Add(Position{Symbol: "AAPL"}))
	assert.True(t, b.RaiseTrail("AAPL", 101))
	assert.False(t, b.RaiseTrail("AAPL", 100))
	p, _ := b.Get("AAPL")
	assert.InDelta(t, 101, p.TrailPrice, 1e-9)
}

func TestBookTargetHitLatch(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Add(Position{Symbol: "AAPL"}))
	p, _ := b.Get("AAPL")
	assert.False(t, p.TargetHit)

	b.MarkTargetHit("AAPL")
	p, _ = b.Get("AAPL")
	assert.True(t, p.TargetHit)

	// There is no unset path; marking again keeps it latched.
	b.MarkTargetHit("AAPL")
	p, _ = b.Get("AAPL")
	assert.True(t, p.TargetHit)
}

func TestBookReconcile(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Add(Position{Symbol: "AAPL", Quantity: 10, StopPrice: 98}))
	require.NoError(t, b.Add(Position{Symbol: "MSFT", Quantity: 5}))

	broker := []gateway.BrokerPosition{
		{Symbol: "AAPL", Quantity: 10},
		{Symbol: "TSLA", Quantity: 3},
	}
	dropped, unknown := b.Reconcile(broker)
	assert.Equal(t, []string{"MSFT"}, dropped)
	assert.Equal(t, []string{"TSLA"}, unknown)

	// Local stop state survives reconciliation for kept symbols.
	p, ok := b.Get("AAPL")
	require.True(t, ok)
	assert.InDelta(t, 98, p.StopPrice, 1e-9)
	_, ok = b.Get("MSFT")
	assert.False(t, ok)
}

func TestPositionDerivedValues(t *testing.T) {
	p := Position{Symbol: "AAPL", Quantity: 10, EntryPrice: 100, LastPrice: 105}
	assert.InDelta(t, 1050, p.MarketValue(), 1e-9)
	assert.InDelta(t, 50, p.UnrealizedPnL(), 1e-9)
	assert.InDelta(t, 0.05, p.UnrealizedPnLPct(), 1e-9)
	assert.Zero(t, Position{}.UnrealizedPnLPct())
}
