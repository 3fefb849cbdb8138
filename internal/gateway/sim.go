package gateway

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"weekly-er-engine/internal/marketdata"
	"weekly-er-engine/internal/observ"
)

// Sim is an in-memory gateway that fills market orders at the provider's
// last price. Linked stops rest until Step observes price at or through
// the stop level, or until cancelled.
type Sim struct {
	mu        sync.Mutex
	provider  marketdata.Provider
	cash      float64
	positions map[string]*BrokerPosition
	orders    map[string]*OrderState
	stops     map[string]*Order // resting stop orders by stop order id
	connected bool
}

func NewSim(provider marketdata.Provider, startingCash float64) *Sim {
	return &Sim{
		provider:  provider,
		cash:      startingCash,
		positions: make(map[string]*BrokerPosition),
		orders:    make(map[string]*OrderState),
		stops:     make(map[string]*Order),
		connected: true,
	}
}

// SetConnected toggles the simulated link state.
func (s *Sim) SetConnected(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = up
}

func (s *Sim) PlaceOrder(ctx context.Context, o Order) (OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return OrderState{}, ErrNotConnected
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	px := o.LimitPrice
	if px == 0 {
		last, err := s.provider.LastPrice(ctx, o.Symbol)
		if err != nil {
			return OrderState{}, fmt.Errorf("sim fill %s: %w", o.Symbol, err)
		}
		px = last
	}

	st := &OrderState{
		ID:           o.ID,
		Status:       StatusFilled,
		FilledQty:    o.Quantity,
		AvgFillPrice: px,
		UpdatedAt:    time.Now().UTC(),
	}

	switch o.Side {
	case Buy:
		s.applyFill(o.Symbol, o.Quantity, px)
		s.cash -= px * float64(o.Quantity)
		if o.StopPrice > 0 {
			stopID := uuid.NewString()
			stop := o
			stop.ID = stopID
			stop.Side = Sell
			s.stops[stopID] = &stop
			st.StopOrderID = stopID
		}
	case Sell:
		s.applyFill(o.Symbol, -o.Quantity, px)
		s.cash += px * float64(o.Quantity)
	}

	s.orders[o.ID] = st
	observ.IncCounter("orders_placed_total", map[string]string{"side": string(o.Side)})
	observ.Log("order_filled", map[string]any{
		"order_id": o.ID, "symbol": o.Symbol, "side": string(o.Side),
		"qty": o.Quantity, "price": px,
	})
	return *st, nil
}

// applyFill adjusts the signed position for symbol. Quantity is positive
// for buys, negative for sells; a sell with no inventory opens a short.
func (s *Sim) applyFill(symbol string, qty int, px float64) {
	p, ok := s.positions[symbol]
	if !ok {
		p = &BrokerPosition{Symbol: symbol}
		s.positions[symbol] = p
	}
	next := p.Quantity + qty
	switch {
	case next == 0:
		delete(s.positions, symbol)
		return
	case p.Quantity == 0 || (p.Quantity > 0) != (next > 0):
		p.AvgCost = px
	case (qty > 0) == (p.Quantity > 0):
		held := math.Abs(float64(p.Quantity))
		added := math.Abs(float64(qty))
		p.AvgCost = (p.AvgCost*held + px*added) / (held + added)
	}
	p.Quantity = next
}

func (s *Sim) CancelOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if _, ok := s.stops[orderID]; ok {
		delete(s.stops, orderID)
		s.orders[orderID] = &OrderState{ID: orderID, Status: StatusCancelled, UpdatedAt: time.Now().UTC()}
		return nil
	}
	st, ok := s.orders[orderID]
	if !ok {
		return ErrUnknownOrder
	}
	if st.Status == StatusFilled {
		return fmt.Errorf("cancel %s: already filled", orderID)
	}
	st.Status = StatusCancelled
	st.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Sim) ModifyStop(ctx context.Context, stopOrderID string, newStopPrice float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	stop, ok := s.stops[stopOrderID]
	if !ok {
		return ErrUnknownOrder
	}
	stop.StopPrice = newStopPrice
	return nil
}

func (s *Sim) OrderStatus(ctx context.Context, orderID string) (OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.orders[orderID]; ok {
		return *st, nil
	}
	if _, ok := s.stops[orderID]; ok {
		return OrderState{ID: orderID, Status: StatusSubmitted}, nil
	}
	return OrderState{}, ErrUnknownOrder
}

func (s *Sim) OpenPositions(ctx context.Context) ([]BrokerPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	out := make([]BrokerPosition, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (s *Sim) AccountValue(ctx context.Context) (float64, float64, error) {
	s.mu.Lock()
	positions := make([]BrokerPosition, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, *p)
	}
	cash := s.cash
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		return 0, 0, ErrNotConnected
	}
	total := cash
	for _, p := range positions {
		last, err := s.provider.LastPrice(ctx, p.Symbol)
		if err != nil {
			last = p.AvgCost
		}
		total += last * float64(p.Quantity)
	}
	return total, cash, nil
}

// Step fills any resting stop whose level the market has reached.
func (s *Sim) Step(ctx context.Context) {
	s.mu.Lock()
	pending := make(map[string]Order, len(s.stops))
	for id, o := range s.stops {
		pending[id] = *o
	}
	s.mu.Unlock()

	for id, o := range pending {
		last, err := s.provider.LastPrice(ctx, o.Symbol)
		if err != nil || last > o.StopPrice {
			continue
		}
		s.mu.Lock()
		if _, still := s.stops[id]; !still {
			s.mu.Unlock()
			continue
		}
		delete(s.stops, id)
		s.mu.Unlock()
		if _, err := s.PlaceOrder(ctx, Order{ID: id, Symbol: o.Symbol, Side: Sell, Quantity: o.Quantity, LimitPrice: o.StopPrice}); err != nil {
			observ.Log("sim_stop_fill_failed", map[string]any{"symbol": o.Symbol, "error": err.Error()})
		}
	}
}
