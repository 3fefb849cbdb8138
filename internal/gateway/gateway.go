package gateway

import (
	"context"
	"errors"
	"time"
)

// Side of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderStatus as reported by the broker.
type OrderStatus string

const (
	StatusSubmitted OrderStatus = "Submitted"
	StatusFilled    OrderStatus = "Filled"
	StatusCancelled OrderStatus = "Cancelled"
	StatusRejected  OrderStatus = "Rejected"
)

var (
	ErrNotConnected = errors.New("gateway not connected")
	ErrUnknownOrder = errors.New("unknown order id")
)

// Order is a request to the broker. A nonzero StopPrice on a market buy
// attaches a linked stop order that activates once the parent fills.
type Order struct {
	ID         string
	Symbol     string
	Side       Side
	Quantity   int
	LimitPrice float64 // zero means market
	StopPrice  float64 // linked protective stop for entries
}

// OrderState is the broker's view of a submitted order.
type OrderState struct {
	ID           string
	Status       OrderStatus
	FilledQty    int
	AvgFillPrice float64
	StopOrderID  string // set when a linked stop was attached
	UpdatedAt    time.Time
}

// BrokerPosition is one row of the broker's position snapshot.
type BrokerPosition struct {
	Symbol   string
	Quantity int
	AvgCost  float64
}

// ExecutionGateway is the broker surface the strategy depends on.
// Implementations must be safe for concurrent use.
type ExecutionGateway interface {
	PlaceOrder(ctx context.Context, o Order) (OrderState, error)
	CancelOrder(ctx context.Context, orderID string) error
	ModifyStop(ctx context.Context, stopOrderID string, newStopPrice float64) error
	OrderStatus(ctx context.Context, orderID string) (OrderState, error)
	OpenPositions(ctx context.Context) ([]BrokerPosition, error)
	AccountValue(ctx context.Context) (total, cash float64, err error)
}
