package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/equitrader/market"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType selects how an order is priced.
type OrderType string

const (
	MarketOrder OrderType = "market"
	LimitOrder  OrderType = "limit"
	StopOrder   OrderType = "stop"
)

// Broker is the REST surface of a brokerage. Implementations block; callers
// that must not block dispatch through the bridge worker pool.
type Broker interface {
	GetAccount(ctx context.Context) (Account, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)
	// GetOrderByClientID resolves an order by its client-side idempotency
	// token, including terminal orders no longer in the open-order list.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (Order, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	ReplaceOrder(ctx context.Context, brokerOrderID string, req OrderRequest) (Order, error)
	// GetBars requires an explicit start time. Some broker APIs silently
	// return an empty result when start/limit are mis-specified, so
	// implementations reject a zero start instead of passing it through.
	GetBars(ctx context.Context, symbol string, start time.Time, limit int) ([]market.Bar, error)
}

// StreamHandlers receive pushed events. They are invoked from the
// stream's own goroutines; implementations must be quick and must not
// block (the bridge just enqueues).
type StreamHandlers struct {
	OnBar    func(market.Bar)
	OnUpdate func(market.TradeUpdate)
	// OnError reports a fatal stream failure after which no further events
	// will arrive until a reconnect.
	OnError func(error)
}

// Stream is the push side of a brokerage: per-minute bars and order
// lifecycle events.
type Stream interface {
	Connect(ctx context.Context, handlers StreamHandlers) error
	Close(ctx context.Context) error
}

// Account is a snapshot of broker-side account state.
type Account struct {
	ID          string
	Currency    string
	Equity      decimal.Decimal
	Cash        decimal.Decimal
	BuyingPower decimal.Decimal
}

// Position is a broker-reported holding.
type Position struct {
	Symbol        string
	Qty           int64
	AvgEntryPrice decimal.Decimal
}

// OrderRequest is the wire-level order intent sent to a broker.
type OrderRequest struct {
	ClientOrderID string // idempotency token; at most one broker order per token
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           int64
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
}

// Order is the broker's view of an order.
type Order struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           int64
	FilledQty     int64
	AvgFillPrice  decimal.Decimal
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	Status        string
	SubmittedAt   time.Time
	UpdatedAt     time.Time
}

// Open order statuses a broker can report. Adapters normalize vendor
// status strings onto these before anything downstream sees them.
const (
	StatusNew             = "new"
	StatusAccepted        = "accepted"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCanceled        = "canceled"
	StatusRejected        = "rejected"
	StatusReplaced        = "replaced"
)
