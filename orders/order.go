package orders

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/equitrader/broker"
)

// ErrReconcileUnknown is returned when an operation targets an order stuck
// in RECONCILIATION_UNKNOWN. Such orders need operator resolution first.
var ErrReconcileUnknown = errors.New("orders: order state unresolved, resolve via journal before acting")

// State tracks the lifecycle of an order.
type State string

const (
	StatePendingSubmit   State = "PENDING_SUBMIT"
	StateSubmitted       State = "SUBMITTED"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateCanceled        State = "CANCELED"
	StateRejected        State = "REJECTED"
	StateReplaced        State = "REPLACED"
	// StateReconcileUnknown marks an order whose true terminal state could
	// not be determined at startup. The symbol is paused until an operator
	// resolves it.
	StateReconcileUnknown State = "RECONCILIATION_UNKNOWN"
)

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateRejected, StateReplaced:
		return true
	default:
		return false
	}
}

// Order is the local record of one broker order intent. The manager owns
// every Order; nothing else mutates one.
type Order struct {
	ID            string // local ULID, stable across retries
	BrokerOrderID string // assigned once on acceptance, then immutable
	Symbol        string
	Side          broker.Side
	Type          broker.OrderType
	Qty           int64
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	State         State
	FilledQty     int64
	AvgFillPrice  decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CorrelationID string // links back to the originating signal
	// IdempotencyToken is the client order id sent to the broker. A retry
	// after a lost response reuses it, so the broker creates at most one
	// order per token.
	IdempotencyToken string
	// lastEventID is the highest broker event id applied to this order.
	// Trade streams deliver at-least-once; anything at or below it is a
	// duplicate and is dropped.
	lastEventID int64
	// Closing marks an order that reduces or closes existing exposure.
	// Closing orders pass the circuit breaker even when tripped.
	Closing bool
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Qty - o.FilledQty
}

// applyFill folds one execution into the order, re-weighting the average
// fill price across filled lots.
func (o *Order) applyFill(qty int64, price decimal.Decimal) {
	if qty <= 0 {
		return
	}
	prevNotional := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQty))
	o.FilledQty += qty
	if o.FilledQty > o.Qty {
		// Broker truth wins, but filled can never exceed ordered.
		o.FilledQty = o.Qty
	}
	fillNotional := price.Mul(decimal.NewFromInt(qty))
	o.AvgFillPrice = prevNotional.Add(fillNotional).Div(decimal.NewFromInt(o.FilledQty))

	if o.FilledQty == o.Qty {
		o.State = StateFilled
	} else {
		o.State = StatePartiallyFilled
	}
}

// Intent is a validated request to create an order, produced by the risk
// gate from a strategy signal.
type Intent struct {
	Symbol        string
	Side          broker.Side
	Type          broker.OrderType
	Qty           int64
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	CorrelationID string
	Closing       bool
}

// Validate rejects malformed intents before any broker call is made.
func (in Intent) Validate() error {
	if in.Symbol == "" {
		return &broker.ValidationError{Field: "symbol", Msg: "empty"}
	}
	if in.Qty <= 0 {
		return &broker.ValidationError{Field: "qty", Msg: "must be positive"}
	}
	switch in.Side {
	case broker.Buy, broker.Sell:
	default:
		return &broker.ValidationError{Field: "side", Msg: "unknown side"}
	}
	switch in.Type {
	case broker.MarketOrder:
	case broker.LimitOrder:
		if in.LimitPrice.Sign() <= 0 {
			return &broker.ValidationError{Field: "limit_price", Msg: "required for limit orders"}
		}
	case broker.StopOrder:
		if in.StopPrice.Sign() <= 0 {
			return &broker.ValidationError{Field: "stop_price", Msg: "required for stop orders"}
		}
	default:
		return &broker.ValidationError{Field: "type", Msg: "unknown order type"}
	}
	return nil
}
