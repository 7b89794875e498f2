package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeUpdateEvent enumerates the order events a broker stream can report.
type TradeUpdateEvent string

const (
	TradeEventNew         TradeUpdateEvent = "new"
	TradeEventFill        TradeUpdateEvent = "fill"
	TradeEventPartialFill TradeUpdateEvent = "partial_fill"
	TradeEventCanceled    TradeUpdateEvent = "canceled"
	TradeEventRejected    TradeUpdateEvent = "rejected"
	TradeEventReplaced    TradeUpdateEvent = "replaced"
)

// TradeUpdate is one order lifecycle event from the broker's trade stream.
//
// EventID is the broker's monotonically increasing event identifier. Streams
// deliver at-least-once, so consumers dedupe on it: the same EventID applied
// twice must have no second effect.
type TradeUpdate struct {
	EventID       int64
	Event         TradeUpdateEvent
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	FillPrice     decimal.Decimal
	FillQty       int64
	Timestamp     time.Time
}

// IsFill reports whether the update carries an execution.
func (u TradeUpdate) IsFill() bool {
	return u.Event == TradeEventFill || u.Event == TradeEventPartialFill
}
