package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is the closed set of payloads carried by the bus.
type Event interface {
	Topic() Topic
}

// Signal is a strategy decision that entered the engine.
type Signal struct {
	Symbol        string
	Direction     string
	CorrelationID string
	Time          time.Time
}

func (Signal) Topic() Topic { return TopicSignal }

// Fill reports an execution applied to a local order.
type Fill struct {
	OrderID       string
	BrokerOrderID string
	Symbol        string
	Qty           int64
	Price         decimal.Decimal
	Time          time.Time
}

func (Fill) Topic() Topic { return TopicFill }

// Error reports a classified failure from the broker boundary or the
// order path.
type Error struct {
	Op   string
	Err  error
	Time time.Time
}

func (Error) Topic() Topic { return TopicError }

// StateChange reports an order state machine transition.
type StateChange struct {
	OrderID string
	From    string
	To      string
	Time    time.Time
}

func (StateChange) Topic() Topic { return TopicStateChange }

// RiskRejection reports that the risk gate declined an intent. Denials are
// published, never silently dropped.
type RiskRejection struct {
	Symbol        string
	CorrelationID string
	Reason        string
	Time          time.Time
}

func (RiskRejection) Topic() Topic { return TopicRiskRejection }
