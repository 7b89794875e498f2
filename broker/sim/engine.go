// Package sim is an in-process paper broker. Market orders fill
// immediately at the last known price; limit and stop orders rest until a
// bar crosses them. It implements both the REST and streaming broker
// surfaces, so the engine runs against it unchanged in paper mode.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/equitrader/broker"
	"github.com/rustyeddy/equitrader/market"
	"github.com/rustyeddy/equitrader/pkg/id"
)

// Engine simulates a brokerage account.
type Engine struct {
	mu       sync.Mutex
	cash     decimal.Decimal
	last     map[string]decimal.Decimal
	orders   map[string]*broker.Order // by broker order id
	byClient map[string]*broker.Order
	pos      map[string]*broker.Position
	bars     map[string][]market.Bar

	handlers  broker.StreamHandlers
	connected bool
	eventSeq  int64
}

// NewEngine creates a paper account with the given opening cash.
func NewEngine(cash decimal.Decimal) *Engine {
	return &Engine{
		cash:     cash,
		last:     make(map[string]decimal.Decimal),
		orders:   make(map[string]*broker.Order),
		byClient: make(map[string]*broker.Order),
		pos:      make(map[string]*broker.Position),
		bars:     make(map[string][]market.Bar),
	}
}

// SetPrice sets the last trade price used to fill market orders.
func (e *Engine) SetPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	e.last[symbol] = price
	e.mu.Unlock()
}

// PushBar feeds one bar: updates the last price, triggers resting orders,
// and forwards the bar to a connected stream consumer.
func (e *Engine) PushBar(bar market.Bar) {
	e.mu.Lock()
	e.last[bar.Symbol] = bar.Close
	e.bars[bar.Symbol] = append(e.bars[bar.Symbol], bar)
	fills := e.triggerRestingLocked(bar)
	handlers := e.handlers
	connected := e.connected
	e.mu.Unlock()

	if connected && handlers.OnBar != nil {
		handlers.OnBar(bar)
	}
	for _, u := range fills {
		e.emit(u)
	}
}

// --- broker.Stream -------------------------------------------------------

// Connect registers the stream handlers. There is no transport to fail,
// so the handshake always succeeds.
func (e *Engine) Connect(_ context.Context, handlers broker.StreamHandlers) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = handlers
	e.connected = true
	return nil
}

// Close detaches the stream handlers.
func (e *Engine) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
	return nil
}

// --- broker.Broker -------------------------------------------------------

func (e *Engine) GetAccount(context.Context) (broker.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	equity := e.cash
	for sym, p := range e.pos {
		if last, ok := e.last[sym]; ok {
			equity = equity.Add(last.Mul(decimal.NewFromInt(p.Qty)))
		} else {
			equity = equity.Add(p.AvgEntryPrice.Mul(decimal.NewFromInt(p.Qty)))
		}
	}
	return broker.Account{
		ID:          "SIM-001",
		Currency:    "USD",
		Equity:      equity,
		Cash:        e.cash,
		BuyingPower: e.cash,
	}, nil
}

func (e *Engine) GetPositions(context.Context) ([]broker.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]broker.Position, 0, len(e.pos))
	for _, p := range e.pos {
		out = append(out, *p)
	}
	return out, nil
}

func (e *Engine) GetOpenOrders(context.Context) ([]broker.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []broker.Order
	for _, o := range e.orders {
		if isOpen(o.Status) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (e *Engine) GetOrderByClientID(_ context.Context, clientOrderID string) (broker.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.byClient[clientOrderID]
	if !ok {
		return broker.Order{}, fmt.Errorf("sim: no order with client id %s", clientOrderID)
	}
	return *o, nil
}

// SubmitOrder accepts the request. Re-submitting a known client order id
// returns the existing order, mirroring broker-side idempotency.
func (e *Engine) SubmitOrder(_ context.Context, req broker.OrderRequest) (broker.Order, error) {
	e.mu.Lock()

	if existing, ok := e.byClient[req.ClientOrderID]; ok {
		out := *existing
		e.mu.Unlock()
		return out, nil
	}
	if req.Qty <= 0 {
		e.mu.Unlock()
		return broker.Order{}, &broker.RejectedError{ClientOrderID: req.ClientOrderID, Reason: "non-positive qty"}
	}

	now := time.Now().UTC()
	o := &broker.Order{
		BrokerOrderID: id.New(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		Status:        broker.StatusAccepted,
		SubmittedAt:   now,
		UpdatedAt:     now,
	}
	e.orders[o.BrokerOrderID] = o
	e.byClient[o.ClientOrderID] = o

	var fills []market.TradeUpdate
	fills = append(fills, e.updateFor(o, market.TradeEventNew, decimal.Zero, 0))

	if o.Type == broker.MarketOrder {
		price, ok := e.last[o.Symbol]
		if !ok {
			e.mu.Unlock()
			return broker.Order{}, &broker.RejectedError{ClientOrderID: req.ClientOrderID, Reason: "no market price for " + o.Symbol}
		}
		fills = append(fills, e.fillLocked(o, price, o.Qty))
	}

	out := *o
	e.mu.Unlock()

	for _, u := range fills {
		e.emit(u)
	}
	return out, nil
}

func (e *Engine) CancelOrder(_ context.Context, brokerOrderID string) error {
	e.mu.Lock()
	o, ok := e.orders[brokerOrderID]
	if !ok || !isOpen(o.Status) {
		e.mu.Unlock()
		return fmt.Errorf("sim: order %s not open", brokerOrderID)
	}
	o.Status = broker.StatusCanceled
	o.UpdatedAt = time.Now().UTC()
	u := e.updateFor(o, market.TradeEventCanceled, decimal.Zero, 0)
	e.mu.Unlock()

	e.emit(u)
	return nil
}

func (e *Engine) ReplaceOrder(_ context.Context, brokerOrderID string, req broker.OrderRequest) (broker.Order, error) {
	e.mu.Lock()
	orig, ok := e.orders[brokerOrderID]
	if !ok || !isOpen(orig.Status) {
		e.mu.Unlock()
		return broker.Order{}, &broker.RejectedError{ClientOrderID: req.ClientOrderID, Reason: "order not open"}
	}
	orig.Status = broker.StatusReplaced
	orig.UpdatedAt = time.Now().UTC()
	replacedUpdate := e.updateFor(orig, market.TradeEventReplaced, decimal.Zero, 0)
	e.mu.Unlock()

	e.emit(replacedUpdate)
	return e.SubmitOrder(context.Background(), req)
}

// GetBars replays bars previously pushed. The start time is required, as
// with a real vendor API.
func (e *Engine) GetBars(_ context.Context, symbol string, start time.Time, limit int) ([]market.Bar, error) {
	if start.IsZero() {
		return nil, &broker.ValidationError{Field: "start", Msg: "explicit start time required"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []market.Bar
	for _, b := range e.bars[symbol] {
		if b.Time.Before(start) {
			continue
		}
		out = append(out, b)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- internals -----------------------------------------------------------

// triggerRestingLocked fills resting limit/stop orders crossed by the bar.
func (e *Engine) triggerRestingLocked(bar market.Bar) []market.TradeUpdate {
	var out []market.TradeUpdate
	for _, o := range e.orders {
		if o.Symbol != bar.Symbol || !isOpen(o.Status) {
			continue
		}
		switch o.Type {
		case broker.LimitOrder:
			if o.Side == broker.Buy && bar.Low.LessThanOrEqual(o.LimitPrice) {
				out = append(out, e.fillLocked(o, o.LimitPrice, o.Qty-o.FilledQty))
			}
			if o.Side == broker.Sell && bar.High.GreaterThanOrEqual(o.LimitPrice) {
				out = append(out, e.fillLocked(o, o.LimitPrice, o.Qty-o.FilledQty))
			}
		case broker.StopOrder:
			if o.Side == broker.Sell && bar.Low.LessThanOrEqual(o.StopPrice) {
				out = append(out, e.fillLocked(o, o.StopPrice, o.Qty-o.FilledQty))
			}
			if o.Side == broker.Buy && bar.High.GreaterThanOrEqual(o.StopPrice) {
				out = append(out, e.fillLocked(o, o.StopPrice, o.Qty-o.FilledQty))
			}
		}
	}
	return out
}

// fillLocked executes qty shares at price and updates cash and positions.
func (e *Engine) fillLocked(o *broker.Order, price decimal.Decimal, qty int64) market.TradeUpdate {
	prevNotional := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQty))
	o.FilledQty += qty
	o.AvgFillPrice = prevNotional.Add(price.Mul(decimal.NewFromInt(qty))).Div(decimal.NewFromInt(o.FilledQty))
	o.UpdatedAt = time.Now().UTC()

	event := market.TradeEventPartialFill
	if o.FilledQty >= o.Qty {
		o.Status = broker.StatusFilled
		event = market.TradeEventFill
	} else {
		o.Status = broker.StatusPartiallyFilled
	}

	signed := qty
	if o.Side == broker.Sell {
		signed = -qty
	}
	notional := price.Mul(decimal.NewFromInt(qty))
	if o.Side == broker.Buy {
		e.cash = e.cash.Sub(notional)
	} else {
		e.cash = e.cash.Add(notional)
	}

	p, ok := e.pos[o.Symbol]
	if !ok {
		e.pos[o.Symbol] = &broker.Position{Symbol: o.Symbol, Qty: signed, AvgEntryPrice: price}
	} else {
		if (p.Qty >= 0) == (signed >= 0) {
			oldNotional := p.AvgEntryPrice.Mul(decimal.NewFromInt(abs(p.Qty)))
			total := abs(p.Qty) + abs(signed)
			p.AvgEntryPrice = oldNotional.Add(price.Mul(decimal.NewFromInt(abs(signed)))).Div(decimal.NewFromInt(total))
		}
		p.Qty += signed
		if p.Qty == 0 {
			delete(e.pos, o.Symbol)
		}
	}

	return e.updateFor(o, event, price, qty)
}

func (e *Engine) updateFor(o *broker.Order, event market.TradeUpdateEvent, price decimal.Decimal, qty int64) market.TradeUpdate {
	e.eventSeq++
	return market.TradeUpdate{
		EventID:       e.eventSeq,
		Event:         event,
		BrokerOrderID: o.BrokerOrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		FillPrice:     price,
		FillQty:       qty,
		Timestamp:     time.Now().UTC(),
	}
}

func (e *Engine) emit(u market.TradeUpdate) {
	e.mu.Lock()
	handlers := e.handlers
	connected := e.connected
	e.mu.Unlock()
	if connected && handlers.OnUpdate != nil {
		handlers.OnUpdate(u)
	}
}

func isOpen(status string) bool {
	switch status {
	case broker.StatusNew, broker.StatusAccepted, broker.StatusPartiallyFilled:
		return true
	default:
		return false
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
