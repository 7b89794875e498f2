package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/rustyeddy/equitrader/broker"
	"github.com/rustyeddy/equitrader/events"
	"github.com/rustyeddy/equitrader/market"
	"github.com/rustyeddy/equitrader/pkg/id"
	"github.com/rustyeddy/equitrader/portfolio"
	"github.com/rustyeddy/equitrader/risk"
)

// BrokerCaller is the slice of broker operations the manager uses. The
// bridge implements it by dispatching onto its worker pool.
type BrokerCaller interface {
	SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	ReplaceOrder(ctx context.Context, brokerOrderID string, req broker.OrderRequest) (broker.Order, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (broker.Order, error)
}

// Gate approves or declines an intent before it reaches the broker.
type Gate interface {
	Check(intent Intent) risk.Decision
}

// Recorder persists order records. Implemented by journal.SQLiteJournal.
type Recorder interface {
	RecordOrder(Order) error
}

// PnLRecorder receives realized profit/loss from closing fills.
type PnLRecorder interface {
	RecordRealizedPnL(pnl decimal.Decimal)
}

// Manager owns the lifecycle of every local order from intent to terminal
// state. Trade updates are applied from a single goroutine (the control
// loop); the internal lock only guards against Submit racing a late
// update. Events are published after the lock is released so subscribers
// can safely call back into the manager.
type Manager struct {
	mu        sync.Mutex
	caller    BrokerCaller
	gate      Gate
	positions *portfolio.Store
	pnl       PnLRecorder
	bus       *events.Bus
	rec       Recorder

	byID       map[string]*Order
	byClientID map[string]*Order
	byBrokerID map[string]*Order
}

// NewManager wires an order manager. gate, positions, pnl, bus and rec may
// be nil where the caller does not need them (tests, reconcile-only use).
func NewManager(caller BrokerCaller, gate Gate, positions *portfolio.Store, pnl PnLRecorder, bus *events.Bus, rec Recorder) *Manager {
	return &Manager{
		caller:     caller,
		gate:       gate,
		positions:  positions,
		pnl:        pnl,
		bus:        bus,
		rec:        rec,
		byID:       make(map[string]*Order),
		byClientID: make(map[string]*Order),
		byBrokerID: make(map[string]*Order),
	}
}

// Submit validates, gates and submits an intent. The broker call runs on
// the bridge worker pool; Submit waits for its result.
//
// A lost response is resolved by idempotency-token lookup rather than by
// re-submitting, so the broker never sees the same intent twice.
func (m *Manager) Submit(ctx context.Context, intent Intent) (*Order, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	if m.gate != nil {
		if d := m.gate.Check(intent); !d.Allowed {
			m.publish(events.RiskRejection{
				Symbol:        intent.Symbol,
				CorrelationID: intent.CorrelationID,
				Reason:        d.Reason(),
				Time:          time.Now().UTC(),
			})
			return nil, &risk.RejectedError{Symbol: intent.Symbol, Decision: d}
		}
	}

	o := newOrder(intent)
	m.withLock(func(emit emitter) {
		m.trackLocked(o)
		m.recordLocked(o)
	})

	resp, err := m.caller.SubmitOrder(ctx, requestFor(o))
	if err != nil {
		if broker.IsRejected(err) || broker.IsValidation(err) {
			m.withLock(func(emit emitter) { m.setStateLocked(o, StateRejected, emit) })
			m.publish(events.Error{Op: "submit", Err: err, Time: time.Now().UTC()})
			return nil, err
		}
		// Transport failure: the broker may have accepted the order before
		// the response was lost. Resolve by token before giving up.
		recovered, lookupErr := m.caller.GetOrderByClientID(ctx, o.IdempotencyToken)
		if lookupErr != nil || recovered.BrokerOrderID == "" {
			m.withLock(func(emit emitter) { m.setStateLocked(o, StateRejected, emit) })
			m.publish(events.Error{Op: "submit", Err: err, Time: time.Now().UTC()})
			return nil, fmt.Errorf("submit %s: %w", o.Symbol, err)
		}
		log.WithFields(log.Fields{
			"order_id":        o.ID,
			"broker_order_id": recovered.BrokerOrderID,
		}).Warn("submit response lost, order recovered by idempotency token")
		resp = recovered
	}

	m.accept(o, resp.BrokerOrderID)
	return m.snapshot(o), nil
}

// Cancel requests cancellation of a non-terminal order. The state change
// lands via the trade-update stream, not here.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	m.mu.Lock()
	o, ok := m.byID[orderID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("cancel: unknown order %s", orderID)
	}
	if o.State.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("cancel: order %s already %s", orderID, o.State)
	}
	if o.State == StateReconcileUnknown {
		m.mu.Unlock()
		return fmt.Errorf("cancel order %s: %w", orderID, ErrReconcileUnknown)
	}
	brokerID := o.BrokerOrderID
	m.mu.Unlock()

	if brokerID == "" {
		return fmt.Errorf("cancel: order %s has no broker id yet", orderID)
	}
	return m.caller.CancelOrder(ctx, brokerID)
}

// Replace submits a replacement for an existing order. The original is
// marked REPLACED only once the broker confirms the replacement; its
// quantity and price fields are never edited in place.
func (m *Manager) Replace(ctx context.Context, orderID string, intent Intent) (*Order, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	orig, ok := m.byID[orderID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("replace: unknown order %s", orderID)
	}
	if orig.State.Terminal() {
		m.mu.Unlock()
		return nil, fmt.Errorf("replace: order %s already %s", orderID, orig.State)
	}
	if orig.State == StateReconcileUnknown {
		m.mu.Unlock()
		return nil, fmt.Errorf("replace order %s: %w", orderID, ErrReconcileUnknown)
	}
	brokerID := orig.BrokerOrderID
	m.mu.Unlock()

	if brokerID == "" {
		return nil, fmt.Errorf("replace: order %s has no broker id yet", orderID)
	}

	repl := newOrder(intent)
	m.withLock(func(emit emitter) {
		m.trackLocked(repl)
		m.recordLocked(repl)
	})

	resp, err := m.caller.ReplaceOrder(ctx, brokerID, requestFor(repl))
	if err != nil {
		m.withLock(func(emit emitter) { m.setStateLocked(repl, StateRejected, emit) })
		m.publish(events.Error{Op: "replace", Err: err, Time: time.Now().UTC()})
		return nil, err
	}

	// Broker confirmed: the original is done, the replacement is live.
	m.withLock(func(emit emitter) {
		if !orig.State.Terminal() {
			m.setStateLocked(orig, StateReplaced, emit)
		}
	})
	m.accept(repl, resp.BrokerOrderID)
	return m.snapshot(repl), nil
}

// ApplyTradeUpdate folds one broker stream event into the local order it
// belongs to. Duplicates and events for terminal orders are logged and
// dropped, never applied.
func (m *Manager) ApplyTradeUpdate(ev market.TradeUpdate) {
	m.withLock(func(emit emitter) {
		o := m.lookupLocked(ev)
		if o == nil {
			log.WithFields(log.Fields{
				"broker_order_id": ev.BrokerOrderID,
				"event":           ev.Event,
			}).Warn("trade update for unknown order, dropped")
			return
		}
		if o.State.Terminal() {
			log.WithFields(log.Fields{
				"order_id": o.ID,
				"state":    o.State,
				"event":    ev.Event,
			}).Warn("trade update for terminal order, dropped")
			return
		}
		if ev.EventID != 0 && ev.EventID <= o.lastEventID {
			log.WithFields(log.Fields{
				"order_id": o.ID,
				"event_id": ev.EventID,
			}).Debug("duplicate trade update, dropped")
			return
		}
		if ev.EventID != 0 {
			o.lastEventID = ev.EventID
		}

		switch ev.Event {
		case market.TradeEventNew:
			if o.BrokerOrderID == "" && ev.BrokerOrderID != "" {
				o.BrokerOrderID = ev.BrokerOrderID
				m.byBrokerID[ev.BrokerOrderID] = o
			}
			if o.State == StatePendingSubmit {
				m.setStateLocked(o, StateSubmitted, emit)
			}
		case market.TradeEventFill, market.TradeEventPartialFill:
			m.applyFillLocked(o, ev, emit)
		case market.TradeEventCanceled:
			m.setStateLocked(o, StateCanceled, emit)
		case market.TradeEventRejected:
			m.setStateLocked(o, StateRejected, emit)
		case market.TradeEventReplaced:
			m.setStateLocked(o, StateReplaced, emit)
		default:
			log.WithField("event", ev.Event).Warn("unknown trade update event, dropped")
		}
	})
}

// Adopt registers a broker-side order that has no local record, e.g. one
// placed through another channel or surviving a crash. Used by the startup
// reconciler.
func (m *Manager) Adopt(bo broker.Order) *Order {
	var out *Order
	m.withLock(func(emit emitter) {
		if existing, ok := m.byBrokerID[bo.BrokerOrderID]; ok {
			cp := *existing
			out = &cp
			return
		}

		now := time.Now().UTC()
		o := &Order{
			ID:               id.New(),
			BrokerOrderID:    bo.BrokerOrderID,
			Symbol:           bo.Symbol,
			Side:             bo.Side,
			Type:             bo.Type,
			Qty:              bo.Qty,
			LimitPrice:       bo.LimitPrice,
			StopPrice:        bo.StopPrice,
			State:            StateFromBrokerStatus(bo.Status),
			FilledQty:        bo.FilledQty,
			AvgFillPrice:     bo.AvgFillPrice,
			CreatedAt:        now,
			UpdatedAt:        now,
			IdempotencyToken: bo.ClientOrderID,
		}
		m.trackLocked(o)
		m.recordLocked(o)
		log.WithFields(log.Fields{
			"broker_order_id": bo.BrokerOrderID,
			"symbol":          bo.Symbol,
			"state":           o.State,
		}).Info("adopted externally originated order")
		cp := *o
		out = &cp
	})
	return out
}

// Restore loads a persisted order back into the manager at startup.
func (m *Manager) Restore(o Order) {
	m.withLock(func(emit emitter) {
		cp := o
		m.trackLocked(&cp)
	})
}

// Finalize forces an order into a state from outside the stream path.
// Used by the startup reconciler with broker truth.
func (m *Manager) Finalize(orderID string, state State) error {
	var err error
	m.withLock(func(emit emitter) {
		o, ok := m.byID[orderID]
		if !ok {
			err = fmt.Errorf("finalize: unknown order %s", orderID)
			return
		}
		if o.State != state {
			m.setStateLocked(o, state, emit)
		}
	})
	return err
}

// ApplyReconciledFill applies fill truth discovered by the reconciler.
func (m *Manager) ApplyReconciledFill(orderID string, qty int64, price decimal.Decimal) error {
	var err error
	m.withLock(func(emit emitter) {
		o, ok := m.byID[orderID]
		if !ok {
			err = fmt.Errorf("reconcile fill: unknown order %s", orderID)
			return
		}
		if o.State.Terminal() {
			return
		}
		m.applyFillLocked(o, market.TradeUpdate{
			Event:     market.TradeEventFill,
			Symbol:    o.Symbol,
			FillQty:   qty,
			FillPrice: price,
			Timestamp: time.Now().UTC(),
		}, emit)
	})
	return err
}

// Get returns a copy of the order with the given local id.
func (m *Manager) Get(orderID string) (Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[orderID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// OpenOrders returns copies of every non-terminal order.
func (m *Manager) OpenOrders() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.byID {
		if !o.State.Terminal() && o.State != StateReconcileUnknown {
			out = append(out, *o)
		}
	}
	return out
}

// UnresolvedOrders returns copies of every order stuck in
// RECONCILIATION_UNKNOWN. The reconciler re-queries these on each pass.
func (m *Manager) UnresolvedOrders() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.byID {
		if o.State == StateReconcileUnknown {
			out = append(out, *o)
		}
	}
	return out
}

// emitter collects events to publish once the manager lock is released.
type emitter func(events.Event)

// withLock runs fn holding the manager lock, then publishes everything fn
// emitted.
func (m *Manager) withLock(fn func(emit emitter)) {
	var pending []events.Event
	m.mu.Lock()
	fn(func(e events.Event) { pending = append(pending, e) })
	m.mu.Unlock()
	for _, e := range pending {
		m.publish(e)
	}
}

func (m *Manager) applyFillLocked(o *Order, ev market.TradeUpdate, emit emitter) {
	from := o.State
	o.applyFill(ev.FillQty, ev.FillPrice)
	o.UpdatedAt = time.Now().UTC()
	m.recordLocked(o)

	if m.positions != nil {
		realized := m.positions.ApplyFill(o.Symbol, o.Side, ev.FillQty, ev.FillPrice, ev.Timestamp)
		if m.pnl != nil && !realized.IsZero() {
			m.pnl.RecordRealizedPnL(realized)
		}
	}

	emit(events.Fill{
		OrderID:       o.ID,
		BrokerOrderID: o.BrokerOrderID,
		Symbol:        o.Symbol,
		Qty:           ev.FillQty,
		Price:         ev.FillPrice,
		Time:          ev.Timestamp,
	})
	if o.State != from {
		emit(events.StateChange{
			OrderID: o.ID,
			From:    string(from),
			To:      string(o.State),
			Time:    o.UpdatedAt,
		})
	}
}

// accept records broker acceptance. The broker order id is set exactly
// once and never changes afterward.
func (m *Manager) accept(o *Order, brokerOrderID string) {
	m.withLock(func(emit emitter) {
		if o.BrokerOrderID == "" && brokerOrderID != "" {
			o.BrokerOrderID = brokerOrderID
			m.byBrokerID[brokerOrderID] = o
		}
		if o.State == StatePendingSubmit {
			m.setStateLocked(o, StateSubmitted, emit)
		}
	})
}

func (m *Manager) lookupLocked(ev market.TradeUpdate) *Order {
	if ev.ClientOrderID != "" {
		if o, ok := m.byClientID[ev.ClientOrderID]; ok {
			return o
		}
	}
	if ev.BrokerOrderID != "" {
		if o, ok := m.byBrokerID[ev.BrokerOrderID]; ok {
			return o
		}
	}
	return nil
}

func (m *Manager) trackLocked(o *Order) {
	m.byID[o.ID] = o
	if o.IdempotencyToken != "" {
		m.byClientID[o.IdempotencyToken] = o
	}
	if o.BrokerOrderID != "" {
		m.byBrokerID[o.BrokerOrderID] = o
	}
}

func (m *Manager) setStateLocked(o *Order, to State, emit emitter) {
	from := o.State
	o.State = to
	o.UpdatedAt = time.Now().UTC()
	m.recordLocked(o)
	emit(events.StateChange{
		OrderID: o.ID,
		From:    string(from),
		To:      string(to),
		Time:    o.UpdatedAt,
	})
}

func (m *Manager) snapshot(o *Order) *Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	return &cp
}

func (m *Manager) recordLocked(o *Order) {
	if m.rec == nil {
		return
	}
	if err := m.rec.RecordOrder(*o); err != nil {
		log.WithError(err).WithField("order_id", o.ID).Error("journal write failed")
	}
}

func (m *Manager) publish(e events.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}

func newOrder(intent Intent) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:               id.New(),
		Symbol:           intent.Symbol,
		Side:             intent.Side,
		Type:             intent.Type,
		Qty:              intent.Qty,
		LimitPrice:       intent.LimitPrice,
		StopPrice:        intent.StopPrice,
		State:            StatePendingSubmit,
		CreatedAt:        now,
		UpdatedAt:        now,
		CorrelationID:    intent.CorrelationID,
		IdempotencyToken: uuid.NewString(),
		Closing:          intent.Closing,
	}
}

func requestFor(o *Order) broker.OrderRequest {
	return broker.OrderRequest{
		ClientOrderID: o.IdempotencyToken,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Qty:           o.Qty,
		LimitPrice:    o.LimitPrice,
		StopPrice:     o.StopPrice,
	}
}

// StateFromBrokerStatus maps a normalized broker status onto a local state.
func StateFromBrokerStatus(status string) State {
	switch status {
	case broker.StatusNew, broker.StatusAccepted:
		return StateSubmitted
	case broker.StatusPartiallyFilled:
		return StatePartiallyFilled
	case broker.StatusFilled:
		return StateFilled
	case broker.StatusCanceled:
		return StateCanceled
	case broker.StatusRejected:
		return StateRejected
	case broker.StatusReplaced:
		return StateReplaced
	default:
		return StateReconcileUnknown
	}
}
