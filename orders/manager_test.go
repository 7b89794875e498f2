package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/equitrader/broker"
	"github.com/rustyeddy/equitrader/market"
	"github.com/rustyeddy/equitrader/portfolio"
	"github.com/rustyeddy/equitrader/risk"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeCaller scripts broker responses for one test.
type fakeCaller struct {
	submitErr    error
	submits      []broker.OrderRequest
	cancels      []string
	lookupOrder  broker.Order
	lookupErr    error
	nextBrokerID string
}

func (f *fakeCaller) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	f.submits = append(f.submits, req)
	if f.submitErr != nil {
		return broker.Order{}, f.submitErr
	}
	bid := f.nextBrokerID
	if bid == "" {
		bid = "bkr-1"
	}
	return broker.Order{
		BrokerOrderID: bid,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        broker.StatusAccepted,
	}, nil
}

func (f *fakeCaller) CancelOrder(ctx context.Context, brokerOrderID string) error {
	f.cancels = append(f.cancels, brokerOrderID)
	return nil
}

func (f *fakeCaller) ReplaceOrder(ctx context.Context, brokerOrderID string, req broker.OrderRequest) (broker.Order, error) {
	return f.SubmitOrder(ctx, req)
}

func (f *fakeCaller) GetOrderByClientID(ctx context.Context, clientOrderID string) (broker.Order, error) {
	return f.lookupOrder, f.lookupErr
}

// denyGate declines every entry with one violation.
type denyGate struct{}

func (denyGate) Check(Intent) risk.Decision {
	dec := risk.Decision{}
	dec.Violations = append(dec.Violations, risk.Violation{Code: "DENIED", Msg: "test"})
	return dec
}

func marketBuy(symbol string, qty int64) Intent {
	return Intent{Symbol: symbol, Side: broker.Buy, Type: broker.MarketOrder, Qty: qty}
}

func TestSubmit_HappyPath(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{}
	m := NewManager(caller, nil, nil, nil, nil, nil)

	o, err := m.Submit(context.Background(), marketBuy("AAPL", 100))
	require.NoError(t, err)

	assert.Equal(t, StateSubmitted, o.State)
	assert.Equal(t, "bkr-1", o.BrokerOrderID)
	assert.NotEmpty(t, o.ID)
	assert.NotEmpty(t, o.IdempotencyToken)
	require.Len(t, caller.submits, 1)
	assert.Equal(t, o.IdempotencyToken, caller.submits[0].ClientOrderID)
}

func TestSubmit_ValidationRejectsBeforeBroker(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{}
	m := NewManager(caller, nil, nil, nil, nil, nil)

	_, err := m.Submit(context.Background(), Intent{Symbol: "AAPL", Side: broker.Buy, Type: broker.MarketOrder, Qty: 0})
	require.Error(t, err)

	var verr *broker.ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Empty(t, caller.submits, "invalid intent must never reach the broker")
}

func TestSubmit_GateDenied(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{}
	m := NewManager(caller, denyGate{}, nil, nil, nil, nil)

	_, err := m.Submit(context.Background(), marketBuy("AAPL", 100))
	require.Error(t, err)

	var rerr *risk.RejectedError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "DENIED", rerr.Decision.Reason())
	assert.Empty(t, caller.submits, "denied intent must never reach the broker")
}

func TestSubmit_BrokerRejection(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{submitErr: &broker.RejectedError{Reason: "insufficient buying power"}}
	m := NewManager(caller, nil, nil, nil, nil, nil)

	_, err := m.Submit(context.Background(), marketBuy("AAPL", 100))
	require.Error(t, err)
	assert.True(t, broker.IsRejected(err))

	open := m.OpenOrders()
	assert.Empty(t, open, "rejected order must be terminal")
	require.Len(t, caller.submits, 1)
}

func TestSubmit_LostResponseRecoveredByToken(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{
		submitErr:   errors.New("connection reset"),
		lookupOrder: broker.Order{BrokerOrderID: "bkr-9", Status: broker.StatusAccepted},
	}
	m := NewManager(caller, nil, nil, nil, nil, nil)

	o, err := m.Submit(context.Background(), marketBuy("AAPL", 100))
	require.NoError(t, err)

	// The broker had the order; no second submit happened.
	assert.Equal(t, "bkr-9", o.BrokerOrderID)
	assert.Equal(t, StateSubmitted, o.State)
	assert.Len(t, caller.submits, 1)
}

func TestSubmit_LostResponseNotFoundRejects(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{
		submitErr: errors.New("connection reset"),
		lookupErr: errors.New("order not found"),
	}
	m := NewManager(caller, nil, nil, nil, nil, nil)

	_, err := m.Submit(context.Background(), marketBuy("AAPL", 100))
	require.Error(t, err)
	assert.Empty(t, m.OpenOrders())
}

func TestApplyTradeUpdate_PartialFillsToFilled(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{}
	positions := portfolio.NewStore()
	m := NewManager(caller, nil, positions, nil, nil, nil)

	o, err := m.Submit(context.Background(), marketBuy("AAPL", 250))
	require.NoError(t, err)

	now := time.Now().UTC()
	m.ApplyTradeUpdate(market.TradeUpdate{
		EventID:       1,
		Event:         market.TradeEventPartialFill,
		BrokerOrderID: o.BrokerOrderID,
		Symbol:        "AAPL",
		FillQty:       100,
		FillPrice:     d("10.00"),
		Timestamp:     now,
	})

	got, ok := m.Get(o.ID)
	require.True(t, ok)
	assert.Equal(t, StatePartiallyFilled, got.State)
	assert.Equal(t, int64(100), got.FilledQty)

	m.ApplyTradeUpdate(market.TradeUpdate{
		EventID:       2,
		Event:         market.TradeEventFill,
		BrokerOrderID: o.BrokerOrderID,
		Symbol:        "AAPL",
		FillQty:       150,
		FillPrice:     d("10.20"),
		Timestamp:     now,
	})

	got, ok = m.Get(o.ID)
	require.True(t, ok)
	assert.Equal(t, StateFilled, got.State)
	assert.Equal(t, int64(250), got.FilledQty)
	// 100 @ 10.00 + 150 @ 10.20 -> 10.12 weighted average
	assert.True(t, got.AvgFillPrice.Equal(d("10.12")), "got %s", got.AvgFillPrice)

	pos, ok := positions.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, int64(250), pos.Qty)
	assert.True(t, pos.AvgEntryPrice.Equal(d("10.12")))
}

func TestApplyTradeUpdate_DuplicateEventDropped(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{}
	m := NewManager(caller, nil, nil, nil, nil, nil)

	o, err := m.Submit(context.Background(), marketBuy("AAPL", 100))
	require.NoError(t, err)

	fill := market.TradeUpdate{
		EventID:       7,
		Event:         market.TradeEventPartialFill,
		BrokerOrderID: o.BrokerOrderID,
		Symbol:        "AAPL",
		FillQty:       40,
		FillPrice:     d("10.00"),
		Timestamp:     time.Now().UTC(),
	}
	m.ApplyTradeUpdate(fill)
	m.ApplyTradeUpdate(fill) // redelivery

	got, ok := m.Get(o.ID)
	require.True(t, ok)
	assert.Equal(t, int64(40), got.FilledQty, "duplicate must not double-count")
}

func TestApplyTradeUpdate_TerminalOrderImmutable(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{}
	m := NewManager(caller, nil, nil, nil, nil, nil)

	o, err := m.Submit(context.Background(), marketBuy("AAPL", 100))
	require.NoError(t, err)

	m.ApplyTradeUpdate(market.TradeUpdate{
		EventID:       1,
		Event:         market.TradeEventCanceled,
		BrokerOrderID: o.BrokerOrderID,
		Timestamp:     time.Now().UTC(),
	})

	got, _ := m.Get(o.ID)
	require.Equal(t, StateCanceled, got.State)

	// A late fill for a canceled order is dropped.
	m.ApplyTradeUpdate(market.TradeUpdate{
		EventID:       2,
		Event:         market.TradeEventFill,
		BrokerOrderID: o.BrokerOrderID,
		FillQty:       100,
		FillPrice:     d("10.00"),
		Timestamp:     time.Now().UTC(),
	})

	got, _ = m.Get(o.ID)
	assert.Equal(t, StateCanceled, got.State)
	assert.Zero(t, got.FilledQty)
}

func TestApplyTradeUpdate_UnknownOrderDropped(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeCaller{}, nil, nil, nil, nil, nil)

	// Must not panic or create phantom state.
	m.ApplyTradeUpdate(market.TradeUpdate{
		EventID:       1,
		Event:         market.TradeEventFill,
		BrokerOrderID: "never-seen",
		FillQty:       10,
		FillPrice:     d("1"),
	})
	assert.Empty(t, m.OpenOrders())
}

func TestCancel(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{}
	m := NewManager(caller, nil, nil, nil, nil, nil)

	o, err := m.Submit(context.Background(), marketBuy("AAPL", 100))
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background(), o.ID))
	assert.Equal(t, []string{o.BrokerOrderID}, caller.cancels)

	// Cancel does not change state locally; the stream does.
	got, _ := m.Get(o.ID)
	assert.Equal(t, StateSubmitted, got.State)

	m.ApplyTradeUpdate(market.TradeUpdate{
		EventID:       1,
		Event:         market.TradeEventCanceled,
		BrokerOrderID: o.BrokerOrderID,
		Timestamp:     time.Now().UTC(),
	})
	got, _ = m.Get(o.ID)
	assert.Equal(t, StateCanceled, got.State)

	err = m.Cancel(context.Background(), o.ID)
	assert.Error(t, err, "terminal order cannot be canceled again")
}

func TestReplace(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{}
	m := NewManager(caller, nil, nil, nil, nil, nil)

	orig, err := m.Submit(context.Background(), Intent{
		Symbol: "AAPL", Side: broker.Buy, Type: broker.LimitOrder, Qty: 100, LimitPrice: d("10.00"),
	})
	require.NoError(t, err)

	caller.nextBrokerID = "bkr-2"
	repl, err := m.Replace(context.Background(), orig.ID, Intent{
		Symbol: "AAPL", Side: broker.Buy, Type: broker.LimitOrder, Qty: 100, LimitPrice: d("10.10"),
	})
	require.NoError(t, err)

	got, _ := m.Get(orig.ID)
	assert.Equal(t, StateReplaced, got.State)
	// The original's own fields were never edited.
	assert.True(t, got.LimitPrice.Equal(d("10.00")))

	assert.NotEqual(t, orig.ID, repl.ID)
	assert.Equal(t, "bkr-2", repl.BrokerOrderID)
	assert.Equal(t, StateSubmitted, repl.State)
}

func TestAdopt_Idempotent(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeCaller{}, nil, nil, nil, nil, nil)

	bo := broker.Order{
		BrokerOrderID: "bkr-77",
		ClientOrderID: "tok-77",
		Symbol:        "MSFT",
		Side:          broker.Buy,
		Type:          broker.LimitOrder,
		Qty:           50,
		Status:        broker.StatusPartiallyFilled,
		FilledQty:     20,
		AvgFillPrice:  d("300.00"),
	}

	first := m.Adopt(bo)
	second := m.Adopt(bo)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, StatePartiallyFilled, first.State)
	assert.Equal(t, int64(20), first.FilledQty)
	assert.Len(t, m.OpenOrders(), 1)
}

func TestFinalizeAndOpenOrders(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeCaller{}, nil, nil, nil, nil, nil)

	o, err := m.Submit(context.Background(), marketBuy("AAPL", 100))
	require.NoError(t, err)
	require.Len(t, m.OpenOrders(), 1)

	require.NoError(t, m.Finalize(o.ID, StateFilled))
	assert.Empty(t, m.OpenOrders())

	// Unknown order errors.
	assert.Error(t, m.Finalize("nope", StateFilled))
}

func TestOpenOrders_ExcludesReconcileUnknown(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeCaller{}, nil, nil, nil, nil, nil)

	o, err := m.Submit(context.Background(), marketBuy("AAPL", 100))
	require.NoError(t, err)

	require.NoError(t, m.Finalize(o.ID, StateReconcileUnknown))
	assert.Empty(t, m.OpenOrders())

	// Still retrievable for operator inspection.
	got, ok := m.Get(o.ID)
	require.True(t, ok)
	assert.Equal(t, StateReconcileUnknown, got.State)
}

func TestCancelReplace_RefuseReconcileUnknown(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeCaller{}, nil, nil, nil, nil, nil)

	o, err := m.Submit(context.Background(), marketBuy("AAPL", 100))
	require.NoError(t, err)
	require.NoError(t, m.Finalize(o.ID, StateReconcileUnknown))

	err = m.Cancel(context.Background(), o.ID)
	assert.ErrorIs(t, err, ErrReconcileUnknown)

	_, err = m.Replace(context.Background(), o.ID, marketBuy("AAPL", 50))
	assert.ErrorIs(t, err, ErrReconcileUnknown)
}

func TestStateFromBrokerStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status string
		want   State
	}{
		{broker.StatusNew, StateSubmitted},
		{broker.StatusAccepted, StateSubmitted},
		{broker.StatusPartiallyFilled, StatePartiallyFilled},
		{broker.StatusFilled, StateFilled},
		{broker.StatusCanceled, StateCanceled},
		{broker.StatusRejected, StateRejected},
		{broker.StatusReplaced, StateReplaced},
		{"something_else", StateReconcileUnknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.status, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, StateFromBrokerStatus(tt.status))
		})
	}
}

func TestRealizedPnLReachesRecorder(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{}
	positions := portfolio.NewStore()
	breaker := risk.NewBreaker(d("1000"), "2026-08-28")
	m := NewManager(caller, nil, positions, breaker, nil, nil)

	// Open long 100 @ 50.
	buy, err := m.Submit(context.Background(), marketBuy("AAPL", 100))
	require.NoError(t, err)
	m.ApplyTradeUpdate(market.TradeUpdate{
		EventID: 1, Event: market.TradeEventFill,
		BrokerOrderID: buy.BrokerOrderID, Symbol: "AAPL",
		FillQty: 100, FillPrice: d("50.00"), Timestamp: time.Now().UTC(),
	})

	// Close at 38: realized loss 1200 trips the breaker.
	caller.nextBrokerID = "bkr-2"
	sell, err := m.Submit(context.Background(), Intent{
		Symbol: "AAPL", Side: broker.Sell, Type: broker.MarketOrder, Qty: 100, Closing: true,
	})
	require.NoError(t, err)
	m.ApplyTradeUpdate(market.TradeUpdate{
		EventID: 2, Event: market.TradeEventFill,
		BrokerOrderID: sell.BrokerOrderID, Symbol: "AAPL",
		FillQty: 100, FillPrice: d("38.00"), Timestamp: time.Now().UTC(),
	})

	state := breaker.State()
	assert.True(t, state.Tripped)
	assert.True(t, state.DailyRealizedLoss.Equal(d("1200")))
}
