package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/equitrader/broker"
	"github.com/rustyeddy/equitrader/orders"
	"github.com/rustyeddy/equitrader/portfolio"
	"github.com/rustyeddy/equitrader/risk"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeView scripts broker state for one reconciliation pass.
type fakeView struct {
	openOrders []broker.Order
	positions  []broker.Position
	byClient   map[string]broker.Order
	lookupErr  error
}

func (f *fakeView) GetOpenOrders(ctx context.Context) ([]broker.Order, error) {
	return f.openOrders, nil
}

func (f *fakeView) GetPositions(ctx context.Context) ([]broker.Position, error) {
	return f.positions, nil
}

func (f *fakeView) GetOrderByClientID(ctx context.Context, clientOrderID string) (broker.Order, error) {
	if f.lookupErr != nil {
		return broker.Order{}, f.lookupErr
	}
	o, ok := f.byClient[clientOrderID]
	if !ok {
		return broker.Order{}, errors.New("order not found")
	}
	return o, nil
}

func newFixture(view *fakeView) (*Reconciler, *orders.Manager, *portfolio.Store, *risk.Breaker) {
	manager := orders.NewManager(nil, nil, nil, nil, nil, nil)
	positions := portfolio.NewStore()
	breaker := risk.NewBreaker(d("1000"), "2026-08-28")
	r := New(view, manager, positions, breaker, nil, d("0.05"))
	return r, manager, positions, breaker
}

func TestRun_AdoptsUnknownBrokerOrders(t *testing.T) {
	t.Parallel()

	view := &fakeView{
		openOrders: []broker.Order{{
			BrokerOrderID: "bkr-1",
			ClientOrderID: "tok-1",
			Symbol:        "AAPL",
			Side:          broker.Buy,
			Type:          broker.LimitOrder,
			Qty:           100,
			Status:        broker.StatusAccepted,
		}},
	}
	r, manager, _, _ := newFixture(view)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Adopted)

	open := manager.OpenOrders()
	require.Len(t, open, 1)
	assert.Equal(t, "bkr-1", open[0].BrokerOrderID)
	assert.Equal(t, orders.StateSubmitted, open[0].State)
}

func TestRun_FinalizesOrderFilledWhileDown(t *testing.T) {
	t.Parallel()

	view := &fakeView{
		byClient: map[string]broker.Order{
			"tok-1": {
				BrokerOrderID: "bkr-1",
				ClientOrderID: "tok-1",
				Symbol:        "AAPL",
				Status:        broker.StatusFilled,
				Qty:           100,
				FilledQty:     100,
				AvgFillPrice:  d("50.25"),
			},
		},
	}
	r, manager, _, _ := newFixture(view)

	// Local view: order still open from before the crash.
	manager.Restore(orders.Order{
		ID:               "local-1",
		BrokerOrderID:    "bkr-1",
		Symbol:           "AAPL",
		Side:             broker.Buy,
		Type:             broker.MarketOrder,
		Qty:              100,
		State:            orders.StateSubmitted,
		IdempotencyToken: "tok-1",
	})

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Finalized)
	assert.Zero(t, rep.Unknown)

	got, ok := manager.Get("local-1")
	require.True(t, ok)
	assert.Equal(t, orders.StateFilled, got.State)
	assert.Equal(t, int64(100), got.FilledQty)
	assert.True(t, got.AvgFillPrice.Equal(d("50.25")))
	assert.Empty(t, manager.OpenOrders())
}

func TestRun_UnresolvableOrderPausesSymbol(t *testing.T) {
	t.Parallel()

	view := &fakeView{lookupErr: errors.New("http 500")}
	r, manager, _, breaker := newFixture(view)

	manager.Restore(orders.Order{
		ID:               "local-1",
		BrokerOrderID:    "bkr-1",
		Symbol:           "TSLA",
		Side:             broker.Buy,
		Type:             broker.MarketOrder,
		Qty:              50,
		State:            orders.StateSubmitted,
		IdempotencyToken: "tok-1",
	})

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Unknown)

	got, _ := manager.Get("local-1")
	assert.Equal(t, orders.StateReconcileUnknown, got.State)

	// The symbol is held out of new entries, everything else trades.
	assert.False(t, breaker.AllowEntry("TSLA").Allowed)
	assert.True(t, breaker.AllowEntry("AAPL").Allowed)
}

func TestRun_RestoredUnknownOrderReappliesPause(t *testing.T) {
	t.Parallel()

	// The pause lives in memory only; an unknown order restored from the
	// journal must re-pause its symbol on the next startup pass.
	view := &fakeView{}
	r, manager, _, breaker := newFixture(view)

	manager.Restore(orders.Order{
		ID:               "local-1",
		BrokerOrderID:    "bkr-1",
		Symbol:           "AAPL",
		Side:             broker.Buy,
		Type:             broker.MarketOrder,
		Qty:              50,
		State:            orders.StateReconcileUnknown,
		IdempotencyToken: "tok-1",
	})
	require.True(t, breaker.AllowEntry("AAPL").Allowed)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Unknown)

	got, _ := manager.Get("local-1")
	assert.Equal(t, orders.StateReconcileUnknown, got.State)
	assert.False(t, breaker.AllowEntry("AAPL").Allowed)
}

func TestRun_RestoredUnknownOrderResolvesAndResumes(t *testing.T) {
	t.Parallel()

	view := &fakeView{
		byClient: map[string]broker.Order{
			"tok-1": {
				BrokerOrderID: "bkr-1",
				ClientOrderID: "tok-1",
				Symbol:        "AAPL",
				Status:        broker.StatusFilled,
				Qty:           50,
				FilledQty:     50,
				AvgFillPrice:  d("101.50"),
			},
		},
	}
	r, manager, _, breaker := newFixture(view)

	manager.Restore(orders.Order{
		ID:               "local-1",
		BrokerOrderID:    "bkr-1",
		Symbol:           "AAPL",
		Side:             broker.Buy,
		Type:             broker.MarketOrder,
		Qty:              50,
		State:            orders.StateReconcileUnknown,
		IdempotencyToken: "tok-1",
	})
	breaker.PauseSymbol("AAPL", "reconciliation unknown: order local-1")

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Finalized)
	assert.Equal(t, 0, rep.Unknown)

	got, _ := manager.Get("local-1")
	assert.Equal(t, orders.StateFilled, got.State)
	assert.True(t, breaker.AllowEntry("AAPL").Allowed)
	assert.Empty(t, manager.OpenOrders())
}

func TestRun_PositionDivergenceResolvesToBroker(t *testing.T) {
	t.Parallel()

	view := &fakeView{
		positions: []broker.Position{{
			Symbol:        "AAPL",
			Qty:           175,
			AvgEntryPrice: d("49.80"),
		}},
	}
	r, _, positions, _ := newFixture(view)

	positions.Overwrite(portfolio.Position{
		Symbol:        "AAPL",
		Qty:           100,
		AvgEntryPrice: d("50.00"),
		StopPrice:     d("48.00"),
		HasStop:       true,
		OpenedAt:      time.Now(),
	})

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.PositionsOverwritten)

	got, ok := positions.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, int64(175), got.Qty)
	assert.True(t, got.AvgEntryPrice.Equal(d("49.80")))
	// The local protective stop survives the overwrite.
	assert.True(t, got.HasStop)
	assert.True(t, got.StopPrice.Equal(d("48.00")))
	assert.Zero(t, rep.EmergencyStops)
}

func TestRun_StaleLocalPositionCleared(t *testing.T) {
	t.Parallel()

	view := &fakeView{} // broker is flat
	r, _, positions, _ := newFixture(view)

	positions.Overwrite(portfolio.Position{
		Symbol:        "MSFT",
		Qty:           30,
		AvgEntryPrice: d("300.00"),
	})

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.PositionsOverwritten)

	_, ok := positions.Get("MSFT")
	assert.False(t, ok)
}

func TestRun_EmergencyStopForRecoveredPosition(t *testing.T) {
	t.Parallel()

	view := &fakeView{
		positions: []broker.Position{
			{Symbol: "AAPL", Qty: 100, AvgEntryPrice: d("100.00")},
			{Symbol: "TSLA", Qty: -40, AvgEntryPrice: d("200.00")},
		},
	}
	r, _, positions, _ := newFixture(view)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.EmergencyStops)

	long, _ := positions.Get("AAPL")
	require.True(t, long.HasStop)
	// 5% below entry for a long
	assert.True(t, long.StopPrice.Equal(d("95.00")), "got %s", long.StopPrice)

	short, _ := positions.Get("TSLA")
	require.True(t, short.HasStop)
	// 5% above entry for a short
	assert.True(t, short.StopPrice.Equal(d("210.00")), "got %s", short.StopPrice)
}

func TestRun_SecondPassIsNoOp(t *testing.T) {
	t.Parallel()

	view := &fakeView{
		openOrders: []broker.Order{{
			BrokerOrderID: "bkr-1",
			ClientOrderID: "tok-1",
			Symbol:        "AAPL",
			Side:          broker.Buy,
			Type:          broker.LimitOrder,
			Qty:           100,
			Status:        broker.StatusAccepted,
		}},
		positions: []broker.Position{{
			Symbol:        "AAPL",
			Qty:           50,
			AvgEntryPrice: d("10.00"),
		}},
	}
	r, manager, positions, _ := newFixture(view)

	first, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.Adopted)

	second, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Adopted)
	assert.Zero(t, second.PositionsOverwritten)
	assert.Zero(t, second.EmergencyStops)

	assert.Len(t, manager.OpenOrders(), 1)
	got, _ := positions.Get("AAPL")
	assert.Equal(t, int64(50), got.Qty)
}
