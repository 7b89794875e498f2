package journal

import (
	"path/filepath"
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

func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLite(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOrders_RoundTrip(t *testing.T) {
	t.Parallel()

	j := newTestJournal(t)
	now := time.Now().UTC().Truncate(time.Second)

	o := orders.Order{
		ID:               "ord-1",
		BrokerOrderID:    "bkr-1",
		Symbol:           "AAPL",
		Side:             broker.Buy,
		Type:             broker.LimitOrder,
		Qty:              100,
		LimitPrice:       d("50.25"),
		State:            orders.StateSubmitted,
		CreatedAt:        now,
		UpdatedAt:        now,
		CorrelationID:    "sig-1",
		IdempotencyToken: "tok-1",
	}
	require.NoError(t, j.RecordOrder(o))

	got, err := j.LoadOpenOrders()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ord-1", got[0].ID)
	assert.Equal(t, "bkr-1", got[0].BrokerOrderID)
	assert.Equal(t, broker.Buy, got[0].Side)
	assert.Equal(t, orders.StateSubmitted, got[0].State)
	assert.True(t, got[0].LimitPrice.Equal(d("50.25")))
	assert.Equal(t, "tok-1", got[0].IdempotencyToken)
}

func TestOrders_UpsertAndTerminalFilter(t *testing.T) {
	t.Parallel()

	j := newTestJournal(t)
	now := time.Now().UTC()

	o := orders.Order{
		ID:        "ord-1",
		Symbol:    "AAPL",
		Side:      broker.Buy,
		Type:      broker.MarketOrder,
		Qty:       100,
		State:     orders.StateSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, j.RecordOrder(o))

	o.State = orders.StateFilled
	o.FilledQty = 100
	o.AvgFillPrice = d("50.10")
	require.NoError(t, j.RecordOrder(o))

	// Filled orders are not "open" and never restored.
	got, err := j.LoadOpenOrders()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOrders_ReconcileUnknownIsRestored(t *testing.T) {
	t.Parallel()

	j := newTestJournal(t)
	now := time.Now().UTC()

	require.NoError(t, j.RecordOrder(orders.Order{
		ID:        "ord-1",
		Symbol:    "TSLA",
		Side:      broker.Sell,
		Type:      broker.MarketOrder,
		Qty:       10,
		State:     orders.StateReconcileUnknown,
		CreatedAt: now,
		UpdatedAt: now,
	}))

	got, err := j.LoadOpenOrders()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, orders.StateReconcileUnknown, got[0].State)
}

func TestPositions_RoundTrip(t *testing.T) {
	t.Parallel()

	j := newTestJournal(t)

	require.NoError(t, j.RecordPosition(portfolio.Position{
		Symbol:        "AAPL",
		Qty:           250,
		AvgEntryPrice: d("10.12"),
		StopPrice:     d("9.50"),
		HasStop:       true,
		OpenedAt:      time.Now().UTC(),
	}))
	require.NoError(t, j.RecordPosition(portfolio.Position{
		Symbol:        "MSFT",
		Qty:           -30,
		AvgEntryPrice: d("300"),
	}))

	got, err := j.LoadPositions()
	require.NoError(t, err)
	require.Len(t, got, 2)

	bySym := map[string]portfolio.Position{}
	for _, p := range got {
		bySym[p.Symbol] = p
	}
	aapl := bySym["AAPL"]
	assert.Equal(t, int64(250), aapl.Qty)
	assert.True(t, aapl.AvgEntryPrice.Equal(d("10.12")))
	assert.True(t, aapl.HasStop)
	assert.True(t, aapl.StopPrice.Equal(d("9.50")))

	msft := bySym["MSFT"]
	assert.Equal(t, int64(-30), msft.Qty)
	assert.False(t, msft.HasStop)
}

func TestPositions_UpsertAndClear(t *testing.T) {
	t.Parallel()

	j := newTestJournal(t)

	p := portfolio.Position{Symbol: "AAPL", Qty: 100, AvgEntryPrice: d("10"), OpenedAt: time.Now().UTC()}
	require.NoError(t, j.RecordPosition(p))

	p.Qty = 175
	require.NoError(t, j.RecordPosition(p))

	got, err := j.LoadPositions()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(175), got[0].Qty)

	require.NoError(t, j.ClearPosition("AAPL"))
	got, err = j.LoadPositions()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBreaker_RoundTrip(t *testing.T) {
	t.Parallel()

	j := newTestJournal(t)

	_, ok, err := j.LoadBreaker("2026-08-28")
	require.NoError(t, err)
	assert.False(t, ok)

	state := risk.BreakerState{
		Tripped:           true,
		Reason:            risk.ReasonDailyLoss,
		DailyRealizedLoss: d("1200.50"),
		DailyLossLimit:    d("1000"),
		TrippedAt:         time.Now().UTC().Truncate(time.Second),
		SessionDate:       "2026-08-28",
	}
	require.NoError(t, j.RecordBreaker(state))

	got, ok, err := j.LoadBreaker("2026-08-28")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Tripped)
	assert.Equal(t, risk.ReasonDailyLoss, got.Reason)
	assert.True(t, got.DailyRealizedLoss.Equal(d("1200.50")))
	assert.True(t, got.DailyLossLimit.Equal(d("1000")))

	// Counters for one session update in place.
	state.DailyRealizedLoss = d("1300")
	require.NoError(t, j.RecordBreaker(state))
	got, ok, err = j.LoadBreaker("2026-08-28")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.DailyRealizedLoss.Equal(d("1300")))

	// A different session is independent.
	_, ok, err = j.LoadBreaker("2026-08-29")
	require.NoError(t, err)
	assert.False(t, ok)
}
