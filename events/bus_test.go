package events

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversInSubscribeOrder(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	var order []string
	require.NoError(t, b.Subscribe(TopicFill, func(Event) { order = append(order, "first") }))
	require.NoError(t, b.Subscribe(TopicFill, func(Event) { order = append(order, "second") }))

	b.Publish(Fill{OrderID: "o1", Symbol: "AAPL", Qty: 10, Price: decimal.NewFromInt(100)})

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPublish_RoutesByTopic(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	var fills, errs int
	require.NoError(t, b.Subscribe(TopicFill, func(Event) { fills++ }))
	require.NoError(t, b.Subscribe(TopicError, func(Event) { errs++ }))

	b.Publish(Fill{OrderID: "o1"})
	b.Publish(Fill{OrderID: "o2"})
	b.Publish(Error{Op: "submit"})

	assert.Equal(t, 2, fills)
	assert.Equal(t, 1, errs)
}

func TestPublish_PanickingSubscriberIsolated(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	var delivered bool
	require.NoError(t, b.Subscribe(TopicFill, func(Event) { panic("boom") }))
	require.NoError(t, b.Subscribe(TopicFill, func(Event) { delivered = true }))

	// Must not panic the publisher, and the second subscriber still runs.
	b.Publish(Fill{OrderID: "o1", Time: time.Now()})
	assert.True(t, delivered)
}

func TestClose_StopsDelivery(t *testing.T) {
	t.Parallel()

	b := New()

	var n int
	require.NoError(t, b.Subscribe(TopicSignal, func(Event) { n++ }))

	b.Publish(Signal{Symbol: "AAPL"})
	b.Close()
	b.Publish(Signal{Symbol: "AAPL"})

	assert.Equal(t, 1, n)
}

func TestEventTopics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		e    Event
		want Topic
	}{
		{"signal", Signal{}, TopicSignal},
		{"fill", Fill{}, TopicFill},
		{"error", Error{}, TopicError},
		{"state_change", StateChange{}, TopicStateChange},
		{"risk_rejection", RiskRejection{}, TopicRiskRejection},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.e.Topic())
		})
	}
}
