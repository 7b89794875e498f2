// Package bridge isolates the blocking broker client and its streaming
// connections from the control loop. The loop sees three non-blocking
// surfaces: a bounded bar channel, an unbounded trade-update channel, and
// broker calls dispatched onto a small worker pool.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rustyeddy/equitrader/broker"
	"github.com/rustyeddy/equitrader/market"
)

const (
	defaultBarQueueSize      = 10000
	defaultWorkers           = 4
	defaultHandshakeTimeout  = 10 * time.Second
	defaultDisconnectTimeout = 5 * time.Second
)

// Config tunes queue and pool sizes. Zero values take the defaults.
type Config struct {
	BarQueueSize      int
	Workers           int
	HandshakeTimeout  time.Duration
	DisconnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BarQueueSize <= 0 {
		c.BarQueueSize = defaultBarQueueSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = defaultDisconnectTimeout
	}
	return c
}

// Bridge owns the streaming connections and the REST worker pool.
//
// The bar queue is bounded with drop-newest backpressure: when full the
// incoming bar is discarded and counted, so the consumer always sees a
// contiguous prefix with a trailing gap, never a hole in the middle. Trade
// updates are never dropped.
type Bridge struct {
	cfg    Config
	rest   broker.Broker
	stream broker.Stream

	// lifeMu serializes Connect/Disconnect so a reconnect attempt cannot
	// race a graceful shutdown.
	lifeMu    sync.Mutex
	connected atomic.Bool

	bars        chan market.Bar
	droppedBars atomic.Int64
	updates     *unboundedQueue[market.TradeUpdate]
	pool        *pool
}

// New creates a disconnected bridge over the given broker surfaces.
func New(rest broker.Broker, stream broker.Stream, cfg Config) *Bridge {
	cfg = cfg.withDefaults()
	return &Bridge{
		cfg:     cfg,
		rest:    rest,
		stream:  stream,
		bars:    make(chan market.Bar, cfg.BarQueueSize),
		updates: newUnboundedQueue[market.TradeUpdate](),
		pool:    newPool(cfg.Workers),
	}
}

// Connect establishes both streaming channels. Idempotent: connecting an
// already-connected bridge is a no-op. Fails with broker.ErrConnection when
// the handshake does not complete within the bounded timeout.
func (b *Bridge) Connect(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	if b.connected.Load() {
		return nil
	}

	hctx, cancel := context.WithTimeout(ctx, b.cfg.HandshakeTimeout)
	defer cancel()

	handlers := broker.StreamHandlers{
		OnBar:    b.pushBar,
		OnUpdate: b.pushUpdate,
		OnError: func(err error) {
			log.WithError(err).Error("stream failed, clearing connection flag")
			b.connected.Store(false)
		},
	}
	if err := b.stream.Connect(hctx, handlers); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrConnection, err)
	}
	b.connected.Store(true)
	log.Info("bridge connected")
	return nil
}

// Disconnect closes the streams with a bounded graceful wait, then gives
// up. Idempotent. The worker pool keeps running so in-flight REST results
// can still be collected; Close tears it down.
func (b *Bridge) Disconnect(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	if !b.connected.Load() {
		return nil
	}
	b.connected.Store(false)

	dctx, cancel := context.WithTimeout(ctx, b.cfg.DisconnectTimeout)
	defer cancel()

	err := b.stream.Close(dctx)
	if err != nil {
		log.WithError(err).Warn("stream close exceeded graceful window, forcing")
	}
	log.Info("bridge disconnected")
	return err
}

// Close releases the bridge entirely: disconnects, stops the worker pool
// and the update pump.
func (b *Bridge) Close(ctx context.Context) error {
	err := b.Disconnect(ctx)
	b.pool.stop()
	b.updates.Close()
	return err
}

// Connected reports the connection-state flag. It is an atomic, not a
// plain bool, so the control loop never sees a stale value written by the
// stream goroutine.
func (b *Bridge) Connected() bool {
	return b.connected.Load()
}

// MarkDisconnected clears the connection flag after a stream failure.
// Reconnect policy belongs to the orchestrator, not the bridge.
func (b *Bridge) MarkDisconnected() {
	b.connected.Store(false)
}

// Bars is the control loop's market-data source.
func (b *Bridge) Bars() <-chan market.Bar {
	return b.bars
}

// TradeUpdates is the control loop's order-event source.
func (b *Bridge) TradeUpdates() <-chan market.TradeUpdate {
	return b.updates.Out()
}

// DroppedBars returns how many bars were discarded by backpressure.
func (b *Bridge) DroppedBars() int64 {
	return b.droppedBars.Load()
}

func (b *Bridge) pushBar(bar market.Bar) {
	select {
	case b.bars <- bar:
	default:
		n := b.droppedBars.Add(1)
		log.WithFields(log.Fields{
			"symbol":  bar.Symbol,
			"dropped": n,
		}).Warn(broker.ErrQueueOverflow.Error())
	}
}

func (b *Bridge) pushUpdate(u market.TradeUpdate) {
	b.updates.Push(u)
}

// --- REST dispatch -------------------------------------------------------
//
// Each method hands the blocking call to the worker pool and waits on the
// future. The waiting goroutine is parked on a channel, so sibling
// operations keep running; broker slowness only ever occupies pool workers.

// GetAccount fetches account state via the pool.
func (b *Bridge) GetAccount(ctx context.Context) (broker.Account, error) {
	var acct broker.Account
	call := b.pool.do(func() error {
		var err error
		acct, err = b.rest.GetAccount(ctx)
		return err
	})
	return acct, call.Err()
}

// GetPositions fetches broker positions via the pool.
func (b *Bridge) GetPositions(ctx context.Context) ([]broker.Position, error) {
	var out []broker.Position
	call := b.pool.do(func() error {
		var err error
		out, err = b.rest.GetPositions(ctx)
		return err
	})
	return out, call.Err()
}

// GetOpenOrders fetches broker open orders via the pool.
func (b *Bridge) GetOpenOrders(ctx context.Context) ([]broker.Order, error) {
	var out []broker.Order
	call := b.pool.do(func() error {
		var err error
		out, err = b.rest.GetOpenOrders(ctx)
		return err
	})
	return out, call.Err()
}

// GetOrderByClientID resolves an order by idempotency token via the pool.
func (b *Bridge) GetOrderByClientID(ctx context.Context, clientOrderID string) (broker.Order, error) {
	var out broker.Order
	call := b.pool.do(func() error {
		var err error
		out, err = b.rest.GetOrderByClientID(ctx, clientOrderID)
		return err
	})
	return out, call.Err()
}

// SubmitOrder submits via the pool.
func (b *Bridge) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	var out broker.Order
	call := b.pool.do(func() error {
		var err error
		out, err = b.rest.SubmitOrder(ctx, req)
		return err
	})
	return out, call.Err()
}

// CancelOrder cancels via the pool.
func (b *Bridge) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return b.pool.do(func() error {
		return b.rest.CancelOrder(ctx, brokerOrderID)
	}).Err()
}

// ReplaceOrder replaces via the pool.
func (b *Bridge) ReplaceOrder(ctx context.Context, brokerOrderID string, req broker.OrderRequest) (broker.Order, error) {
	var out broker.Order
	call := b.pool.do(func() error {
		var err error
		out, err = b.rest.ReplaceOrder(ctx, brokerOrderID, req)
		return err
	})
	return out, call.Err()
}

// GetBars fetches historical bars via the pool. A zero start is rejected
// here because some broker APIs answer it with a silent empty result.
func (b *Bridge) GetBars(ctx context.Context, symbol string, start time.Time, limit int) ([]market.Bar, error) {
	if start.IsZero() {
		return nil, &broker.ValidationError{Field: "start", Msg: "explicit start time required"}
	}
	var out []market.Bar
	call := b.pool.do(func() error {
		var err error
		out, err = b.rest.GetBars(ctx, symbol, start, limit)
		return err
	})
	return out, call.Err()
}
