// Package engine is the orchestrating control loop: it consumes bars and
// trade updates from the bridge, routes bars to strategies, gates signals
// through risk, and drives the order manager. The loop itself never makes
// a blocking broker call; everything goes through the bridge.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/rustyeddy/equitrader/bridge"
	"github.com/rustyeddy/equitrader/broker"
	"github.com/rustyeddy/equitrader/config"
	"github.com/rustyeddy/equitrader/events"
	"github.com/rustyeddy/equitrader/journal"
	"github.com/rustyeddy/equitrader/market"
	"github.com/rustyeddy/equitrader/orders"
	"github.com/rustyeddy/equitrader/pkg/id"
	"github.com/rustyeddy/equitrader/portfolio"
	"github.com/rustyeddy/equitrader/reconcile"
	"github.com/rustyeddy/equitrader/risk"
	"github.com/rustyeddy/equitrader/strategy"
)

// route is one symbol bound to its strategy instance.
type route struct {
	strat         strategy.Strategy
	forceCloseEOD bool
}

// Engine ties the core components together for one trading session.
type Engine struct {
	cfg       *config.Config
	bridge    *bridge.Bridge
	manager   *orders.Manager
	positions *portfolio.Store
	breaker   *risk.Breaker
	sizer     *risk.Sizer
	bus       *events.Bus
	jrnl      journal.Journal
	rec       *reconcile.Reconciler

	routes    map[string]route
	lastPrice map[string]decimal.Decimal
	// pendingStops holds strategy stops for orders whose opening fill has
	// not arrived yet; the stop attaches to the position when it does.
	pendingStops map[string]decimal.Decimal

	// ready flips true only after startup reconciliation completes; until
	// then no new signal is accepted.
	ready atomic.Bool
	// entriesHalted flips true when the trade-update stream is lost. Loss
	// of that stream is fatal to new entries until reconnect and
	// reconciliation succeed; loss of market data alone is not.
	entriesHalted atomic.Bool

	loc *time.Location
}

// New wires an engine from configuration and a broker pair. In live mode
// the caller must already have passed the config gate; New refuses
// real-money wiring without the explicit opt-in as a second line of
// defense.
func New(cfg *config.Config, rest broker.Broker, stream broker.Stream, jrnl journal.Journal) (*Engine, error) {
	if cfg.Mode == config.ModeLive && !cfg.Live() {
		return nil, fmt.Errorf("live mode requires explicit confirmation via %s", config.LiveConfirmEnv)
	}

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, err
	}

	disconnectTimeout, err := cfg.DisconnectTimeout()
	if err != nil {
		return nil, err
	}

	bus := events.New()
	positions := portfolio.NewStore()
	policy := risk.Policy{
		RiskPct:          decimal.NewFromFloat(cfg.Risk.RiskPct),
		DailyLossLimit:   decimal.NewFromFloat(cfg.Risk.DailyLossLimit),
		EmergencyStopPct: decimal.NewFromFloat(cfg.Risk.EmergencyStopPct),
	}

	session := time.Now().In(loc).Format("2006-01-02")
	breaker := risk.NewBreaker(policy.DailyLossLimit, session)
	if jrnl != nil {
		if state, ok, err := jrnl.LoadBreaker(session); err != nil {
			return nil, fmt.Errorf("load breaker state: %w", err)
		} else if ok {
			breaker = risk.Restore(state)
			log.WithField("session", session).Info("breaker counters restored")
		}
	}

	br := bridge.New(rest, stream, bridge.Config{
		BarQueueSize:      cfg.Bridge.BarQueueSize,
		Workers:           cfg.Bridge.Workers,
		DisconnectTimeout: disconnectTimeout,
	})

	e := &Engine{
		cfg:       cfg,
		bridge:    br,
		positions: positions,
		breaker:   breaker,
		sizer:     risk.NewSizer(policy),
		bus:       bus,
		jrnl:      jrnl,
		routes:       make(map[string]route),
		lastPrice:    make(map[string]decimal.Decimal),
		pendingStops: make(map[string]decimal.Decimal),
		loc:          loc,
	}

	var rec orders.Recorder
	if jrnl != nil {
		rec = jrnl
	}
	e.manager = orders.NewManager(br, gate{e}, positions, breaker, bus, rec)
	e.rec = reconcile.New(br, e.manager, positions, breaker, jrnl, policy.EmergencyStopPct)

	for _, rc := range cfg.Routes {
		for _, sym := range rc.Symbols {
			strat, err := strategy.New(rc.Strategy, sym, rc.Params)
			if err != nil {
				return nil, err
			}
			// Route config wins; the strategy's own preference is the
			// default when the route leaves force_close_eod unset.
			force := strat.ForceCloseEOD()
			if rc.ForceCloseEOD != nil {
				force = *rc.ForceCloseEOD
			}
			e.routes[sym] = route{strat: strat, forceCloseEOD: force}
		}
	}
	return e, nil
}

// Bus exposes the event bus for subscribers (logging, notifications).
func (e *Engine) Bus() *events.Bus { return e.bus }

// Ready reports whether reconciliation finished and signals are accepted.
func (e *Engine) Ready() bool { return e.ready.Load() }

// gate adapts the breaker to the order manager's Gate. Entry intents pass
// the circuit breaker; closing intents always pass so existing risk can be
// unwound even when tripped or halted.
type gate struct{ e *Engine }

func (g gate) Check(intent orders.Intent) risk.Decision {
	if intent.Closing {
		return g.e.breaker.AllowExit(intent.Symbol)
	}
	d := risk.Decision{Allowed: true}
	if !g.e.ready.Load() {
		d = risk.Decision{}
		d.Violations = append(d.Violations, risk.Violation{Code: "NOT_READY", Msg: "reconciliation incomplete"})
		return d
	}
	if g.e.entriesHalted.Load() {
		d = risk.Decision{}
		d.Violations = append(d.Violations, risk.Violation{Code: "STREAM_DOWN", Msg: "trade-update stream lost"})
		return d
	}
	return g.e.breaker.AllowEntry(intent.Symbol)
}

// Run connects, reconciles, and drives the control loop until ctx is
// canceled. On return the shutdown sequence has completed.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.bridge.Connect(ctx); err != nil {
		return err
	}

	report, err := e.rec.Run(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	log.WithFields(log.Fields{
		"restored":  report.Restored,
		"adopted":   report.Adopted,
		"finalized": report.Finalized,
		"unknown":   report.Unknown,
	}).Info("reconciliation complete, accepting signals")
	e.ready.Store(true)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.shutdown()
		case bar := <-e.bridge.Bars():
			e.onBar(ctx, bar)
		case u := <-e.bridge.TradeUpdates():
			e.onTradeUpdate(u)
		case <-ticker.C:
			e.onTick(ctx)
		}
	}
}

// onBar updates the price cache and routes the bar to its strategy.
// Bars arrive in timestamp order per symbol; duplicates are the vendor's
// contract and strategies must tolerate at-least-once delivery.
func (e *Engine) onBar(ctx context.Context, bar market.Bar) {
	e.lastPrice[bar.Symbol] = bar.Close

	rt, ok := e.routes[bar.Symbol]
	if !ok {
		return
	}
	sig := rt.strat.OnBar(bar)
	if sig == nil {
		return
	}
	if _, err := e.OnSignal(ctx, *sig); err != nil {
		log.WithError(err).WithField("symbol", sig.Symbol).Warn("signal not executed")
	}
}

// onTradeUpdate applies one order event. Updates are applied strictly in
// delivery order; the manager handles dedupe and terminal-state drops.
func (e *Engine) onTradeUpdate(u market.TradeUpdate) {
	e.manager.ApplyTradeUpdate(u)
	if stop, ok := e.pendingStops[u.Symbol]; ok {
		if _, open := e.positions.Get(u.Symbol); open {
			e.positions.SetStop(u.Symbol, stop)
			delete(e.pendingStops, u.Symbol)
		}
	}
	e.persistState(u.Symbol)
}

// onTick handles housekeeping: stream health and end-of-day force close.
func (e *Engine) onTick(ctx context.Context) {
	if !e.bridge.Connected() {
		if !e.entriesHalted.Swap(true) {
			log.Error("stream lost, halting new entries until reconnect and reconcile")
		}
		if err := e.reconnect(ctx); err != nil {
			log.WithError(err).Warn("reconnect failed, will retry")
		}
		return
	}
	if e.isEndOfDay() {
		e.forceCloseEOD(ctx)
	}
}

// reconnect restores the streams and re-runs reconciliation before
// lifting the entry halt.
func (e *Engine) reconnect(ctx context.Context) error {
	if err := e.bridge.Connect(ctx); err != nil {
		return err
	}
	if _, err := e.rec.Run(ctx); err != nil {
		return fmt.Errorf("post-reconnect reconciliation: %w", err)
	}
	e.entriesHalted.Store(false)
	log.Info("stream restored, entries resumed")
	return nil
}

// OnSignal sizes and submits one strategy signal. This is the only entry
// point by which a signal becomes an order.
func (e *Engine) OnSignal(ctx context.Context, sig strategy.Signal) (*orders.Order, error) {
	if sig.CorrelationID == "" {
		sig.CorrelationID = id.New()
	}
	e.bus.Publish(events.Signal{
		Symbol:        sig.Symbol,
		Direction:     string(sig.Direction),
		CorrelationID: sig.CorrelationID,
		Time:          time.Now().UTC(),
	})

	switch sig.Direction {
	case strategy.Exit:
		return e.closePosition(ctx, sig.Symbol, sig.CorrelationID)
	case strategy.Long:
	default:
		return nil, &broker.ValidationError{Field: "direction", Msg: string(sig.Direction)}
	}

	// One open position per symbol: a second entry signal is a no-op.
	if _, open := e.positions.Get(sig.Symbol); open {
		return nil, fmt.Errorf("position already open for %s", sig.Symbol)
	}

	// Breaker and readiness come before sizing: a halted engine must not
	// spend a broker round-trip on an entry it will refuse anyway.
	if d := (gate{e}).Check(orders.Intent{Symbol: sig.Symbol}); !d.Allowed {
		return nil, e.rejectEntry(sig, d)
	}

	entry, ok := e.lastPrice[sig.Symbol]
	if !ok {
		return nil, fmt.Errorf("no market price for %s", sig.Symbol)
	}

	acct, err := e.bridge.GetAccount(ctx)
	if err != nil {
		e.bus.Publish(events.Error{Op: "account", Err: err, Time: time.Now().UTC()})
		return nil, err
	}

	sized := e.sizer.Size(risk.SizeInputs{
		Account:    acct,
		EntryPrice: entry,
		StopPrice:  sig.SuggestedStop,
	})
	if sized.Qty == 0 {
		d := risk.Decision{}
		d.Violations = append(d.Violations, risk.Violation{Code: "SIZE_ZERO", Msg: "sized quantity is zero"})
		return nil, e.rejectEntry(sig, d)
	}

	// Projected worst case: every share stopped out at the suggested stop.
	planned := decimal.NewFromInt(sized.Qty).Mul(sized.StopDistance)
	if d := e.breaker.AllowProjected(sig.Symbol, planned); !d.Allowed {
		return nil, e.rejectEntry(sig, d)
	}

	o, err := e.manager.Submit(ctx, orders.Intent{
		Symbol:        sig.Symbol,
		Side:          broker.Buy,
		Type:          broker.MarketOrder,
		Qty:           sized.Qty,
		CorrelationID: sig.CorrelationID,
	})
	if err != nil {
		return nil, err
	}

	if sig.SuggestedStop.Sign() > 0 {
		e.pendingStops[sig.Symbol] = sig.SuggestedStop
	}
	e.persistState(sig.Symbol)
	return o, nil
}

// closePosition submits a market order flattening the symbol.
// rejectEntry publishes the risk_rejection and wraps the decision.
func (e *Engine) rejectEntry(sig strategy.Signal, d risk.Decision) error {
	e.bus.Publish(events.RiskRejection{
		Symbol:        sig.Symbol,
		CorrelationID: sig.CorrelationID,
		Reason:        d.Reason(),
		Time:          time.Now().UTC(),
	})
	return &risk.RejectedError{Symbol: sig.Symbol, Decision: d}
}

func (e *Engine) closePosition(ctx context.Context, symbol, correlationID string) (*orders.Order, error) {
	pos, ok := e.positions.Get(symbol)
	if !ok || pos.Qty == 0 {
		return nil, nil
	}
	side := broker.Sell
	qty := pos.Qty
	if qty < 0 {
		side = broker.Buy
		qty = -qty
	}
	return e.manager.Submit(ctx, orders.Intent{
		Symbol:        symbol,
		Side:          side,
		Type:          broker.MarketOrder,
		Qty:           qty,
		CorrelationID: correlationID,
		Closing:       true,
	})
}

// isEndOfDay reports whether the clock is inside the force-close window
// before the 16:00 ET close.
func (e *Engine) isEndOfDay() bool {
	now := time.Now().In(e.loc)
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	closeAt := time.Date(now.Year(), now.Month(), now.Day(), 16, 0, 0, 0, e.loc)
	return now.After(closeAt.Add(-5*time.Minute)) && now.Before(closeAt)
}

// forceCloseEOD flattens positions for routes that requested it.
func (e *Engine) forceCloseEOD(ctx context.Context) {
	for _, pos := range e.positions.All() {
		rt, ok := e.routes[pos.Symbol]
		if ok && !rt.forceCloseEOD {
			continue
		}
		if _, err := e.closePosition(ctx, pos.Symbol, "eod-"+id.New()); err != nil {
			log.WithError(err).WithField("symbol", pos.Symbol).Error("eod close failed")
		}
	}
}

// shutdown runs the ordered teardown: stop signals, cancel open orders,
// wait (bounded) for confirmations, force-close positions inside trading
// hours, disconnect, flush state.
func (e *Engine) shutdown() error {
	log.Info("shutdown: draining")
	e.ready.Store(false)

	timeout, err := e.cfg.ShutdownTimeout()
	if err != nil {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, o := range e.manager.OpenOrders() {
		if o.BrokerOrderID == "" {
			continue
		}
		if err := e.manager.Cancel(ctx, o.ID); err != nil {
			log.WithError(err).WithField("order_id", o.ID).Warn("shutdown cancel failed")
		}
	}

	// Wait for cancel/fill confirmations, still applying stream events.
	deadline := time.After(timeout)
drain:
	for len(e.manager.OpenOrders()) > 0 {
		select {
		case u := <-e.bridge.TradeUpdates():
			e.onTradeUpdate(u)
		case <-deadline:
			log.Warn("shutdown: confirmations timed out")
			break drain
		}
	}

	if e.isTradingHours() {
		for _, pos := range e.positions.All() {
			if _, err := e.closePosition(ctx, pos.Symbol, "shutdown-"+id.New()); err != nil {
				log.WithError(err).WithField("symbol", pos.Symbol).Error("shutdown close failed")
			}
		}
	}

	if err := e.bridge.Close(ctx); err != nil {
		log.WithError(err).Warn("bridge close")
	}

	e.flush()
	e.bus.Close()
	log.Info("shutdown complete")
	return nil
}

// isTradingHours reports whether now is inside regular trading hours.
func (e *Engine) isTradingHours() bool {
	now := time.Now().In(e.loc)
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	open := time.Date(now.Year(), now.Month(), now.Day(), 9, 30, 0, 0, e.loc)
	closeAt := time.Date(now.Year(), now.Month(), now.Day(), 16, 0, 0, 0, e.loc)
	return now.After(open) && now.Before(closeAt)
}

// persistState journals positions and breaker counters for the symbol.
func (e *Engine) persistState(symbol string) {
	if e.jrnl == nil {
		return
	}
	if pos, ok := e.positions.Get(symbol); ok {
		if err := e.jrnl.RecordPosition(pos); err != nil {
			log.WithError(err).Warn("journal position failed")
		}
	} else if symbol != "" {
		if err := e.jrnl.ClearPosition(symbol); err != nil {
			log.WithError(err).Warn("journal clear position failed")
		}
	}
	if err := e.jrnl.RecordBreaker(e.breaker.State()); err != nil {
		log.WithError(err).Warn("journal breaker failed")
	}
}

// flush writes final state at shutdown.
func (e *Engine) flush() {
	if e.jrnl == nil {
		return
	}
	for _, pos := range e.positions.All() {
		if err := e.jrnl.RecordPosition(pos); err != nil {
			log.WithError(err).Warn("flush position failed")
		}
	}
	if err := e.jrnl.RecordBreaker(e.breaker.State()); err != nil {
		log.WithError(err).Warn("flush breaker failed")
	}
}
