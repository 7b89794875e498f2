// Package reconcile resolves divergence between last-persisted local state
// and actual broker state before trading resumes. Local state is a cache;
// the broker is the source of record, and every conflict resolves in the
// broker's favor.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/rustyeddy/equitrader/broker"
	"github.com/rustyeddy/equitrader/journal"
	"github.com/rustyeddy/equitrader/orders"
	"github.com/rustyeddy/equitrader/portfolio"
	"github.com/rustyeddy/equitrader/risk"
)

// BrokerView is the read surface the reconciler needs. The bridge
// implements it.
type BrokerView interface {
	GetOpenOrders(ctx context.Context) ([]broker.Order, error)
	GetPositions(ctx context.Context) ([]broker.Position, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (broker.Order, error)
}

// Report summarizes what one reconciliation pass changed.
type Report struct {
	Restored             int // local orders loaded from the journal
	Adopted              int // broker orders with no local record
	Finalized            int // local orders resolved to a terminal state
	Unknown              int // orders left in RECONCILIATION_UNKNOWN
	PositionsOverwritten int // positions corrected from broker truth
	EmergencyStops       int // positions given the fallback stop
}

// Reconciler runs once at process start, before any new order is accepted.
type Reconciler struct {
	view      BrokerView
	manager   *orders.Manager
	positions *portfolio.Store
	breaker   *risk.Breaker
	jrnl      journal.Journal

	// emergencyStopPct is the conservative protective-stop distance applied
	// when a recovered position's strategy stop cannot be derived from
	// broker data. A documented approximation, not an error.
	emergencyStopPct decimal.Decimal
}

// New wires a reconciler. jrnl may be nil when running against a fresh
// journal-less setup (tests).
func New(view BrokerView, manager *orders.Manager, positions *portfolio.Store, breaker *risk.Breaker, jrnl journal.Journal, emergencyStopPct decimal.Decimal) *Reconciler {
	return &Reconciler{
		view:             view,
		manager:          manager,
		positions:        positions,
		breaker:          breaker,
		jrnl:             jrnl,
		emergencyStopPct: emergencyStopPct,
	}
}

// Run executes the full reconciliation pass. Only after it returns without
// error may the engine mark itself ready to accept new signals. Running it
// twice with no intervening broker changes produces no further mutation.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var rep Report

	if r.jrnl != nil {
		persisted, err := r.jrnl.LoadOpenOrders()
		if err != nil {
			return rep, fmt.Errorf("load persisted orders: %w", err)
		}
		for _, o := range persisted {
			if _, ok := r.manager.Get(o.ID); !ok {
				r.manager.Restore(o)
				rep.Restored++
			}
		}
		positions, err := r.jrnl.LoadPositions()
		if err != nil {
			return rep, fmt.Errorf("load persisted positions: %w", err)
		}
		for _, p := range positions {
			if _, ok := r.positions.Get(p.Symbol); !ok {
				r.positions.Overwrite(p)
			}
		}
	}

	brokerOrders, err := r.view.GetOpenOrders(ctx)
	if err != nil {
		return rep, fmt.Errorf("fetch broker open orders: %w", err)
	}
	brokerPositions, err := r.view.GetPositions(ctx)
	if err != nil {
		return rep, fmt.Errorf("fetch broker positions: %w", err)
	}

	rep = r.reconcileOrders(ctx, rep, brokerOrders)
	rep = r.reconcilePositions(rep, brokerPositions)
	return rep, nil
}

// reconcileOrders adopts unknown broker orders and resolves local orders
// the broker no longer lists as open.
func (r *Reconciler) reconcileOrders(ctx context.Context, rep Report, brokerOrders []broker.Order) Report {
	open := make(map[string]broker.Order, len(brokerOrders))
	for _, bo := range brokerOrders {
		open[bo.BrokerOrderID] = bo
	}

	// Orders already marked RECONCILIATION_UNKNOWN, e.g. restored from the
	// journal after a restart, are snapshotted before steps 1-2 so the
	// unknowns those steps produce are not immediately re-queried.
	unresolved := r.manager.UnresolvedOrders()

	// Step 1: broker-side open orders with no local record are adopted at
	// their reported state, e.g. placed through another channel or
	// surviving a crash.
	known := make(map[string]bool)
	for _, o := range r.manager.OpenOrders() {
		known[o.BrokerOrderID] = true
	}
	for _, bo := range brokerOrders {
		if !known[bo.BrokerOrderID] {
			r.manager.Adopt(bo)
			rep.Adopted++
		}
	}

	// Step 2: local non-terminal orders absent from the broker's open list
	// reached a terminal state while we were down. Query each explicitly.
	for _, o := range r.manager.OpenOrders() {
		if o.BrokerOrderID != "" && openContains(open, o.BrokerOrderID) {
			continue
		}

		resolved, err := r.view.GetOrderByClientID(ctx, o.IdempotencyToken)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"order_id": o.ID,
				"symbol":   o.Symbol,
			}).Warn("order state unknown, pausing symbol pending investigation")
			_ = r.manager.Finalize(o.ID, orders.StateReconcileUnknown)
			r.breaker.PauseSymbol(o.Symbol, "reconciliation unknown: order "+o.ID)
			rep.Unknown++
			continue
		}

		switch orders.StateFromBrokerStatus(resolved.Status) {
		case orders.StateFilled, orders.StatePartiallyFilled:
			missing := resolved.FilledQty - o.FilledQty
			if missing > 0 {
				_ = r.manager.ApplyReconciledFill(o.ID, missing, resolved.AvgFillPrice)
			}
			if orders.StateFromBrokerStatus(resolved.Status) == orders.StateFilled {
				_ = r.manager.Finalize(o.ID, orders.StateFilled)
			}
			rep.Finalized++
		case orders.StateCanceled:
			_ = r.manager.Finalize(o.ID, orders.StateCanceled)
			rep.Finalized++
		case orders.StateRejected:
			_ = r.manager.Finalize(o.ID, orders.StateRejected)
			rep.Finalized++
		case orders.StateReplaced:
			_ = r.manager.Finalize(o.ID, orders.StateReplaced)
			rep.Finalized++
		default:
			_ = r.manager.Finalize(o.ID, orders.StateReconcileUnknown)
			r.breaker.PauseSymbol(o.Symbol, "reconciliation unknown: order "+o.ID)
			rep.Unknown++
		}
	}

	// Step 3: give every pre-existing unknown another chance to resolve.
	// An unknown that stays unknown keeps its symbol paused; the pause
	// itself is in-memory state and must be re-derived after a restart.
	for _, o := range unresolved {
		resolved, err := r.view.GetOrderByClientID(ctx, o.IdempotencyToken)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"order_id": o.ID,
				"symbol":   o.Symbol,
			}).Warn("order still unresolved, symbol stays paused")
			r.breaker.PauseSymbol(o.Symbol, "reconciliation unknown: order "+o.ID)
			rep.Unknown++
			continue
		}
		state := orders.StateFromBrokerStatus(resolved.Status)
		if state == orders.StateReconcileUnknown {
			r.breaker.PauseSymbol(o.Symbol, "reconciliation unknown: order "+o.ID)
			rep.Unknown++
			continue
		}

		if missing := resolved.FilledQty - o.FilledQty; missing > 0 {
			_ = r.manager.ApplyReconciledFill(o.ID, missing, resolved.AvgFillPrice)
		}
		_ = r.manager.Finalize(o.ID, state)
		r.breaker.ResumeSymbol(o.Symbol)
		rep.Finalized++
		log.WithFields(log.Fields{
			"order_id": o.ID,
			"symbol":   o.Symbol,
			"state":    state,
		}).Info("previously unresolved order settled from broker truth")
	}
	return rep
}

// reconcilePositions overwrites local positions that diverge from broker
// truth and backfills a conservative emergency stop where the strategy
// stop was lost with the crash.
func (r *Reconciler) reconcilePositions(rep Report, brokerPositions []broker.Position) Report {
	seen := make(map[string]bool, len(brokerPositions))
	for _, bp := range brokerPositions {
		seen[bp.Symbol] = true

		local, ok := r.positions.Get(bp.Symbol)
		if ok && local.Qty == bp.Qty {
			continue
		}

		log.WithFields(log.Fields{
			"symbol":     bp.Symbol,
			"local_qty":  local.Qty,
			"broker_qty": bp.Qty,
		}).Warn("position divergence, overwriting from broker truth")

		p := portfolio.Position{
			Symbol:        bp.Symbol,
			Qty:           bp.Qty,
			AvgEntryPrice: bp.AvgEntryPrice,
			OpenedAt:      time.Now().UTC(),
		}
		if ok && local.HasStop {
			p.StopPrice = local.StopPrice
			p.HasStop = true
		}
		r.positions.Overwrite(p)
		r.recordPosition(p)
		rep.PositionsOverwritten++
	}

	// Local positions the broker does not hold are stale.
	for _, local := range r.positions.All() {
		if !seen[local.Symbol] {
			log.WithField("symbol", local.Symbol).Warn("stale local position, broker is flat, clearing")
			r.positions.Overwrite(portfolio.Position{Symbol: local.Symbol})
			if r.jrnl != nil {
				if err := r.jrnl.ClearPosition(local.Symbol); err != nil {
					log.WithError(err).Warn("clear position failed")
				}
			}
			rep.PositionsOverwritten++
		}
	}

	// Resume with no protective stop is not an option: apply the
	// emergency-stop fallback where none survived.
	for _, p := range r.positions.All() {
		if p.HasStop || r.emergencyStopPct.Sign() <= 0 {
			continue
		}
		offset := p.AvgEntryPrice.Mul(r.emergencyStopPct)
		stop := p.AvgEntryPrice.Sub(offset)
		if p.Qty < 0 {
			stop = p.AvgEntryPrice.Add(offset)
		}
		r.positions.SetStop(p.Symbol, stop)
		p.StopPrice = stop
		p.HasStop = true
		r.recordPosition(p)
		log.WithFields(log.Fields{
			"symbol": p.Symbol,
			"stop":   stop,
		}).Warn("emergency stop applied to recovered position")
		rep.EmergencyStops++
	}
	return rep
}

func (r *Reconciler) recordPosition(p portfolio.Position) {
	if r.jrnl == nil {
		return
	}
	if err := r.jrnl.RecordPosition(p); err != nil {
		log.WithError(err).WithField("symbol", p.Symbol).Warn("journal position failed")
	}
}

func openContains(open map[string]broker.Order, brokerOrderID string) bool {
	_, ok := open[brokerOrderID]
	return ok
}
