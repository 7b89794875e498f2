// Package journal persists the state the startup reconciler needs to
// resume safely after a crash: order records with lifecycle history,
// position snapshots, and the circuit breaker's daily counters.
package journal

import (
	"github.com/rustyeddy/equitrader/orders"
	"github.com/rustyeddy/equitrader/portfolio"
	"github.com/rustyeddy/equitrader/risk"
)

// Journal is the persistence surface used by the engine and reconciler.
type Journal interface {
	RecordOrder(orders.Order) error
	RecordPosition(portfolio.Position) error
	ClearPosition(symbol string) error
	RecordBreaker(risk.BreakerState) error

	LoadOpenOrders() ([]orders.Order, error)
	LoadPositions() ([]portfolio.Position, error)
	LoadBreaker(sessionDate string) (risk.BreakerState, bool, error)

	Close() error
}
