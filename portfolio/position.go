package portfolio

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/equitrader/broker"
)

// Position is the current holding for one symbol. Quantity is signed; zero
// means flat. At most one open position per symbol.
type Position struct {
	Symbol        string
	Qty           int64
	AvgEntryPrice decimal.Decimal
	StopPrice     decimal.Decimal
	HasStop       bool
	OpenedAt      time.Time
}

// Store tracks positions per symbol. Fills from the order manager are the
// only normal mutation path; the startup reconciler may overwrite entries
// wholesale from broker truth.
type Store struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

// NewStore creates an empty position store.
func NewStore() *Store {
	return &Store{positions: make(map[string]*Position)}
}

// Get returns a copy of the position for symbol, or ok=false when flat.
func (s *Store) Get(symbol string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// All returns a snapshot of every open position.
func (s *Store) All() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	return out
}

// ApplyFill updates the position for a fill. Buys increase quantity, sells
// decrease it. The average entry price is re-weighted when the position
// grows and realized P/L is returned when it shrinks.
func (s *Store) ApplyFill(symbol string, side broker.Side, qty int64, price decimal.Decimal, at time.Time) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	signed := qty
	if side == broker.Sell {
		signed = -qty
	}

	p, ok := s.positions[symbol]
	if !ok {
		s.positions[symbol] = &Position{
			Symbol:        symbol,
			Qty:           signed,
			AvgEntryPrice: price,
			OpenedAt:      at,
		}
		return decimal.Zero
	}

	var realized decimal.Decimal
	sameDirection := (p.Qty >= 0) == (signed >= 0)
	if sameDirection {
		// Growing the position: size-weighted average entry.
		oldNotional := p.AvgEntryPrice.Mul(decimal.NewFromInt(abs(p.Qty)))
		newNotional := price.Mul(decimal.NewFromInt(abs(signed)))
		total := abs(p.Qty) + abs(signed)
		p.AvgEntryPrice = oldNotional.Add(newNotional).Div(decimal.NewFromInt(total))
	} else {
		// Reducing: realized P/L on the closed lot.
		closed := min64(abs(p.Qty), abs(signed))
		diff := price.Sub(p.AvgEntryPrice)
		if p.Qty < 0 {
			diff = diff.Neg()
		}
		realized = diff.Mul(decimal.NewFromInt(closed))
	}

	p.Qty += signed
	if p.Qty == 0 {
		delete(s.positions, symbol)
	}
	return realized
}

// SetStop records the protective stop for an open position.
func (s *Store) SetStop(symbol string, stop decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[symbol]; ok {
		p.StopPrice = stop
		p.HasStop = true
	}
}

// Overwrite replaces the position for symbol with broker-reported truth.
// Used only by the startup reconciler; local state is a cache and every
// conflict resolves in the broker's favor.
func (s *Store) Overwrite(p Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Qty == 0 {
		delete(s.positions, p.Symbol)
		return
	}
	cp := p
	s.positions[p.Symbol] = &cp
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
