package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Trip reasons.
const (
	ReasonDailyLoss    = "DAILY_LOSS_LIMIT"
	ReasonManualPause  = "MANUAL_PAUSE"
	ReasonSymbolPaused = "SYMBOL_PAUSED"
)

// BreakerState is the persisted snapshot of the circuit breaker.
type BreakerState struct {
	Tripped           bool
	Reason            string
	DailyRealizedLoss decimal.Decimal
	DailyLossLimit    decimal.Decimal
	TrippedAt         time.Time
	SessionDate       string // YYYY-MM-DD of the counters' trading day
}

// Breaker halts new entry orders once the daily realized loss limit is
// breached or an operator pauses trading. Exit orders that reduce existing
// exposure always pass, so tripped state can still be unwound.
//
// Once tripped it stays tripped until an explicit reset: a new trading
// session or operator action, never mid-session on its own.
type Breaker struct {
	mu            sync.Mutex
	state         BreakerState
	pausedSymbols map[string]string // symbol -> reason
}

// NewBreaker creates an armed breaker for the given session date.
func NewBreaker(limit decimal.Decimal, sessionDate string) *Breaker {
	return &Breaker{
		state: BreakerState{
			DailyLossLimit: limit,
			SessionDate:    sessionDate,
		},
		pausedSymbols: make(map[string]string),
	}
}

// Restore rebuilds a breaker from a persisted snapshot.
func Restore(state BreakerState) *Breaker {
	return &Breaker{state: state, pausedSymbols: make(map[string]string)}
}

// AllowEntry decides whether a new entry order for symbol may proceed.
func (b *Breaker) AllowEntry(symbol string) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := Decision{Allowed: true}
	if b.state.Tripped {
		d.add(b.state.Reason, "circuit breaker tripped")
		return d
	}
	if reason, ok := b.pausedSymbols[symbol]; ok {
		d.add(ReasonSymbolPaused, "symbol paused: "+reason)
		return d
	}
	if b.state.DailyLossLimit.Sign() > 0 &&
		b.state.DailyRealizedLoss.GreaterThanOrEqual(b.state.DailyLossLimit) {
		d.add(ReasonDailyLoss, "daily realized loss at limit")
		return d
	}
	return d
}

// AllowExit decides whether an order reducing or closing exposure may
// proceed. Always allowed: risk already on the book must stay closeable.
func (b *Breaker) AllowExit(string) Decision {
	return Decision{Allowed: true}
}

// AllowProjected decides whether taking on plannedRisk of fresh exposure
// keeps the session inside the daily loss limit. plannedRisk is the worst
// case for the intent, qty times stop distance; landing exactly at the
// limit is allowed, crossing it is not.
func (b *Breaker) AllowProjected(symbol string, plannedRisk decimal.Decimal) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := Decision{Allowed: true}
	if b.state.DailyLossLimit.Sign() > 0 &&
		b.state.DailyRealizedLoss.Add(plannedRisk).GreaterThan(b.state.DailyLossLimit) {
		d.add(ReasonDailyLoss, "planned risk would breach daily loss limit")
	}
	return d
}

// RecordRealizedPnL accumulates realized profit/loss for the session.
// Losses are recorded as positive amounts in DailyRealizedLoss; the breaker
// trips the moment the limit is reached.
func (b *Breaker) RecordRealizedPnL(pnl decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pnl.Sign() < 0 {
		b.state.DailyRealizedLoss = b.state.DailyRealizedLoss.Add(pnl.Neg())
	} else {
		b.state.DailyRealizedLoss = b.state.DailyRealizedLoss.Sub(pnl)
		if b.state.DailyRealizedLoss.Sign() < 0 {
			b.state.DailyRealizedLoss = decimal.Zero
		}
	}

	if !b.state.Tripped && b.state.DailyLossLimit.Sign() > 0 &&
		b.state.DailyRealizedLoss.GreaterThanOrEqual(b.state.DailyLossLimit) {
		b.trip(ReasonDailyLoss)
	}
}

// Trip halts new entries with the given reason.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip(reason)
}

func (b *Breaker) trip(reason string) {
	if b.state.Tripped {
		return
	}
	b.state.Tripped = true
	b.state.Reason = reason
	b.state.TrippedAt = time.Now().UTC()
	log.WithFields(log.Fields{
		"reason": reason,
		"loss":   b.state.DailyRealizedLoss,
		"limit":  b.state.DailyLossLimit,
	}).Warn("circuit breaker tripped")
}

// PauseSymbol holds one symbol out of new entries, e.g. after the startup
// reconciler could not determine an order's true terminal state.
func (b *Breaker) PauseSymbol(symbol, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pausedSymbols[symbol] = reason
	log.WithFields(log.Fields{"symbol": symbol, "reason": reason}).Warn("symbol paused")
}

// ResumeSymbol lifts a per-symbol pause after operator investigation.
func (b *Breaker) ResumeSymbol(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pausedSymbols, symbol)
}

// Reset re-arms the breaker for a new trading session, clearing the daily
// counters. Explicit operator action mid-session goes through here too.
func (b *Breaker) Reset(sessionDate string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerState{
		DailyLossLimit: b.state.DailyLossLimit,
		SessionDate:    sessionDate,
	}
}

// State returns a copy of the breaker state for persistence.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
