// Package strategy defines the boundary to the signal-generating
// collaborators. The engine consumes Signals; how they are computed
// (candle aggregation, indicators) lives outside this core.
package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/equitrader/market"
)

// Direction of a signal.
type Direction string

const (
	Long Direction = "long"
	Exit Direction = "exit"
)

// Signal is a strategy decision handed to the engine.
type Signal struct {
	Symbol        string
	Direction     Direction
	SuggestedStop decimal.Decimal
	CorrelationID string
	Time          time.Time
}

// Strategy consumes bars for one symbol and emits signals. One symbol maps
// to exactly one active strategy instance.
type Strategy interface {
	Name() string
	// OnBar returns nil when the bar produces no decision.
	OnBar(bar market.Bar) *Signal
	// ForceCloseEOD reports whether open positions should be flattened at
	// end of day.
	ForceCloseEOD() bool
}

// Factory builds a strategy instance for one symbol.
type Factory func(symbol string, params map[string]any) (Strategy, error)

var registry = make(map[string]Factory)

// Register makes a strategy constructable by name from route config.
func Register(name string, f Factory) {
	registry[strings.ToLower(name)] = f
}

// New builds a registered strategy.
func New(name, symbol string, params map[string]any) (Strategy, error) {
	f, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return f(symbol, params)
}

func init() {
	Register("noop", func(symbol string, _ map[string]any) (Strategy, error) {
		return noop{}, nil
	})
}

// noop never signals; useful for wiring tests and dry runs.
type noop struct{}

func (noop) Name() string                { return "noop" }
func (noop) OnBar(market.Bar) *Signal    { return nil }
func (noop) ForceCloseEOD() bool         { return true }
