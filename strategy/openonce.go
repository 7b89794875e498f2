package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/equitrader/market"
)

// openOnce emits a single long signal on the first bar it sees, with a
// stop a fixed percentage below the close. After that it stays quiet.
// Meant as a wiring test against the paper or sim broker.
type openOnce struct {
	symbol  string
	stopPct decimal.Decimal
	fired   bool
}

func (s *openOnce) Name() string        { return "openonce" }
func (s *openOnce) ForceCloseEOD() bool { return true }

func (s *openOnce) OnBar(bar market.Bar) *Signal {
	if s.fired || bar.Symbol != s.symbol {
		return nil
	}
	s.fired = true
	stop := bar.Close.Sub(bar.Close.Mul(s.stopPct))
	return &Signal{
		Symbol:        s.symbol,
		Direction:     Long,
		SuggestedStop: stop,
		Time:          bar.Time,
	}
}

func init() {
	Register("openonce", func(symbol string, params map[string]any) (Strategy, error) {
		stopPct := decimal.NewFromFloat(0.02)
		if v, ok := params["stop_pct"]; ok {
			f, ok := v.(float64)
			if !ok || f <= 0 || f >= 1 {
				return nil, fmt.Errorf("openonce: stop_pct must be in (0, 1)")
			}
			stopPct = decimal.NewFromFloat(f)
		}
		return &openOnce{symbol: symbol, stopPct: stopPct}, nil
	})
}
