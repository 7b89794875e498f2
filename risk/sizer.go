package risk

import (
	"github.com/shopspring/decimal"

	"github.com/rustyeddy/equitrader/broker"
)

// SizeInputs are the parameters for position sizing.
type SizeInputs struct {
	Account      broker.Account
	EntryPrice   decimal.Decimal
	StopPrice    decimal.Decimal
	RiskPct      decimal.Decimal // overrides Policy.RiskPct when non-zero
}

// SizeResult reports the computed quantity and the numbers behind it.
type SizeResult struct {
	Qty          int64
	StopDistance decimal.Decimal
	RiskAmount   decimal.Decimal
}

// Sizer converts a signal's stop distance into a whole-share quantity.
type Sizer struct {
	policy Policy
}

// NewSizer creates a sizer with the given policy.
func NewSizer(policy Policy) *Sizer {
	return &Sizer{policy: policy}
}

// Size computes shares = floor(equity * riskPct / stopDistance). Qty 0
// means no trade: a size that rounds to zero, or whose notional exceeds
// buying power, is declined outright, never shrunk into a smaller order.
func (s *Sizer) Size(in SizeInputs) SizeResult {
	riskPct := in.RiskPct
	if riskPct.IsZero() {
		riskPct = s.policy.RiskPct
	}

	stopDistance := in.EntryPrice.Sub(in.StopPrice).Abs()
	res := SizeResult{StopDistance: stopDistance}
	if stopDistance.IsZero() || in.EntryPrice.Sign() <= 0 {
		return res
	}

	res.RiskAmount = in.Account.Equity.Mul(riskPct)
	qty := res.RiskAmount.Div(stopDistance).Floor()

	// Buying power cannot cover the risk-based quantity: no trade.
	affordable := in.Account.BuyingPower.Div(in.EntryPrice).Floor()
	if qty.GreaterThan(affordable) {
		return res
	}

	if qty.Sign() <= 0 {
		return res
	}
	res.Qty = qty.IntPart()
	return res
}
