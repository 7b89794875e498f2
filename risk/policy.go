package risk

import "github.com/shopspring/decimal"

// Policy holds the static risk limits for one account.
type Policy struct {
	// RiskPct is the fraction of equity risked per trade. 0.01 risks 1% of
	// equity between entry and stop.
	RiskPct decimal.Decimal

	// DailyLossLimit is the maximum realized loss per session, in account
	// currency, before the circuit breaker trips.
	DailyLossLimit decimal.Decimal

	// EmergencyStopPct is the fallback protective-stop distance, as a
	// fraction of entry price, used when a recovered position has no
	// strategy-assigned stop.
	EmergencyStopPct decimal.Decimal
}

// DefaultPolicy returns conservative limits: 1% risk per trade, $1,000
// daily loss limit, 5% emergency stop.
func DefaultPolicy() Policy {
	return Policy{
		RiskPct:          decimal.NewFromFloat(0.01),
		DailyLossLimit:   decimal.NewFromInt(1000),
		EmergencyStopPct: decimal.NewFromFloat(0.05),
	}
}

// Violation is one reason a risk decision failed.
type Violation struct {
	Code string
	Msg  string
}

// Decision is the outcome of a risk check.
type Decision struct {
	Allowed    bool
	Violations []Violation
}

func (d *Decision) add(code, msg string) {
	d.Violations = append(d.Violations, Violation{Code: code, Msg: msg})
	d.Allowed = false
}

// Reason flattens the violations into a single loggable string.
func (d Decision) Reason() string {
	if len(d.Violations) == 0 {
		return ""
	}
	out := d.Violations[0].Code
	for _, v := range d.Violations[1:] {
		out += "," + v.Code
	}
	return out
}

// RejectedError is returned when the gate declines an intent. The denial is
// also published as a risk_rejection event.
type RejectedError struct {
	Symbol   string
	Decision Decision
}

func (e *RejectedError) Error() string {
	return "risk rejected " + e.Symbol + ": " + e.Decision.Reason()
}
