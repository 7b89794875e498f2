package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is a single OHLCV candle for one symbol, normally one minute wide.
// Prices are exact decimals; equities tick in cents and binary floats
// accumulate rounding error across a session.
type Bar struct {
	Symbol string
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}
