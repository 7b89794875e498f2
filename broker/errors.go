package broker

import (
	"errors"
	"fmt"
)

// ErrConnection is returned when a streaming or REST handshake fails.
// The bridge never retries it; reconnect-with-backoff belongs to the
// orchestrator.
var ErrConnection = errors.New("broker: connection failed")

// ErrQueueOverflow reports a dropped market-data bar. Non-fatal: buffered
// bars are preserved and only the newest arrival is discarded.
var ErrQueueOverflow = errors.New("broker: bar queue full, newest bar dropped")

// RejectedError is a broker-side decline of an order request, e.g.
// insufficient buying power or invalid parameters. Never retried
// automatically.
type RejectedError struct {
	ClientOrderID string
	Reason        string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("broker rejected order %s: %s", e.ClientOrderID, e.Reason)
}

// ValidationError is a malformed intent caught before any broker call.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order intent: %s: %s", e.Field, e.Msg)
}

// IsRejected reports whether err is a broker rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// IsValidation reports whether err is a local validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
