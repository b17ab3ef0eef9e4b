// Package errs defines the typed error kinds used throughout the engine, §7.
// These are kinds, not sentinel values: callers use errors.As to recover the
// concrete type and branch on its fields, the way the teacher wraps every
// REST failure with fmt.Errorf("...: %w", err) but one level more specific.
package errs

import "fmt"

// TransientExchangeError is a timeout, 5xx, or rate-limit hint. Retried with
// backoff up to 3 times per call.
type TransientExchangeError struct {
	Op  string
	Err error
}

func (e *TransientExchangeError) Error() string {
	return fmt.Sprintf("transient exchange error during %s: %v", e.Op, e.Err)
}

func (e *TransientExchangeError) Unwrap() error { return e.Err }

// PermanentExchangeError is a signed-request failure, malformed parameter,
// or unknown symbol. Not retried.
type PermanentExchangeError struct {
	Op      string
	Code    int
	Message string
}

func (e *PermanentExchangeError) Error() string {
	return fmt.Sprintf("permanent exchange error during %s: code=%d %s", e.Op, e.Code, e.Message)
}

// AuthFailure is an invalid-credentials response. Fatal for the affected
// (user, account) ExchangeClient.
type AuthFailure struct {
	Code    int
	Message string
}

func (e *AuthFailure) Error() string {
	return fmt.Sprintf("auth failure: code=%d %s", e.Code, e.Message)
}

// OrderAlreadyGone means a cancel targeted an order the exchange no longer
// has. Classified as success, never returned as an error by callers that
// check for it — kept as a type so CancelOrder can recognize and swallow it.
type OrderAlreadyGone struct {
	OrderID string
}

func (e *OrderAlreadyGone) Error() string {
	return fmt.Sprintf("order already gone: %s", e.OrderID)
}

// NotModified means a leverage or trading-stop request matched the current
// value. Classified as success by the caller.
type NotModified struct {
	Op string
}

func (e *NotModified) Error() string {
	return fmt.Sprintf("not modified: %s", e.Op)
}

// StoreIntegrityViolation is a double-OPEN or duplicate client_order_id.
// The originating strategy must transition to a defensive no-new-entries
// state on seeing this.
type StoreIntegrityViolation struct {
	UserID          int64
	Symbol          string
	AccountPriority int
	Detail          string
}

func (e *StoreIntegrityViolation) Error() string {
	return fmt.Sprintf("store integrity violation user=%d symbol=%s account=%d: %s",
		e.UserID, e.Symbol, e.AccountPriority, e.Detail)
}

// Exchange-specific retCodes treated specially per §4.1/§6.1.
const (
	CodeOrderNotExists      = 110001
	CodeLeverageNotModified = 110043
	CodeTradingStopNotMod   = 34040
	CodeAPIKeyInvalid       = 10003
	CodeSignatureInvalid    = 10004
)

// IsAuthCode reports whether retCode is one of the fatal authentication codes.
func IsAuthCode(code int) bool {
	return code == CodeAPIKeyInvalid || code == CodeSignatureInvalid
}
