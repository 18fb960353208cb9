package core

import "errors"

var (
	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateOrder indicates the client order id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderNotFound indicates the order does not exist on exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the order was rejected by exchange.
	ErrOrderRejected = errors.New("order rejected")
	// ErrOrderExpired indicates the order has expired on exchange.
	ErrOrderExpired = errors.New("order expired")
	// ErrInvalidSymbol indicates the venue does not list the symbol.
	ErrInvalidSymbol = errors.New("invalid symbol")
	// ErrInvalidRequest indicates a malformed request the venue will never accept.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrRateLimited indicates the venue throttled the request.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnknownExchange indicates no adapter is registered under the name.
	ErrUnknownExchange = errors.New("unknown exchange")
)

// ErrorKind groups failures by how the execution layer reacts to them.
type ErrorKind string

const (
	KindTransient   ErrorKind = "transient"
	KindStructural  ErrorKind = "structural"
	KindPersistence ErrorKind = "persistence"
	KindReconcile   ErrorKind = "reconcile"
	KindTimeout     ErrorKind = "timeout"
	KindInternal    ErrorKind = "internal"
)

// Classify maps an exchange error onto the retry taxonomy. Everything not
// known to be structural is retryable.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidSymbol),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrUnknownExchange),
		errors.Is(err, ErrInvalidOrder):
		return KindStructural
	default:
		return KindTransient
	}
}

func IsStructural(err error) bool {
	return Classify(err) == KindStructural
}
