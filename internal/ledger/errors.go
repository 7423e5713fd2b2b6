package ledger

import "errors"

// Precondition failures. Each operation reports exactly one of these, wrapped
// with context; classify with errors.Is.
var (
	ErrInvalidPrice   = errors.New("invalid price")
	ErrInvalidPayment = errors.New("invalid payment")
	ErrNotFound       = errors.New("item not found")
	ErrAlreadySold    = errors.New("item is not an active listing")
	ErrUnauthorized   = errors.New("caller lacks the required role")
	ErrForbidden      = errors.New("caller is not the administrator")
)

// Store and setup failures. These indicate a broken ledger rather than a
// rejected operation.
var (
	ErrNotInitialized      = errors.New("ledger settings not initialised")
	ErrAlreadyInitialized  = errors.New("ledger settings already initialised")
	ErrInvalidSettings     = errors.New("invalid ledger settings")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrCounterRange        = errors.New("counter out of range")
	ErrReadOnly            = errors.New("write in read-only transaction")
	ErrUnknownOperation    = errors.New("unknown operation")
)

// IsRejection reports whether err is a precondition failure of an operation,
// as opposed to a store or setup fault.
func IsRejection(err error) bool {
	for _, target := range []error{ErrInvalidPrice, ErrInvalidPayment, ErrNotFound, ErrAlreadySold, ErrUnauthorized, ErrForbidden} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Reason returns a short stable label for err, used for metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, ErrInvalidPayment):
		return "invalid_payment"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadySold):
		return "already_sold"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "internal"
	}
}
