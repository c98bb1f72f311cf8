package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingMetadata marks events whose payload lacks the fields needed to
	// act. It is a data-quality warning: the event is acknowledged.
	ErrMissingMetadata = errors.New("missing event metadata")
	// ErrInvariantViolation marks a money split that does not reconcile.
	// Nothing is written when it is returned.
	ErrInvariantViolation = errors.New("ledger invariant violation")

	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrNotRefundable        = errors.New("transaction is not refundable")
	ErrAlreadyRefunded      = errors.New("transaction already refunded")
	// ErrConcurrentUpdate marks a write that lost a race with another
	// delivery. Retrying the event resolves it.
	ErrConcurrentUpdate = errors.New("concurrent subscription update")
)

func invariantf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

func missingf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMissingMetadata, fmt.Sprintf(format, args...))
}
