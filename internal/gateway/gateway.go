// Package gateway is the only point of contact with the external payment
// gateway. Callers depend on the Gateway interface; the Stripe adapter and the
// retrying decorator both implement it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCommandFailed wraps every failed outbound command.
	ErrCommandFailed = errors.New("gateway command failed")
	// ErrTransient marks failures worth retrying (timeouts, 5xx, rate limits).
	ErrTransient = errors.New("transient gateway failure")
	// ErrPermanent marks failures that will not succeed on retry.
	ErrPermanent = errors.New("permanent gateway failure")
)

type Gateway interface {
	RetrieveSubscription(ctx context.Context, ref string) (*SubscriptionSnapshot, error)
	IssueRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	IssuePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
	CreateLoginLink(ctx context.Context, accountRef string) (string, error)
}

type SubscriptionSnapshot struct {
	Ref                string
	Status             string
	CancelAtPeriodEnd  bool
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	UnitAmountCents    int64
	Interval           string
	Metadata           map[string]string
}

type RefundRequest struct {
	PaymentRef     string
	AmountCents    int64
	IdempotencyKey string
}

type RefundResult struct {
	Ref    string
	Status string
}

type PayoutRequest struct {
	AccountRef     string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

type PayoutResult struct {
	Ref string
	// Settled is true when the gateway reports the funds as already moved.
	Settled bool
}

// CommandError carries the command name and classification of a failure.
type CommandError struct {
	Command string
	Kind    error
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Command, e.Kind, e.Err)
}

func (e *CommandError) Unwrap() []error {
	return []error{ErrCommandFailed, e.Kind, e.Err}
}

func Transient(command string, err error) error {
	return &CommandError{Command: command, Kind: ErrTransient, Err: err}
}

func Permanent(command string, err error) error {
	return &CommandError{Command: command, Kind: ErrPermanent, Err: err}
}

// IsPermanent reports whether err should stop retries.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Reason renders err as a short string suitable for a failure_reason column
// or a human-facing response.
func Reason(err error) string {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Err.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
