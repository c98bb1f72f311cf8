package gateway

import (
	"context"
	"errors"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"inkwell/internal/logger"
	"inkwell/internal/metrics"
)

// Retrying wraps a Gateway and retries transient failures with exponential
// backoff. Each attempt runs under its own timeout.
type Retrying struct {
	delegate     Gateway
	timeout      time.Duration
	buildBackoff func() backoff.BackOff
}

// NewRetrying creates the decorator. A nil factory uses exponential backoff
// bounded by maxElapsed.
func NewRetrying(delegate Gateway, timeout, maxElapsed time.Duration, factory func() backoff.BackOff) *Retrying {
	if factory == nil {
		factory = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = maxElapsed
			return b
		}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Retrying{delegate: delegate, timeout: timeout, buildBackoff: factory}
}

func (r *Retrying) RetrieveSubscription(ctx context.Context, ref string) (*SubscriptionSnapshot, error) {
	var out *SubscriptionSnapshot
	err := r.retry(ctx, "retrieve_subscription", func(attemptCtx context.Context) error {
		snap, err := r.delegate.RetrieveSubscription(attemptCtx, ref)
		out = snap
		return err
	})
	return out, err
}

func (r *Retrying) IssueRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	var out *RefundResult
	err := r.retry(ctx, "issue_refund", func(attemptCtx context.Context) error {
		res, err := r.delegate.IssueRefund(attemptCtx, req)
		out = res
		return err
	})
	return out, err
}

func (r *Retrying) IssuePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	var out *PayoutResult
	err := r.retry(ctx, "issue_payout", func(attemptCtx context.Context) error {
		res, err := r.delegate.IssuePayout(attemptCtx, req)
		out = res
		return err
	})
	return out, err
}

func (r *Retrying) CreateLoginLink(ctx context.Context, accountRef string) (string, error) {
	var out string
	err := r.retry(ctx, "create_login_link", func(attemptCtx context.Context) error {
		url, err := r.delegate.CreateLoginLink(attemptCtx, accountRef)
		out = url
		return err
	})
	return out, err
}

func (r *Retrying) retry(ctx context.Context, command string, fn func(context.Context) error) error {
	attempt := 0
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		err := fn(attemptCtx)
		switch {
		case err == nil:
			metrics.RecordGatewayCall(command, "ok")
			return nil
		case IsPermanent(err):
			metrics.RecordGatewayCall(command, "permanent")
			return backoff.Permanent(err)
		default:
			metrics.RecordGatewayCall(command, "transient")
			logger.Warn("gateway command failed, retrying", "command", command, "attempt", attempt, "error", err)
			return err
		}
	}

	err := backoff.Retry(op, backoff.WithContext(r.buildBackoff(), ctx))
	if err == nil {
		return nil
	}
	// backoff unwraps Permanent already; anything else ran out of budget.
	if errors.Is(err, ErrCommandFailed) {
		return err
	}
	return Transient(command, err)
}

var _ Gateway = (*Retrying)(nil)
