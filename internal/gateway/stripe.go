package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/loginlink"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/transfer"
)

var ErrNotConfigured = errors.New("payment gateway api key not configured")

// Stripe implements Gateway on the Stripe API. Payouts are transfers to the
// author's connected account.
type Stripe struct {
	apiKey string

	getSubscription func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	newRefund       func(params *stripe.RefundParams) (*stripe.Refund, error)
	newTransfer     func(params *stripe.TransferParams) (*stripe.Transfer, error)
	newLoginLink    func(params *stripe.LoginLinkParams) (*stripe.LoginLink, error)
}

func NewStripe(apiKey string) *Stripe {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey != "" {
		stripe.Key = apiKey
	}
	return &Stripe{
		apiKey:          apiKey,
		getSubscription: subscription.Get,
		newRefund:       refund.New,
		newTransfer:     transfer.New,
		newLoginLink:    loginlink.New,
	}
}

func (s *Stripe) RetrieveSubscription(ctx context.Context, ref string) (*SubscriptionSnapshot, error) {
	const command = "retrieve_subscription"
	if s.apiKey == "" {
		return nil, Permanent(command, ErrNotConfigured)
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := s.getSubscription(ref, params)
	if err != nil {
		return nil, classify(command, err)
	}

	snap := &SubscriptionSnapshot{
		Ref:               sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			snap.CurrentPeriodStart = unixPtr(item.CurrentPeriodStart)
			snap.CurrentPeriodEnd = unixPtr(item.CurrentPeriodEnd)
			if item.Price != nil {
				snap.UnitAmountCents = item.Price.UnitAmount
				if item.Price.Recurring != nil {
					snap.Interval = string(item.Price.Recurring.Interval)
				}
			}
			break
		}
	}
	return snap, nil
}

func (s *Stripe) IssueRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	const command = "issue_refund"
	if s.apiKey == "" {
		return nil, Permanent(command, ErrNotConfigured)
	}

	params := &stripe.RefundParams{}
	if strings.HasPrefix(req.PaymentRef, "ch_") {
		params.Charge = stripe.String(req.PaymentRef)
	} else {
		params.PaymentIntent = stripe.String(req.PaymentRef)
	}
	if req.AmountCents > 0 {
		params.Amount = stripe.Int64(req.AmountCents)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	r, err := s.newRefund(params)
	if err != nil {
		return nil, classify(command, err)
	}
	if r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
		return nil, Permanent(command, errors.New("refund "+string(r.Status)))
	}
	return &RefundResult{Ref: r.ID, Status: string(r.Status)}, nil
}

func (s *Stripe) IssuePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	const command = "issue_payout"
	if s.apiKey == "" {
		return nil, Permanent(command, ErrNotConfigured)
	}

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(req.Currency),
		Destination: stripe.String(req.AccountRef),
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	tr, err := s.newTransfer(params)
	if err != nil {
		return nil, classify(command, err)
	}
	// A created transfer has already moved the funds to the connected account.
	return &PayoutResult{Ref: tr.ID, Settled: true}, nil
}

func (s *Stripe) CreateLoginLink(ctx context.Context, accountRef string) (string, error) {
	const command = "create_login_link"
	if s.apiKey == "" {
		return "", Permanent(command, ErrNotConfigured)
	}

	params := &stripe.LoginLinkParams{Account: stripe.String(accountRef)}
	params.Context = ctx
	link, err := s.newLoginLink(params)
	if err != nil {
		return "", classify(command, err)
	}
	return link.URL, nil
}

// classify splits Stripe errors into retryable and final ones. Unknown error
// shapes (network, context deadline) are treated as transient.
func classify(command string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return Transient(command, err)
	}
	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode >= http.StatusInternalServerError,
		se.Type == stripe.ErrorTypeAPI:
		return Transient(command, err)
	default:
		return Permanent(command, err)
	}
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

var _ Gateway = (*Stripe)(nil)
