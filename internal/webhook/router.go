package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"inkwell/internal/ledger"
	"inkwell/internal/payout"
)

type Route string

// billingReasonCreate marks the invoice that opened a subscription.
const billingReasonCreate = "subscription_create"

const (
	RouteIgnored                    Route = "ignored"
	RouteReaderCheckoutCompleted    Route = "reader_checkout_completed"
	RouteAuthorCheckoutCompleted    Route = "author_checkout_completed"
	RouteAuthorTipCompleted         Route = "author_tip_completed"
	RouteReaderSubscriptionUpdated  Route = "reader_subscription_updated"
	RouteReaderSubscriptionCanceled Route = "reader_subscription_canceled"
	RouteAuthorSubscriptionUpdated  Route = "author_subscription_updated"
	RouteAuthorSubscriptionCanceled Route = "author_subscription_canceled"
	RouteInvoicePaid                Route = "invoice_paid"
	RoutePaymentFailed              Route = "payment_failed"
	RouteConnectedAccountUpdated    Route = "connected_account_updated"
	RoutePayoutPaid                 Route = "payout_paid"
	RoutePayoutFailed               Route = "payout_failed"
)

var ErrUnknownEventType = errors.New("unknown event type")

// LedgerWriter is the slice of the ledger the router drives.
type LedgerWriter interface {
	ReaderCheckoutCompleted(ctx context.Context, c ledger.CheckoutCompleted) error
	AuthorCheckoutCompleted(ctx context.Context, c ledger.CheckoutCompleted) error
	AuthorTipCompleted(ctx context.Context, c ledger.CheckoutCompleted) error
	ReaderSubscriptionUpdated(ctx context.Context, ch ledger.SubscriptionChange) error
	ReaderSubscriptionCanceled(ctx context.Context, ch ledger.SubscriptionChange) error
	AuthorSubscriptionUpdated(ctx context.Context, ch ledger.SubscriptionChange) error
	AuthorSubscriptionCanceled(ctx context.Context, ch ledger.SubscriptionChange) error
	InvoicePaid(ctx context.Context, inv ledger.InvoicePayment) error
	PaymentFailed(ctx context.Context, inv ledger.InvoicePayment) error
	ConnectedAccountUpdated(ctx context.Context, acc ledger.AccountCapabilities) error
}

// PayoutEvents settles payouts from gateway payout notifications.
type PayoutEvents interface {
	MarkPaid(ctx context.Context, ev payout.Event) error
	MarkFailed(ctx context.Context, ev payout.Event) error
}

type Router struct {
	ledger  LedgerWriter
	payouts PayoutEvents
}

func NewRouter(writer LedgerWriter, payouts PayoutEvents) *Router {
	return &Router{ledger: writer, payouts: payouts}
}

// Resolve picks the route for an event without side effects. Unknown types
// resolve to RouteIgnored with ErrUnknownEventType.
func Resolve(ev *Event) (Route, error) {
	switch ev.Type {
	case "checkout.session.completed":
		var s checkoutSessionV1
		if err := decode(ev, &s); err != nil {
			return RouteIgnored, err
		}
		switch ledger.ParseKind(s.Metadata[ledger.MetaSubscriptionType]) {
		case ledger.KindReaderPremium:
			return RouteReaderCheckoutCompleted, nil
		case ledger.KindAuthorSubscription:
			return RouteAuthorCheckoutCompleted, nil
		case ledger.KindAuthorTip:
			return RouteAuthorTipCompleted, nil
		}
		return RouteIgnored, discriminatorMissing(ev)

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var s subscriptionV1
		if err := decode(ev, &s); err != nil {
			return RouteIgnored, err
		}
		deleted := ev.Type == "customer.subscription.deleted"
		switch ledger.ParseKind(s.Metadata[ledger.MetaSubscriptionType]) {
		case ledger.KindReaderPremium:
			if deleted {
				return RouteReaderSubscriptionCanceled, nil
			}
			return RouteReaderSubscriptionUpdated, nil
		case ledger.KindAuthorSubscription:
			if deleted {
				return RouteAuthorSubscriptionCanceled, nil
			}
			return RouteAuthorSubscriptionUpdated, nil
		}
		return RouteIgnored, discriminatorMissing(ev)

	case "invoice.paid", "invoice.payment_succeeded":
		return RouteInvoicePaid, nil
	case "invoice.payment_failed":
		return RoutePaymentFailed, nil
	case "account.updated":
		return RouteConnectedAccountUpdated, nil
	case "payout.paid":
		return RoutePayoutPaid, nil
	case "payout.failed":
		return RoutePayoutFailed, nil
	}
	return RouteIgnored, fmt.Errorf("%w: %s", ErrUnknownEventType, ev.Type)
}

// Dispatch resolves the event and hands the extracted command to its
// handler. The returned route is set even when handling fails.
func (r *Router) Dispatch(ctx context.Context, ev *Event) (Route, error) {
	route, err := Resolve(ev)
	if err != nil {
		return route, err
	}

	switch route {
	case RouteReaderCheckoutCompleted, RouteAuthorCheckoutCompleted, RouteAuthorTipCompleted:
		var s checkoutSessionV1
		if err := decode(ev, &s); err != nil {
			return route, err
		}
		c := checkoutCommand(s, ev.Created)
		switch route {
		case RouteReaderCheckoutCompleted:
			return route, r.ledger.ReaderCheckoutCompleted(ctx, c)
		case RouteAuthorCheckoutCompleted:
			return route, r.ledger.AuthorCheckoutCompleted(ctx, c)
		default:
			return route, r.ledger.AuthorTipCompleted(ctx, c)
		}

	case RouteReaderSubscriptionUpdated, RouteReaderSubscriptionCanceled,
		RouteAuthorSubscriptionUpdated, RouteAuthorSubscriptionCanceled:
		var s subscriptionV1
		if err := decode(ev, &s); err != nil {
			return route, err
		}
		ch := subscriptionCommand(s, ev.Created)
		switch route {
		case RouteReaderSubscriptionUpdated:
			return route, r.ledger.ReaderSubscriptionUpdated(ctx, ch)
		case RouteReaderSubscriptionCanceled:
			return route, r.ledger.ReaderSubscriptionCanceled(ctx, ch)
		case RouteAuthorSubscriptionUpdated:
			return route, r.ledger.AuthorSubscriptionUpdated(ctx, ch)
		default:
			return route, r.ledger.AuthorSubscriptionCanceled(ctx, ch)
		}

	case RouteInvoicePaid, RoutePaymentFailed:
		var inv invoiceV1
		if err := decode(ev, &inv); err != nil {
			return route, err
		}
		cmd := invoiceCommand(inv, ev.Created)
		if route == RouteInvoicePaid {
			return route, r.ledger.InvoicePaid(ctx, cmd)
		}
		return route, r.ledger.PaymentFailed(ctx, cmd)

	case RouteConnectedAccountUpdated:
		var a accountV1
		if err := decode(ev, &a); err != nil {
			return route, err
		}
		ref := firstNonEmpty(a.ID, ev.Account)
		return route, r.ledger.ConnectedAccountUpdated(ctx, ledger.AccountCapabilities{
			AccountRef:       ref,
			DetailsSubmitted: a.DetailsSubmitted,
			PayoutsEnabled:   a.PayoutsEnabled,
		})

	case RoutePayoutPaid, RoutePayoutFailed:
		var p payoutV1
		if err := decode(ev, &p); err != nil {
			return route, err
		}
		pe := payoutEvent(p)
		if route == RoutePayoutPaid {
			return route, r.payouts.MarkPaid(ctx, pe)
		}
		return route, r.payouts.MarkFailed(ctx, pe)
	}
	return route, nil
}

func checkoutCommand(s checkoutSessionV1, created time.Time) ledger.CheckoutCompleted {
	md := s.Metadata
	return ledger.CheckoutCompleted{
		Kind:            ledger.ParseKind(md[ledger.MetaSubscriptionType]),
		SessionRef:      s.ID,
		SubscriptionRef: string(s.Subscription),
		InvoiceRef:      string(s.Invoice),
		PaymentRef:      string(s.PaymentIntent),
		SubscriberID:    firstNonEmpty(md[ledger.MetaUserID], md[ledger.MetaSubscriberID], s.ClientReferenceID),
		AuthorID:        md[ledger.MetaAuthorID],
		TierName:        md[ledger.MetaTierName],
		AmountCents:     s.AmountTotal,
		Currency:        s.Currency,
		Interval:        ledger.ParseInterval(md[ledger.MetaBillingInterval]),
		EventAt:         created,
	}
}

func subscriptionCommand(s subscriptionV1, created time.Time) ledger.SubscriptionChange {
	md := s.Metadata
	start, end := s.period()
	amount, interval := s.price()
	return ledger.SubscriptionChange{
		Kind:              ledger.ParseKind(md[ledger.MetaSubscriptionType]),
		Ref:               s.ID,
		SubscriberID:      firstNonEmpty(md[ledger.MetaUserID], md[ledger.MetaSubscriberID]),
		AuthorID:          md[ledger.MetaAuthorID],
		TierName:          md[ledger.MetaTierName],
		RawStatus:         s.Status,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		PeriodStart:       start,
		PeriodEnd:         end,
		AmountCents:       amount,
		Interval:          ledger.ParseInterval(firstNonEmpty(interval, md[ledger.MetaBillingInterval])),
		EventAt:           created,
	}
}

// invoiceCommand leaves Kind unknown when the invoice carries no
// discriminator; the writer resolves it from the stored subscription.
func invoiceCommand(inv invoiceV1, created time.Time) ledger.InvoicePayment {
	md := inv.metadata()
	return ledger.InvoicePayment{
		Kind:            ledger.ParseKind(md[ledger.MetaSubscriptionType]),
		InvoiceRef:      inv.ID,
		SubscriptionRef: inv.subscriptionRef(),
		PaymentRef:      inv.paymentRef(),
		SubscriberID:    firstNonEmpty(md[ledger.MetaUserID], md[ledger.MetaSubscriberID]),
		AuthorID:        md[ledger.MetaAuthorID],
		TierName:        md[ledger.MetaTierName],
		AmountCents:     inv.AmountPaid,
		Currency:        inv.Currency,
		EventAt:         created,
		FirstPeriod:     inv.BillingReason == billingReasonCreate,
	}
}

func payoutEvent(p payoutV1) payout.Event {
	// A malformed id falls back to the reference lookup.
	id, _ := strconv.ParseInt(p.Metadata[ledger.MetaPayoutID], 10, 64)
	return payout.Event{
		PayoutID:    id,
		ExternalRef: p.ID,
		Reason:      firstNonEmpty(p.FailureMessage, p.FailureCode),
	}
}

func decode(ev *Event, dst interface{}) error {
	if len(ev.Payload) == 0 {
		return fmt.Errorf("%w: %s %s has no payload", ledger.ErrMissingMetadata, ev.Type, ev.ID)
	}
	if err := json.Unmarshal(ev.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s %s payload: %v", ledger.ErrMissingMetadata, ev.Type, ev.ID, err)
	}
	return nil
}

func discriminatorMissing(ev *Event) error {
	return fmt.Errorf("%w: %s %s has no %s", ledger.ErrMissingMetadata, ev.Type, ev.ID, ledger.MetaSubscriptionType)
}
