package ledger

import (
	"strings"
	"time"
)

type TransactionType string
type TransactionStatus string
type SubscriptionStatus string
type BillingInterval string

const (
	TypeSubscriptionPayment       TransactionType = "subscription_payment"
	TypeAuthorSubscriptionPayment TransactionType = "author_subscription_payment"
	TypeTip                       TransactionType = "tip"
	TypePremium                   TransactionType = "premium"
	TypeRefund                    TransactionType = "refund"

	TxPending   TransactionStatus = "pending"
	TxSucceeded TransactionStatus = "succeeded"
	TxFailed    TransactionStatus = "failed"
	TxRefunded  TransactionStatus = "refunded"

	StatusIncomplete SubscriptionStatus = "incomplete"
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"

	IntervalMonthly BillingInterval = "monthly"
	IntervalAnnual  BillingInterval = "annual"
)

// Transaction is immutable once its status is terminal, except for the
// succeeded -> refunded flip performed by RecordRefund.
type Transaction struct {
	ID                    int64             `db:"id" json:"id"`
	UserID                string            `db:"user_id" json:"user_id"`
	AuthorID              *string           `db:"author_id" json:"author_id,omitempty"`
	Type                  TransactionType   `db:"type" json:"type"`
	Status                TransactionStatus `db:"status" json:"status"`
	AmountCents           int64             `db:"amount_cents" json:"amount_cents"`
	PlatformFeeCents      int64             `db:"platform_fee_cents" json:"platform_fee_cents"`
	AuthorEarningCents    int64             `db:"author_earning_cents" json:"author_earning_cents"`
	Currency              string            `db:"currency" json:"currency"`
	ExternalPaymentRef    *string           `db:"external_payment_ref" json:"external_payment_ref,omitempty"`
	ExternalInvoiceRef    *string           `db:"external_invoice_ref" json:"external_invoice_ref,omitempty"`
	RefundedTransactionID *int64            `db:"refunded_transaction_id" json:"refunded_transaction_id,omitempty"`
	CreatedAt             time.Time         `db:"created_at" json:"created_at"`
}

// Validate enforces amount = fee + earning for succeeded non-refund rows.
func (t *Transaction) Validate() error {
	if t.AmountCents < 0 || t.PlatformFeeCents < 0 || t.AuthorEarningCents < 0 {
		return invariantf("transaction amounts must be non-negative (amount=%d fee=%d earning=%d)",
			t.AmountCents, t.PlatformFeeCents, t.AuthorEarningCents)
	}
	if t.Type == TypeRefund || t.Status != TxSucceeded {
		return nil
	}
	if t.AmountCents != t.PlatformFeeCents+t.AuthorEarningCents {
		return invariantf("amount %d != fee %d + earning %d", t.AmountCents, t.PlatformFeeCents, t.AuthorEarningCents)
	}
	return nil
}

type Subscription struct {
	ID                      int64              `db:"id" json:"id"`
	UserID                  string             `db:"user_id" json:"user_id"`
	Status                  SubscriptionStatus `db:"status" json:"status"`
	BillingInterval         BillingInterval    `db:"billing_interval" json:"billing_interval"`
	ExternalSubscriptionRef string             `db:"external_subscription_ref" json:"external_subscription_ref"`
	AmountCents             int64              `db:"amount_cents" json:"amount_cents"`
	CurrentPeriodStart      *time.Time         `db:"current_period_start" json:"current_period_start,omitempty"`
	CurrentPeriodEnd        *time.Time         `db:"current_period_end" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd       bool               `db:"cancel_at_period_end" json:"cancel_at_period_end"`
	CanceledAt              *time.Time         `db:"canceled_at" json:"canceled_at,omitempty"`
	CreatedAt               time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time          `db:"updated_at" json:"updated_at"`

	// LastEventAt is the creation time of the newest gateway event applied
	// to the row's lifecycle state.
	LastEventAt *time.Time `db:"last_event_at" json:"-"`
}

type AuthorSubscription struct {
	ID                      int64              `db:"id" json:"id"`
	SubscriberID            string             `db:"subscriber_id" json:"subscriber_id"`
	AuthorID                string             `db:"author_id" json:"author_id"`
	TierName                string             `db:"tier_name" json:"tier_name"`
	Status                  SubscriptionStatus `db:"status" json:"status"`
	ExternalSubscriptionRef string             `db:"external_subscription_ref" json:"external_subscription_ref"`
	AmountCents             int64              `db:"amount_cents" json:"amount_cents"`
	CurrentPeriodStart      *time.Time         `db:"current_period_start" json:"current_period_start,omitempty"`
	CurrentPeriodEnd        *time.Time         `db:"current_period_end" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd       bool               `db:"cancel_at_period_end" json:"cancel_at_period_end"`
	CanceledAt              *time.Time         `db:"canceled_at" json:"canceled_at,omitempty"`
	CreatedAt               time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time          `db:"updated_at" json:"updated_at"`

	// LastEventAt is the creation time of the newest gateway event applied
	// to the row's lifecycle state.
	LastEventAt *time.Time `db:"last_event_at" json:"-"`
}

// AuthorRevenue is append-only. Claw-back rows carry negative amounts.
type AuthorRevenue struct {
	ID               int64     `db:"id" json:"id"`
	AuthorID         string    `db:"author_id" json:"author_id"`
	GrossAmountCents int64     `db:"gross_amount_cents" json:"gross_amount_cents"`
	PlatformFeeCents int64     `db:"platform_fee_cents" json:"platform_fee_cents"`
	NetAmountCents   int64     `db:"net_amount_cents" json:"net_amount_cents"`
	Description      string    `db:"description" json:"description"`
	SourceRef        string    `db:"source_ref" json:"source_ref"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

func (r *AuthorRevenue) Validate() error {
	if r.GrossAmountCents != r.PlatformFeeCents+r.NetAmountCents {
		return invariantf("revenue gross %d != fee %d + net %d", r.GrossAmountCents, r.PlatformFeeCents, r.NetAmountCents)
	}
	return nil
}

// Metadata keys set on checkout sessions and copied onto the gateway's
// subscription, invoice and payment objects.
const (
	MetaSubscriptionType = "subscription_type"
	MetaUserID           = "user_id"
	MetaSubscriberID     = "subscriber_id"
	MetaAuthorID         = "author_id"
	MetaTierName         = "tier_name"
	MetaBillingInterval  = "billing_interval"
	MetaPayoutID         = "payout_id"
)

// Kind is the checkout-time discriminator stored in event metadata.
type Kind string

const (
	KindUnknown            Kind = ""
	KindReaderPremium      Kind = "reader_premium"
	KindAuthorSubscription Kind = "author_subscription"
	KindAuthorTip          Kind = "author_tip"
)

func ParseKind(v string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(v))) {
	case KindReaderPremium:
		return KindReaderPremium
	case KindAuthorSubscription:
		return KindAuthorSubscription
	case KindAuthorTip:
		return KindAuthorTip
	default:
		return KindUnknown
	}
}

// statusTable is the single mapping from gateway status vocabulary to the
// internal enum, shared by reader and author subscriptions.
var statusTable = map[string]SubscriptionStatus{
	"active":             StatusActive,
	"trialing":           StatusTrialing,
	"past_due":           StatusPastDue,
	"unpaid":             StatusPastDue,
	"canceled":           StatusCanceled,
	"cancelled":          StatusCanceled,
	"incomplete_expired": StatusCanceled,
	"incomplete":         StatusIncomplete,
}

// MapStatus converts a gateway status. Unrecognized values map to
// incomplete. Author subscriptions have no trial state, so trialing maps to
// incomplete when allowTrial is false.
func MapStatus(raw string, allowTrial bool) SubscriptionStatus {
	st, ok := statusTable[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return StatusIncomplete
	}
	if st == StatusTrialing && !allowTrial {
		return StatusIncomplete
	}
	return st
}

// ParseInterval maps gateway interval names; anything but yearly is monthly.
func ParseInterval(v string) BillingInterval {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "year", "yearly", "annual", "annually":
		return IntervalAnnual
	default:
		return IntervalMonthly
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
