package ledger

import "time"

// Commands are the vendor-neutral inputs of the Writer. The webhook layer
// builds them from gateway payloads.

type CheckoutCompleted struct {
	Kind            Kind
	SessionRef      string
	SubscriptionRef string
	InvoiceRef      string
	PaymentRef      string
	SubscriberID    string
	AuthorID        string
	TierName        string
	AmountCents     int64
	Currency        string
	RawStatus       string
	Interval        BillingInterval
	PeriodStart     *time.Time
	PeriodEnd       *time.Time
	EventAt         time.Time
}

// refs returns the gateway references stored on the money rows. The invoice
// reference is the natural key when present, so a subscription checkout and
// the invoice.paid of its first period collapse onto the same row.
func (c CheckoutCompleted) refs() (invoiceRef, paymentRef string) {
	paymentRef = c.PaymentRef
	if paymentRef == "" && c.InvoiceRef == "" {
		paymentRef = c.SessionRef
	}
	return c.InvoiceRef, paymentRef
}

type SubscriptionChange struct {
	Kind              Kind
	Ref               string
	SubscriberID      string
	AuthorID          string
	TierName          string
	RawStatus         string
	CancelAtPeriodEnd bool
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	AmountCents       int64
	Interval          BillingInterval
	EventAt           time.Time
}

type InvoicePayment struct {
	Kind            Kind
	InvoiceRef      string
	SubscriptionRef string
	PaymentRef      string
	SubscriberID    string
	AuthorID        string
	TierName        string
	AmountCents     int64
	Currency        string
	EventAt         time.Time

	// FirstPeriod marks the invoice that opened the subscription.
	FirstPeriod bool
}

type AccountCapabilities struct {
	AccountRef       string
	DetailsSubmitted bool
	PayoutsEnabled   bool
}

type RefundRecord struct {
	TransactionID int64
	RefundRef     string
}
