package webhook

import (
	"bytes"
	"encoding/json"
	"time"
)

// SchemaVersion names the payload shapes below. Every optional field is read
// defensively; gateway API versions move fields around.
const SchemaVersion = "v1"

// expandableID is a reference that arrives either as a bare id or as an
// expanded object carrying one.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*e = ""
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	default:
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*e = expandableID(obj.ID)
		return nil
	}
}

type checkoutSessionV1 struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	Subscription      expandableID      `json:"subscription"`
	PaymentIntent     expandableID      `json:"payment_intent"`
	Invoice           expandableID      `json:"invoice"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

type priceV1 struct {
	UnitAmount int64 `json:"unit_amount"`
	Recurring  *struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

type subscriptionItemV1 struct {
	CurrentPeriodStart int64    `json:"current_period_start"`
	CurrentPeriodEnd   int64    `json:"current_period_end"`
	Price              *priceV1 `json:"price"`
}

type subscriptionV1 struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []subscriptionItemV1 `json:"data"`
	} `json:"items"`
}

func (s subscriptionV1) firstItem() *subscriptionItemV1 {
	if len(s.Items.Data) == 0 {
		return nil
	}
	return &s.Items.Data[0]
}

// period prefers the item-level bounds and falls back to the legacy
// top-level fields.
func (s subscriptionV1) period() (start, end *time.Time) {
	if it := s.firstItem(); it != nil && it.CurrentPeriodEnd > 0 {
		return unixTime(it.CurrentPeriodStart), unixTime(it.CurrentPeriodEnd)
	}
	return unixTime(s.CurrentPeriodStart), unixTime(s.CurrentPeriodEnd)
}

func (s subscriptionV1) price() (amount int64, interval string) {
	it := s.firstItem()
	if it == nil || it.Price == nil {
		return 0, ""
	}
	if it.Price.Recurring != nil {
		interval = it.Price.Recurring.Interval
	}
	return it.Price.UnitAmount, interval
}

type subscriptionDetailsV1 struct {
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type invoiceLineV1 struct {
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
	Parent       *struct {
		SubscriptionItemDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_item_details"`
	} `json:"parent"`
}

type invoiceV1 struct {
	ID                  string                 `json:"id"`
	AmountPaid          int64                  `json:"amount_paid"`
	Currency            string                 `json:"currency"`
	BillingReason       string                 `json:"billing_reason"`
	Subscription        expandableID           `json:"subscription"`
	PaymentIntent       expandableID           `json:"payment_intent"`
	Charge              expandableID           `json:"charge"`
	Metadata            map[string]string      `json:"metadata"`
	SubscriptionDetails *subscriptionDetailsV1 `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *subscriptionDetailsV1 `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []invoiceLineV1 `json:"data"`
	} `json:"lines"`
	Payments struct {
		Data []struct {
			Payment struct {
				PaymentIntent expandableID `json:"payment_intent"`
				Charge        expandableID `json:"charge"`
			} `json:"payment"`
		} `json:"data"`
	} `json:"payments"`
}

// subscriptionRef reads the legacy field, then the parent details, then the
// first line item.
func (inv invoiceV1) subscriptionRef() string {
	if inv.Subscription != "" {
		return string(inv.Subscription)
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != "" {
		return string(inv.Parent.SubscriptionDetails.Subscription)
	}
	for _, l := range inv.Lines.Data {
		if l.Subscription != "" {
			return string(l.Subscription)
		}
		if l.Parent != nil && l.Parent.SubscriptionItemDetails != nil && l.Parent.SubscriptionItemDetails.Subscription != "" {
			return string(l.Parent.SubscriptionItemDetails.Subscription)
		}
	}
	return ""
}

func (inv invoiceV1) paymentRef() string {
	if inv.PaymentIntent != "" {
		return string(inv.PaymentIntent)
	}
	if inv.Charge != "" {
		return string(inv.Charge)
	}
	for _, p := range inv.Payments.Data {
		if p.Payment.PaymentIntent != "" {
			return string(p.Payment.PaymentIntent)
		}
		if p.Payment.Charge != "" {
			return string(p.Payment.Charge)
		}
	}
	return ""
}

// metadata merges line items, subscription details and the invoice's own
// metadata, later sources winning.
func (inv invoiceV1) metadata() map[string]string {
	out := map[string]string{}
	for i := len(inv.Lines.Data) - 1; i >= 0; i-- {
		merge(out, inv.Lines.Data[i].Metadata)
	}
	if inv.SubscriptionDetails != nil {
		merge(out, inv.SubscriptionDetails.Metadata)
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		merge(out, inv.Parent.SubscriptionDetails.Metadata)
	}
	merge(out, inv.Metadata)
	return out
}

type accountV1 struct {
	ID               string `json:"id"`
	DetailsSubmitted bool   `json:"details_submitted"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
}

type payoutV1 struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	FailureCode    string            `json:"failure_code"`
	FailureMessage string            `json:"failure_message"`
	Metadata       map[string]string `json:"metadata"`
}

func merge(dst, src map[string]string) {
	for k, v := range src {
		if v != "" {
			dst[k] = v
		}
	}
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
