package payout

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// Account is the author's connected payout account.
type Account struct {
	AuthorID           string    `db:"author_id" json:"author_id"`
	ExternalAccountRef string    `db:"external_account_ref" json:"external_account_ref"`
	OnboardingComplete bool      `db:"onboarding_complete" json:"onboarding_complete"`
	PayoutsEnabled     bool      `db:"payouts_enabled" json:"payouts_enabled"`
	PayoutHold         bool      `db:"payout_hold" json:"payout_hold"`
	HoldReason         string    `db:"hold_reason" json:"hold_reason,omitempty"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// Payout is immutable once paid.
type Payout struct {
	ID                int64     `db:"id" json:"id"`
	AuthorID          string    `db:"author_id" json:"author_id"`
	AmountCents       int64     `db:"amount_cents" json:"amount_cents"`
	Currency          string    `db:"currency" json:"currency"`
	Status            Status    `db:"status" json:"status"`
	ExternalPayoutRef *string   `db:"external_payout_ref" json:"external_payout_ref,omitempty"`
	FailureReason     string    `db:"failure_reason" json:"failure_reason,omitempty"`
	IdempotencyKey    string    `db:"idempotency_key" json:"-"`
	PeriodStart       time.Time `db:"period_start" json:"period_start"`
	PeriodEnd         time.Time `db:"period_end" json:"period_end"`
	ProcessedBy       *string   `db:"processed_by" json:"processed_by,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Earnings are derived from the revenue and payout tables, never stored.
type Earnings struct {
	AuthorID         string    `db:"-" json:"author_id"`
	TotalEarnedCents int64     `db:"total_earned_cents" json:"total_earned_cents"`
	PaidOutCents     int64     `db:"paid_out_cents" json:"paid_out_cents"`
	PendingCents     int64     `db:"pending_cents" json:"pending_cents"`
	PeriodStart      time.Time `db:"period_start" json:"-"`
}

// BalanceCents is lifetime net earnings minus paid payouts.
func (e *Earnings) BalanceCents() int64 {
	return e.TotalEarnedCents - e.PaidOutCents
}

// AvailableCents excludes payouts still in flight.
func (e *Earnings) AvailableCents() int64 {
	return e.BalanceCents() - e.PendingCents
}

type EarningsResponse struct {
	AuthorID         string `json:"author_id"`
	TotalEarnedCents int64  `json:"total_earned_cents"`
	PaidOutCents     int64  `json:"paid_out_cents"`
	PendingCents     int64  `json:"pending_cents"`
	BalanceCents     int64  `json:"balance_cents"`
	AvailableCents   int64  `json:"available_cents"`
	Currency         string `json:"currency"`
}

type Eligibility struct {
	Eligible       bool   `json:"eligible"`
	Reason         string `json:"reason,omitempty"`
	AvailableCents int64  `json:"available_cents"`
	MinPayoutCents int64  `json:"min_payout_cents"`
}

// Event is a gateway notification about a payout's settlement.
type Event struct {
	PayoutID    int64
	ExternalRef string
	Reason      string
}

type ReconcileResult struct {
	Checked int `json:"checked"`
	Paid    int `json:"paid"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}
