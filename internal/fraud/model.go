package fraud

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

type FlagType string

const (
	FlagRapidCancel       FlagType = "rapid_cancel"
	FlagHighVolumeSubs    FlagType = "high_volume_subs"
	FlagExcessiveRefunds  FlagType = "excessive_refunds"
	FlagSuspiciousPattern FlagType = "suspicious_pattern"
)

type FlagStatus string

const (
	StatusOpen      FlagStatus = "open"
	StatusReviewed  FlagStatus = "reviewed"
	StatusDismissed FlagStatus = "dismissed"
)

// Flag is a heuristic finding awaiting human review. Flags never trigger
// any automatic action.
type Flag struct {
	ID          int64          `db:"id" json:"id"`
	UserID      string         `db:"user_id" json:"user_id"`
	FlagType    FlagType       `db:"flag_type" json:"flag_type"`
	Details     types.JSONText `db:"details" json:"details"`
	Status      FlagStatus     `db:"status" json:"status"`
	ReviewNotes string         `db:"review_notes" json:"review_notes,omitempty"`
	ReviewedBy  *string        `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time     `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}

// SubscriptionEvent is one reader or author subscription in a user's
// history.
type SubscriptionEvent struct {
	UserID     string     `db:"user_id"`
	CreatedAt  time.Time  `db:"created_at"`
	CanceledAt *time.Time `db:"canceled_at"`
}

// PaymentEvent is one non-refund transaction in a user's history.
type PaymentEvent struct {
	UserID    string    `db:"user_id"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
}

// History is everything the heuristics see for one user.
type History struct {
	UserID        string
	Subscriptions []SubscriptionEvent
	Payments      []PaymentEvent
}

type Finding struct {
	UserID   string
	FlagType FlagType
	Details  map[string]interface{}
}

type ScanResult struct {
	Users    int `json:"users"`
	Findings int `json:"findings"`
	Created  int `json:"created"`
}
