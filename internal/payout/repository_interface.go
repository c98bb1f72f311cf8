package payout

import (
	"context"
	"time"
)

// ReserveFunc inspects the locked account and its freshly computed earnings
// and returns the payout to insert, or an error to abort.
type ReserveFunc func(acc *Account, e *Earnings) (*Payout, error)

type Repository interface {
	GetAccount(ctx context.Context, authorID string) (*Account, error)
	SetHold(ctx context.Context, authorID string, hold bool, reason string) (*Account, error)
	Earnings(ctx context.Context, authorID string) (*Earnings, error)

	// ReservePayout locks the author's payout account without waiting,
	// recomputes earnings and inserts the payout returned by fn, all in one
	// transaction. A concurrent holder of the lock yields ErrBalanceRace.
	ReservePayout(ctx context.Context, authorID string, fn ReserveFunc) (*Payout, error)

	GetPayout(ctx context.Context, id int64) (*Payout, error)
	FindByExternalRef(ctx context.Context, ref string) (*Payout, error)
	ListPayouts(ctx context.Context, authorID string, limit, offset int) ([]Payout, error)
	ListStalePending(ctx context.Context, createdBefore time.Time) ([]Payout, error)

	SetExternalRef(ctx context.Context, id int64, ref string) error
	// MarkPaid and MarkFailed only move pending rows; they report whether a
	// row changed.
	MarkPaid(ctx context.Context, id int64, ref string) (bool, error)
	MarkFailed(ctx context.Context, id int64, reason string) (bool, error)
}
