package ledger

import (
	"context"
	"time"
)

type Repository interface {
	// WithTx runs fn against a Repository bound to a single database
	// transaction. Nested calls reuse the outer transaction.
	WithTx(ctx context.Context, fn func(tx Repository) error) error

	FindSubscriptionByRef(ctx context.Context, ref string) (*Subscription, error)
	CreateSubscription(ctx context.Context, s *Subscription) (*Subscription, error)
	UpdateSubscription(ctx context.Context, s *Subscription) (*Subscription, error)

	FindAuthorSubscriptionByRef(ctx context.Context, ref string) (*AuthorSubscription, error)
	FindAuthorSubscription(ctx context.Context, subscriberID, authorID string) (*AuthorSubscription, error)
	CreateAuthorSubscription(ctx context.Context, s *AuthorSubscription) (*AuthorSubscription, bool, error)
	ReplaceAuthorSubscription(ctx context.Context, previousRef string, s *AuthorSubscription) (*AuthorSubscription, error)
	UpdateAuthorSubscription(ctx context.Context, s *AuthorSubscription) (*AuthorSubscription, error)

	// Replaced author subscriptions move to history; late events for them
	// only update the archived row.
	ArchiveAuthorSubscription(ctx context.Context, s *AuthorSubscription) error
	AuthorSubscriptionArchived(ctx context.Context, ref string) (bool, error)
	UpdateArchivedAuthorSubscription(ctx context.Context, ref string, canceledAt *time.Time) (bool, error)

	// InsertTransaction and InsertRevenue report false when a row with the
	// same natural key already exists; the existing row is left untouched.
	InsertTransaction(ctx context.Context, t *Transaction) (bool, error)
	InsertRevenue(ctx context.Context, r *AuthorRevenue) (bool, error)

	GetTransaction(ctx context.Context, id int64) (*Transaction, error)
	LockTransaction(ctx context.Context, id int64) (*Transaction, error)
	HasRefund(ctx context.Context, transactionID int64) (bool, error)
	MarkTransactionRefunded(ctx context.Context, id int64) error

	UpdateAccountCapabilities(ctx context.Context, accountRef string, onboardingComplete, payoutsEnabled bool) (bool, error)
}
