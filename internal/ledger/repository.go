package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"inkwell/internal/db"
)

const subscriptionColumns = `id, user_id, status, billing_interval, external_subscription_ref, amount_cents,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at, created_at, updated_at, last_event_at`

const authorSubscriptionColumns = `id, subscriber_id, author_id, tier_name, status, external_subscription_ref, amount_cents,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at, created_at, updated_at, last_event_at`

const transactionColumns = `id, user_id, author_id, type, status, amount_cents, platform_fee_cents, author_earning_cents,
	currency, external_payment_ref, external_invoice_ref, refunded_transaction_id, created_at`

type repository struct {
	db *sqlx.DB
	q  sqlx.ExtContext
}

func NewRepository(conn *sqlx.DB) Repository {
	return &repository{db: conn, q: conn}
}

func (r *repository) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	if _, inTx := r.q.(*sqlx.Tx); inTx {
		return fn(r)
	}
	return db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return fn(&repository{db: r.db, q: tx})
	})
}

func (r *repository) FindSubscriptionByRef(ctx context.Context, ref string) (*Subscription, error) {
	s := &Subscription{}
	err := sqlx.GetContext(ctx, r.q, s,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_ref = $1`, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CreateSubscription inserts the row opened by a checkout. A replay only
// refreshes the price fields; lifecycle state is owned by update events.
func (r *repository) CreateSubscription(ctx context.Context, s *Subscription) (*Subscription, error) {
	out := &Subscription{}
	err := r.q.QueryRowxContext(ctx,
		`INSERT INTO subscriptions (user_id, status, billing_interval, external_subscription_ref, amount_cents,
			current_period_start, current_period_end, cancel_at_period_end, canceled_at, last_event_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (external_subscription_ref) DO UPDATE SET
			amount_cents = CASE WHEN EXCLUDED.amount_cents > 0 THEN EXCLUDED.amount_cents ELSE subscriptions.amount_cents END,
			billing_interval = EXCLUDED.billing_interval,
			updated_at = NOW()
		 RETURNING `+subscriptionColumns,
		s.UserID, s.Status, s.BillingInterval, s.ExternalSubscriptionRef, s.AmountCents,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd, s.CanceledAt, s.LastEventAt,
	).StructScan(out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSubscription applies gateway state. Canceled rows are terminal, and
// a row already carrying a newer event is left alone unless the update
// cancels it; in both cases the stored row is returned unchanged.
func (r *repository) UpdateSubscription(ctx context.Context, s *Subscription) (*Subscription, error) {
	out := &Subscription{}
	err := r.q.QueryRowxContext(ctx,
		`UPDATE subscriptions SET
			status = $2,
			billing_interval = $3,
			amount_cents = $4,
			current_period_start = $5,
			current_period_end = $6,
			cancel_at_period_end = $7,
			canceled_at = COALESCE(canceled_at, $8),
			last_event_at = COALESCE($9, last_event_at),
			updated_at = NOW()
		 WHERE external_subscription_ref = $1 AND status <> 'canceled'
			AND (last_event_at IS NULL OR $2 = 'canceled' OR last_event_at <= COALESCE($9, last_event_at))
		 RETURNING `+subscriptionColumns,
		s.ExternalSubscriptionRef, s.Status, s.BillingInterval, s.AmountCents,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd, s.CanceledAt, s.LastEventAt,
	).StructScan(out)
	if errors.Is(err, sql.ErrNoRows) {
		return r.FindSubscriptionByRef(ctx, s.ExternalSubscriptionRef)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repository) FindAuthorSubscriptionByRef(ctx context.Context, ref string) (*AuthorSubscription, error) {
	return r.getAuthorSubscription(ctx,
		`SELECT `+authorSubscriptionColumns+` FROM author_subscriptions WHERE external_subscription_ref = $1`, ref)
}

// FindAuthorSubscription locks the subscriber's row with the author.
func (r *repository) FindAuthorSubscription(ctx context.Context, subscriberID, authorID string) (*AuthorSubscription, error) {
	return r.getAuthorSubscription(ctx,
		`SELECT `+authorSubscriptionColumns+` FROM author_subscriptions
		 WHERE subscriber_id = $1 AND author_id = $2 FOR UPDATE`, subscriberID, authorID)
}

func (r *repository) getAuthorSubscription(ctx context.Context, query string, args ...interface{}) (*AuthorSubscription, error) {
	s := &AuthorSubscription{}
	err := sqlx.GetContext(ctx, r.q, s, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CreateAuthorSubscription inserts the first row for a (subscriber, author)
// pair. It reports false, and writes nothing, when the pair already has one.
func (r *repository) CreateAuthorSubscription(ctx context.Context, s *AuthorSubscription) (*AuthorSubscription, bool, error) {
	out := &AuthorSubscription{}
	err := r.q.QueryRowxContext(ctx,
		`INSERT INTO author_subscriptions (subscriber_id, author_id, tier_name, status, external_subscription_ref,
			amount_cents, current_period_start, current_period_end, cancel_at_period_end, canceled_at, last_event_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT DO NOTHING
		 RETURNING `+authorSubscriptionColumns,
		s.SubscriberID, s.AuthorID, s.TierName, s.Status, s.ExternalSubscriptionRef,
		s.AmountCents, s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd, s.CanceledAt, s.LastEventAt,
	).StructScan(out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// ReplaceAuthorSubscription points the pair's row at a new gateway
// subscription. previousRef must still be the row's reference.
func (r *repository) ReplaceAuthorSubscription(ctx context.Context, previousRef string, s *AuthorSubscription) (*AuthorSubscription, error) {
	out := &AuthorSubscription{}
	err := r.q.QueryRowxContext(ctx,
		`UPDATE author_subscriptions SET
			tier_name = $4,
			status = $5,
			external_subscription_ref = $6,
			amount_cents = $7,
			current_period_start = $8,
			current_period_end = $9,
			cancel_at_period_end = $10,
			canceled_at = $11,
			last_event_at = $12,
			created_at = NOW(),
			updated_at = NOW()
		 WHERE subscriber_id = $1 AND author_id = $2 AND external_subscription_ref = $3
		 RETURNING `+authorSubscriptionColumns,
		s.SubscriberID, s.AuthorID, previousRef,
		s.TierName, s.Status, s.ExternalSubscriptionRef, s.AmountCents,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd, s.CanceledAt, s.LastEventAt,
	).StructScan(out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ArchiveAuthorSubscription keeps the lifecycle of a row about to be
// replaced, so fraud history still sees every subscription.
func (r *repository) ArchiveAuthorSubscription(ctx context.Context, s *AuthorSubscription) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO author_subscription_history (subscriber_id, author_id, tier_name, status,
			external_subscription_ref, started_at, canceled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (external_subscription_ref) DO NOTHING`,
		s.SubscriberID, s.AuthorID, s.TierName, s.Status, s.ExternalSubscriptionRef, s.CreatedAt, s.CanceledAt)
	return err
}

func (r *repository) AuthorSubscriptionArchived(ctx context.Context, ref string) (bool, error) {
	var archived bool
	err := sqlx.GetContext(ctx, r.q, &archived,
		`SELECT EXISTS (SELECT 1 FROM author_subscription_history WHERE external_subscription_ref = $1)`, ref)
	return archived, err
}

// UpdateArchivedAuthorSubscription records a late event for a replaced
// subscription. It reports whether ref belongs to an archived row.
func (r *repository) UpdateArchivedAuthorSubscription(ctx context.Context, ref string, canceledAt *time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE author_subscription_history SET
			status = CASE WHEN $2::timestamptz IS NULL THEN status ELSE 'canceled' END,
			canceled_at = COALESCE(canceled_at, $2)
		 WHERE external_subscription_ref = $1`,
		ref, canceledAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateAuthorSubscription applies gateway state with the same terminal and
// ordering rules as UpdateSubscription.
func (r *repository) UpdateAuthorSubscription(ctx context.Context, s *AuthorSubscription) (*AuthorSubscription, error) {
	out := &AuthorSubscription{}
	err := r.q.QueryRowxContext(ctx,
		`UPDATE author_subscriptions SET
			tier_name = $2,
			status = $3,
			amount_cents = $4,
			current_period_start = $5,
			current_period_end = $6,
			cancel_at_period_end = $7,
			canceled_at = COALESCE(canceled_at, $8),
			last_event_at = COALESCE($9, last_event_at),
			updated_at = NOW()
		 WHERE external_subscription_ref = $1 AND status <> 'canceled'
			AND (last_event_at IS NULL OR $3 = 'canceled' OR last_event_at <= COALESCE($9, last_event_at))
		 RETURNING `+authorSubscriptionColumns,
		s.ExternalSubscriptionRef, s.TierName, s.Status, s.AmountCents,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd, s.CanceledAt, s.LastEventAt,
	).StructScan(out)
	if errors.Is(err, sql.ErrNoRows) {
		return r.FindAuthorSubscriptionByRef(ctx, s.ExternalSubscriptionRef)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repository) InsertTransaction(ctx context.Context, t *Transaction) (bool, error) {
	err := r.q.QueryRowxContext(ctx,
		`INSERT INTO transactions (user_id, author_id, type, status, amount_cents, platform_fee_cents,
			author_earning_cents, currency, external_payment_ref, external_invoice_ref, refunded_transaction_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT DO NOTHING
		 RETURNING id, created_at`,
		t.UserID, t.AuthorID, t.Type, t.Status, t.AmountCents, t.PlatformFeeCents,
		t.AuthorEarningCents, t.Currency, t.ExternalPaymentRef, t.ExternalInvoiceRef, t.RefundedTransactionID,
	).Scan(&t.ID, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *repository) InsertRevenue(ctx context.Context, rev *AuthorRevenue) (bool, error) {
	err := r.q.QueryRowxContext(ctx,
		`INSERT INTO author_revenue (author_id, gross_amount_cents, platform_fee_cents, net_amount_cents, description, source_ref)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source_ref) DO NOTHING
		 RETURNING id, created_at`,
		rev.AuthorID, rev.GrossAmountCents, rev.PlatformFeeCents, rev.NetAmountCents, rev.Description, rev.SourceRef,
	).Scan(&rev.ID, &rev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *repository) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	return r.getTransaction(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
}

func (r *repository) LockTransaction(ctx context.Context, id int64) (*Transaction, error) {
	return r.getTransaction(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
}

func (r *repository) getTransaction(ctx context.Context, query string, id int64) (*Transaction, error) {
	t := &Transaction{}
	err := sqlx.GetContext(ctx, r.q, t, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *repository) HasRefund(ctx context.Context, transactionID int64) (bool, error) {
	return db.Exists(ctx, r.q,
		`SELECT EXISTS(SELECT 1 FROM transactions WHERE refunded_transaction_id = $1 AND type = 'refund')`,
		transactionID)
}

func (r *repository) MarkTransactionRefunded(ctx context.Context, id int64) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE transactions SET status = 'refunded' WHERE id = $1 AND status = 'succeeded'`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyRefunded
	}
	return nil
}

func (r *repository) UpdateAccountCapabilities(ctx context.Context, accountRef string, onboardingComplete, payoutsEnabled bool) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE payout_accounts
		 SET onboarding_complete = $2, payouts_enabled = $3, updated_at = NOW()
		 WHERE external_account_ref = $1`,
		accountRef, onboardingComplete, payoutsEnabled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
