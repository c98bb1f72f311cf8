package payout

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"inkwell/internal/db"
)

var (
	ErrAccountNotFound = errors.New("payout account not found")
	ErrPayoutNotFound  = errors.New("payout not found")
	// ErrBalanceRace means another payout request holds the account lock.
	ErrBalanceRace = errors.New("payout already in progress, try again")
)

const accountColumns = `author_id, external_account_ref, onboarding_complete, payouts_enabled, payout_hold, hold_reason, updated_at`

const payoutColumns = `id, author_id, amount_cents, currency, status, external_payout_ref, failure_reason, idempotency_key,
	period_start, period_end, processed_by, created_at, updated_at`

// The period opens where the last non-failed payout closed, or at the first
// earning when there was none.
const earningsQuery = `SELECT
	COALESCE((SELECT SUM(net_amount_cents) FROM author_revenue WHERE author_id = $1), 0) AS total_earned_cents,
	COALESCE((SELECT SUM(amount_cents) FROM payouts WHERE author_id = $1 AND status = 'paid'), 0) AS paid_out_cents,
	COALESCE((SELECT SUM(amount_cents) FROM payouts WHERE author_id = $1 AND status = 'pending'), 0) AS pending_cents,
	COALESCE(
		(SELECT MAX(period_end) FROM payouts WHERE author_id = $1 AND status <> 'failed'),
		(SELECT MIN(created_at) FROM author_revenue WHERE author_id = $1),
		NOW()
	) AS period_start`

type repository struct {
	db *sqlx.DB
}

func NewRepository(conn *sqlx.DB) Repository {
	return &repository{db: conn}
}

func (r *repository) GetAccount(ctx context.Context, authorID string) (*Account, error) {
	acc := &Account{}
	err := r.db.GetContext(ctx, acc,
		`SELECT `+accountColumns+` FROM payout_accounts WHERE author_id = $1`, authorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (r *repository) SetHold(ctx context.Context, authorID string, hold bool, reason string) (*Account, error) {
	acc := &Account{}
	err := r.db.QueryRowxContext(ctx,
		`UPDATE payout_accounts SET payout_hold = $2, hold_reason = $3, updated_at = NOW()
		 WHERE author_id = $1
		 RETURNING `+accountColumns,
		authorID, hold, reason,
	).StructScan(acc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (r *repository) Earnings(ctx context.Context, authorID string) (*Earnings, error) {
	return earnings(ctx, r.db, authorID)
}

func earnings(ctx context.Context, q sqlx.QueryerContext, authorID string) (*Earnings, error) {
	e := &Earnings{}
	if err := sqlx.GetContext(ctx, q, e, earningsQuery, authorID); err != nil {
		return nil, err
	}
	e.AuthorID = authorID
	return e, nil
}

func (r *repository) ReservePayout(ctx context.Context, authorID string, fn ReserveFunc) (*Payout, error) {
	var out *Payout
	err := db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		acc := &Account{}
		err := tx.GetContext(ctx, acc,
			`SELECT `+accountColumns+` FROM payout_accounts WHERE author_id = $1 FOR UPDATE NOWAIT`, authorID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return ErrAccountNotFound
		case db.IsLockNotAvailable(err):
			return ErrBalanceRace
		case err != nil:
			return err
		}

		e, err := earnings(ctx, tx, authorID)
		if err != nil {
			return err
		}
		p, err := fn(acc, e)
		if err != nil {
			return err
		}

		out = &Payout{}
		return tx.QueryRowxContext(ctx,
			`INSERT INTO payouts (author_id, amount_cents, currency, status, idempotency_key, period_start, period_end, processed_by)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING `+payoutColumns,
			p.AuthorID, p.AmountCents, p.Currency, p.Status, p.IdempotencyKey, p.PeriodStart, p.PeriodEnd, p.ProcessedBy,
		).StructScan(out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repository) GetPayout(ctx context.Context, id int64) (*Payout, error) {
	return r.getPayout(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
}

func (r *repository) FindByExternalRef(ctx context.Context, ref string) (*Payout, error) {
	return r.getPayout(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE external_payout_ref = $1`, ref)
}

func (r *repository) getPayout(ctx context.Context, query string, arg interface{}) (*Payout, error) {
	p := &Payout{}
	err := r.db.GetContext(ctx, p, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *repository) ListPayouts(ctx context.Context, authorID string, limit, offset int) ([]Payout, error) {
	if limit <= 0 {
		limit = 50
	}

	payouts := []Payout{}
	err := r.db.SelectContext(ctx, &payouts, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE author_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, authorID, limit, offset)
	if err != nil {
		return nil, err
	}
	return payouts, nil
}

// ListStalePending returns pending payouts whose gateway command never
// produced a reference.
func (r *repository) ListStalePending(ctx context.Context, createdBefore time.Time) ([]Payout, error) {
	payouts := []Payout{}
	err := r.db.SelectContext(ctx, &payouts, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE status = 'pending' AND external_payout_ref IS NULL AND created_at < $1
		ORDER BY created_at
	`, createdBefore)
	if err != nil {
		return nil, err
	}
	return payouts, nil
}

func (r *repository) SetExternalRef(ctx context.Context, id int64, ref string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE payouts SET external_payout_ref = $2, updated_at = NOW() WHERE id = $1 AND status = 'pending'`,
		id, ref)
	return err
}

func (r *repository) MarkPaid(ctx context.Context, id int64, ref string) (bool, error) {
	return r.transition(ctx,
		`UPDATE payouts SET status = 'paid', external_payout_ref = COALESCE(NULLIF($2, ''), external_payout_ref), updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`,
		id, ref)
}

func (r *repository) MarkFailed(ctx context.Context, id int64, reason string) (bool, error) {
	return r.transition(ctx,
		`UPDATE payouts SET status = 'failed', failure_reason = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`,
		id, reason)
}

func (r *repository) transition(ctx context.Context, query string, args ...interface{}) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
