package fraud

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"inkwell/internal/db"
)

var (
	ErrFlagNotFound = errors.New("fraud flag not found")
	ErrFlagNotOpen  = errors.New("fraud flag already reviewed")
)

const flagColumns = `id, user_id, flag_type, details, status, review_notes, reviewed_by, reviewed_at, created_at`

type Repository interface {
	LoadHistories(ctx context.Context, since time.Time) (map[string]*History, error)
	// InsertFlag is a no-op when an open flag of the same type exists for
	// the user.
	InsertFlag(ctx context.Context, userID string, flagType FlagType, details types.JSONText) (bool, error)
	Review(ctx context.Context, id int64, status FlagStatus, notes, reviewer string) (*Flag, error)
	List(ctx context.Context, status FlagStatus, limit, offset int) ([]Flag, error)
}

type repository struct {
	db *sqlx.DB
}

func NewRepository(conn *sqlx.DB) Repository {
	return &repository{db: conn}
}

// LoadHistories includes replaced author subscriptions, so re-subscribing to
// the same author still counts as a separate subscription.
func (r *repository) LoadHistories(ctx context.Context, since time.Time) (map[string]*History, error) {
	var subs []SubscriptionEvent
	err := r.db.SelectContext(ctx, &subs, `
		SELECT user_id, created_at, canceled_at FROM subscriptions WHERE created_at >= $1
		UNION ALL
		SELECT subscriber_id AS user_id, created_at, canceled_at FROM author_subscriptions WHERE created_at >= $1
		UNION ALL
		SELECT subscriber_id AS user_id, started_at AS created_at, canceled_at FROM author_subscription_history
		WHERE started_at >= $1
	`, since)
	if err != nil {
		return nil, err
	}

	var payments []PaymentEvent
	err = r.db.SelectContext(ctx, &payments, `
		SELECT user_id, status, created_at FROM transactions
		WHERE created_at >= $1 AND type <> 'refund'
	`, since)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*History)
	get := func(userID string) *History {
		h, ok := out[userID]
		if !ok {
			h = &History{UserID: userID}
			out[userID] = h
		}
		return h
	}
	for _, s := range subs {
		h := get(s.UserID)
		h.Subscriptions = append(h.Subscriptions, s)
	}
	for _, p := range payments {
		h := get(p.UserID)
		h.Payments = append(h.Payments, p)
	}
	return out, nil
}

func (r *repository) InsertFlag(ctx context.Context, userID string, flagType FlagType, details types.JSONText) (bool, error) {
	var id int64
	err := r.db.GetContext(ctx, &id,
		`INSERT INTO fraud_flags (user_id, flag_type, details, status)
		 VALUES ($1, $2, $3, 'open')
		 ON CONFLICT DO NOTHING
		 RETURNING id`,
		userID, flagType, details)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *repository) Review(ctx context.Context, id int64, status FlagStatus, notes, reviewer string) (*Flag, error) {
	f := &Flag{}
	err := r.db.QueryRowxContext(ctx,
		`UPDATE fraud_flags SET status = $2, review_notes = $3, reviewed_by = $4, reviewed_at = NOW()
		 WHERE id = $1 AND status = 'open'
		 RETURNING `+flagColumns,
		id, status, notes, reviewer,
	).StructScan(f)
	if errors.Is(err, sql.ErrNoRows) {
		exists, err := db.Exists(ctx, r.db, `SELECT TRUE FROM fraud_flags WHERE id = $1`, id)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, ErrFlagNotOpen
		}
		return nil, ErrFlagNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (r *repository) List(ctx context.Context, status FlagStatus, limit, offset int) ([]Flag, error) {
	if limit <= 0 {
		limit = 50
	}

	flags := []Flag{}
	err := r.db.SelectContext(ctx, &flags, `
		SELECT `+flagColumns+`
		FROM fraud_flags
		WHERE ($1::text = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	return flags, nil
}
