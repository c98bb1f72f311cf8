package entitlement

import (
	"context"

	"github.com/jmoiron/sqlx"

	"inkwell/internal/db"
)

type Repository interface {
	HasPremium(ctx context.Context, userID string) (bool, error)
	ActiveAuthorTiers(ctx context.Context, subscriberID, authorID string) ([]string, error)
	SubscriberIDs(ctx context.Context) ([]string, error)
	AuthorPairs(ctx context.Context) ([]Pair, error)
}

// Pair identifies one subscriber's relationship with one author.
type Pair struct {
	SubscriberID string `db:"subscriber_id"`
	AuthorID     string `db:"author_id"`
}

type repository struct {
	db *sqlx.DB
}

func NewRepository(conn *sqlx.DB) Repository {
	return &repository{db: conn}
}

func (r *repository) HasPremium(ctx context.Context, userID string) (bool, error) {
	return db.Exists(ctx, r.db,
		`SELECT EXISTS(SELECT 1 FROM subscriptions WHERE user_id = $1 AND status IN ('active', 'trialing'))`,
		userID)
}

func (r *repository) ActiveAuthorTiers(ctx context.Context, subscriberID, authorID string) ([]string, error) {
	var tiers []string
	err := r.db.SelectContext(ctx, &tiers,
		`SELECT tier_name FROM author_subscriptions
		 WHERE subscriber_id = $1 AND author_id = $2 AND status = 'active'`,
		subscriberID, authorID)
	if err != nil {
		return nil, err
	}
	return tiers, nil
}

func (r *repository) SubscriberIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `SELECT DISTINCT user_id FROM subscriptions ORDER BY user_id`)
	return ids, err
}

func (r *repository) AuthorPairs(ctx context.Context) ([]Pair, error) {
	var pairs []Pair
	err := r.db.SelectContext(ctx, &pairs,
		`SELECT subscriber_id, author_id FROM author_subscriptions ORDER BY subscriber_id, author_id`)
	return pairs, err
}
