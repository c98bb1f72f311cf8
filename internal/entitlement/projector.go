package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"inkwell/internal/config"
	"inkwell/internal/logger"
	"inkwell/internal/metrics"
)

// noTier is cached when a subscriber has no active tier with an author, so
// misses and "none" are distinguishable.
const noTier = "-"

// Projector derives entitlements from subscription rows. The cache is
// optional; with no cache every read goes to the database.
type Projector struct {
	repo     Repository
	cache    Cache
	platform config.Platform
	ttl      time.Duration
}

func NewProjector(repo Repository, cache Cache, platform config.Platform, ttl time.Duration) *Projector {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Projector{repo: repo, cache: cache, platform: platform, ttl: ttl}
}

// IsPremium reports whether the user holds any active or trialing reader
// subscription.
func (p *Projector) IsPremium(ctx context.Context, userID string) (bool, error) {
	if v, ok := p.cached(ctx, premiumKey(userID)); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b, nil
		}
	}
	premium, err := p.repo.HasPremium(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("premium for %s: %w", userID, err)
	}
	p.fill(ctx, premiumKey(userID), strconv.FormatBool(premium))
	return premium, nil
}

// AuthorTierFor returns the highest active tier the subscriber holds with
// the author, or "" when there is none.
func (p *Projector) AuthorTierFor(ctx context.Context, subscriberID, authorID string) (string, error) {
	if v, ok := p.cached(ctx, tierKey(subscriberID, authorID)); ok {
		if v == noTier {
			return "", nil
		}
		return v, nil
	}
	tier, err := p.computeTier(ctx, subscriberID, authorID)
	if err != nil {
		return "", err
	}
	p.fill(ctx, tierKey(subscriberID, authorID), tierValue(tier))
	return tier, nil
}

// TierSatisfies reports whether have ranks at or above min in the tier
// hierarchy. Unknown tiers never satisfy a gate.
func (p *Projector) TierSatisfies(have, min string) bool {
	h, m := p.platform.TierRank(have), p.platform.TierRank(min)
	return h >= 0 && m >= 0 && h >= m
}

// RecomputePremium replaces the cached premium flag with the database value.
// A failed invalidation does not stop the overwrite; an error is returned
// only when a stale entry may still be cached.
func (p *Projector) RecomputePremium(ctx context.Context, userID string) error {
	key := premiumKey(userID)
	delErr := p.invalidate(ctx, key)
	premium, err := p.repo.HasPremium(ctx, userID)
	if err != nil {
		return errors.Join(fmt.Errorf("premium for %s: %w", userID, err), delErr)
	}
	if err := p.overwrite(ctx, key, strconv.FormatBool(premium)); err != nil && delErr != nil {
		return errors.Join(delErr, err)
	}
	logger.Debug("premium entitlement recomputed", "user_id", userID, "premium", premium)
	return nil
}

func (p *Projector) RecomputeAuthorTier(ctx context.Context, subscriberID, authorID string) error {
	key := tierKey(subscriberID, authorID)
	delErr := p.invalidate(ctx, key)
	tier, err := p.computeTier(ctx, subscriberID, authorID)
	if err != nil {
		return errors.Join(err, delErr)
	}
	if err := p.overwrite(ctx, key, tierValue(tier)); err != nil && delErr != nil {
		return errors.Join(delErr, err)
	}
	logger.Debug("author tier recomputed", "subscriber_id", subscriberID, "author_id", authorID, "tier", tier)
	return nil
}

type RebuildResult struct {
	Users int `json:"users"`
	Pairs int `json:"pairs"`
}

// RebuildAll recomputes every cached entitlement from the database.
func (p *Projector) RebuildAll(ctx context.Context) (RebuildResult, error) {
	var res RebuildResult
	users, err := p.repo.SubscriberIDs(ctx)
	if err != nil {
		return res, err
	}
	for _, u := range users {
		if err := p.RecomputePremium(ctx, u); err != nil {
			return res, err
		}
		res.Users++
	}

	pairs, err := p.repo.AuthorPairs(ctx)
	if err != nil {
		return res, err
	}
	for _, pr := range pairs {
		if err := p.RecomputeAuthorTier(ctx, pr.SubscriberID, pr.AuthorID); err != nil {
			return res, err
		}
		res.Pairs++
	}
	logger.Info("entitlements rebuilt", "users", res.Users, "pairs", res.Pairs)
	return res, nil
}

func (p *Projector) computeTier(ctx context.Context, subscriberID, authorID string) (string, error) {
	tiers, err := p.repo.ActiveAuthorTiers(ctx, subscriberID, authorID)
	if err != nil {
		return "", fmt.Errorf("tiers for %s/%s: %w", subscriberID, authorID, err)
	}
	best, bestRank := "", -1
	for _, t := range tiers {
		if r := p.platform.TierRank(t); r > bestRank {
			best, bestRank = t, r
		}
	}
	return best, nil
}

func (p *Projector) cached(ctx context.Context, key string) (string, bool) {
	if p.cache == nil {
		return "", false
	}
	v, ok, err := p.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.RecordEntitlementCache("error")
		logger.Warn("entitlement cache read failed", "key", key, "error", err)
		return "", false
	case !ok:
		metrics.RecordEntitlementCache("miss")
		return "", false
	default:
		metrics.RecordEntitlementCache("hit")
		return v, true
	}
}

// fill caches a value loaded on a read. It never replaces an entry, so a
// concurrent recompute always wins.
func (p *Projector) fill(ctx context.Context, key, value string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.SetIfAbsent(ctx, key, value, p.ttl); err != nil {
		metrics.RecordEntitlementCache("error")
		logger.Warn("entitlement cache write failed", "key", key, "error", err)
	}
}

func (p *Projector) overwrite(ctx context.Context, key, value string) error {
	if p.cache == nil {
		return nil
	}
	if err := p.cache.Set(ctx, key, value, p.ttl); err != nil {
		metrics.RecordEntitlementCache("error")
		logger.Warn("entitlement cache write failed", "key", key, "error", err)
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (p *Projector) invalidate(ctx context.Context, key string) error {
	if p.cache == nil {
		return nil
	}
	if err := p.cache.Del(ctx, key); err != nil {
		metrics.RecordEntitlementCache("error")
		logger.Warn("entitlement cache invalidation failed", "key", key, "error", err)
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	return nil
}

func tierValue(tier string) string {
	if tier == "" {
		return noTier
	}
	return tier
}
