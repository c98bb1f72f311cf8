package payout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"inkwell/internal/config"
	"inkwell/internal/gateway"
	"inkwell/internal/ledger"
	"inkwell/internal/logger"
	"inkwell/internal/metrics"
)

var (
	ErrNotEligible  = errors.New("not eligible for payout")
	ErrPayoutFailed = errors.New("payout failed")
	// ErrPayoutPending means the gateway could not confirm the transfer. The
	// payout stays reserved and is retried by reconciliation.
	ErrPayoutPending = errors.New("payout submitted, confirmation pending")
)

// Alerter raises an operational alert.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

type Manager struct {
	repo       Repository
	gw         gateway.Gateway
	alerts     Alerter
	platform   config.Platform
	staleAfter time.Duration
	now        func() time.Time
}

func NewManager(repo Repository, gw gateway.Gateway, alerts Alerter, platform config.Platform, staleAfter time.Duration) *Manager {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Manager{
		repo:       repo,
		gw:         gw,
		alerts:     alerts,
		platform:   platform,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (m *Manager) Earnings(ctx context.Context, authorID string) (*EarningsResponse, error) {
	e, err := m.repo.Earnings(ctx, authorID)
	if err != nil {
		return nil, fmt.Errorf("earnings for %s: %w", authorID, err)
	}
	return &EarningsResponse{
		AuthorID:         authorID,
		TotalEarnedCents: e.TotalEarnedCents,
		PaidOutCents:     e.PaidOutCents,
		PendingCents:     e.PendingCents,
		BalanceCents:     e.BalanceCents(),
		AvailableCents:   e.AvailableCents(),
		Currency:         m.platform.Currency,
	}, nil
}

// EligibleBalance is the amount a payout requested now would carry.
func (m *Manager) EligibleBalance(ctx context.Context, authorID string) (int64, error) {
	e, err := m.repo.Earnings(ctx, authorID)
	if err != nil {
		return 0, fmt.Errorf("earnings for %s: %w", authorID, err)
	}
	return e.AvailableCents(), nil
}

func (m *Manager) CanPayout(ctx context.Context, authorID string) (*Eligibility, error) {
	acc, err := m.repo.GetAccount(ctx, authorID)
	if errors.Is(err, ErrAccountNotFound) {
		acc = nil
	} else if err != nil {
		return nil, err
	}
	e, err := m.repo.Earnings(ctx, authorID)
	if err != nil {
		return nil, fmt.Errorf("earnings for %s: %w", authorID, err)
	}
	el := m.evaluate(acc, e)
	return &el, nil
}

func (m *Manager) evaluate(acc *Account, e *Earnings) Eligibility {
	el := Eligibility{AvailableCents: e.AvailableCents(), MinPayoutCents: m.platform.MinPayoutCents}
	switch {
	case acc == nil:
		el.Reason = "no payout account connected"
	case !acc.PayoutsEnabled:
		el.Reason = "payouts are not enabled on the connected account"
	case acc.PayoutHold:
		el.Reason = "payouts are on hold"
		if acc.HoldReason != "" {
			el.Reason += ": " + acc.HoldReason
		}
	case el.AvailableCents < m.platform.MinPayoutCents:
		el.Reason = fmt.Sprintf("available balance %d is below the minimum of %d", el.AvailableCents, m.platform.MinPayoutCents)
	default:
		el.Eligible = true
	}
	return el
}

// RequestPayout reserves the author's whole available balance as a pending
// payout and issues the transfer. The returned payout is non-nil whenever a
// row was reserved, even if the gateway call did not succeed.
func (m *Manager) RequestPayout(ctx context.Context, authorID, requestedBy string) (*Payout, error) {
	var accountRef string
	p, err := m.repo.ReservePayout(ctx, authorID, func(acc *Account, e *Earnings) (*Payout, error) {
		el := m.evaluate(acc, e)
		if !el.Eligible {
			return nil, fmt.Errorf("%w: %s", ErrNotEligible, el.Reason)
		}
		accountRef = acc.ExternalAccountRef
		return &Payout{
			AuthorID:       authorID,
			AmountCents:    el.AvailableCents,
			Currency:       m.platform.Currency,
			Status:         StatusPending,
			IdempotencyKey: uuid.NewString(),
			PeriodStart:    e.PeriodStart,
			PeriodEnd:      m.now(),
			ProcessedBy:    &requestedBy,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordPayout(string(StatusPending))
	logger.Info("payout reserved", "payout_id", p.ID, "author_id", authorID, "amount_cents", p.AmountCents)

	return p, m.issue(ctx, p, accountRef)
}

// issue sends the transfer for a pending payout. Transient failures leave
// the row pending: the transfer may have landed, and the idempotency key
// makes a later re-issue safe.
func (m *Manager) issue(ctx context.Context, p *Payout, accountRef string) error {
	res, err := m.gw.IssuePayout(ctx, gateway.PayoutRequest{
		AccountRef:     accountRef,
		AmountCents:    p.AmountCents,
		Currency:       p.Currency,
		IdempotencyKey: p.IdempotencyKey,
		Metadata: map[string]string{
			ledger.MetaPayoutID: strconv.FormatInt(p.ID, 10),
			ledger.MetaAuthorID: p.AuthorID,
		},
	})
	if err != nil {
		if !gateway.IsPermanent(err) {
			logger.Warn("payout left pending after gateway failure", "payout_id", p.ID, "error", err)
			return fmt.Errorf("%w: %s", ErrPayoutPending, gateway.Reason(err))
		}
		reason := gateway.Reason(err)
		if err := m.fail(ctx, p, reason); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrPayoutFailed, reason)
	}

	p.ExternalPayoutRef = &res.Ref
	if res.Settled {
		if _, err := m.repo.MarkPaid(ctx, p.ID, res.Ref); err != nil {
			return fmt.Errorf("mark payout %d paid: %w", p.ID, err)
		}
		p.Status = StatusPaid
		metrics.RecordPayout(string(StatusPaid))
		logger.Info("payout paid", "payout_id", p.ID, "external_ref", res.Ref)
		return nil
	}
	if err := m.repo.SetExternalRef(ctx, p.ID, res.Ref); err != nil {
		return fmt.Errorf("record payout %d ref: %w", p.ID, err)
	}
	logger.Info("payout submitted", "payout_id", p.ID, "external_ref", res.Ref)
	return nil
}

func (m *Manager) fail(ctx context.Context, p *Payout, reason string) error {
	changed, err := m.repo.MarkFailed(ctx, p.ID, reason)
	if err != nil {
		return fmt.Errorf("mark payout %d failed: %w", p.ID, err)
	}
	if !changed {
		return nil
	}
	p.Status = StatusFailed
	p.FailureReason = reason
	metrics.RecordPayout(string(StatusFailed))
	logger.Error("payout failed", "payout_id", p.ID, "author_id", p.AuthorID, "reason", reason)
	m.alert(ctx, fmt.Sprintf("Payout %d failed", p.ID),
		fmt.Sprintf("Payout %d of %d %s for author %s failed: %s", p.ID, p.AmountCents, p.Currency, p.AuthorID, reason))
	return nil
}

// MarkPaid settles a payout from a gateway event. Events for payouts that
// already left pending are ignored.
func (m *Manager) MarkPaid(ctx context.Context, ev Event) error {
	p, err := m.resolve(ctx, ev)
	if err != nil {
		return err
	}
	// Keep the transfer reference recorded at issue time.
	ref := ev.ExternalRef
	if p.ExternalPayoutRef != nil {
		ref = ""
	}
	changed, err := m.repo.MarkPaid(ctx, p.ID, ref)
	if err != nil {
		return fmt.Errorf("mark payout %d paid: %w", p.ID, err)
	}
	if changed {
		metrics.RecordPayout(string(StatusPaid))
		logger.Info("payout paid", "payout_id", p.ID, "external_ref", ev.ExternalRef)
	}
	return nil
}

func (m *Manager) MarkFailed(ctx context.Context, ev Event) error {
	p, err := m.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if p.Status == StatusPaid {
		logger.Warn("failure event for a paid payout ignored", "payout_id", p.ID)
		return nil
	}
	reason := ev.Reason
	if reason == "" {
		reason = "reported failed by gateway"
	}
	return m.fail(ctx, p, reason)
}

func (m *Manager) resolve(ctx context.Context, ev Event) (*Payout, error) {
	if ev.PayoutID > 0 {
		return m.repo.GetPayout(ctx, ev.PayoutID)
	}
	if ev.ExternalRef != "" {
		return m.repo.FindByExternalRef(ctx, ev.ExternalRef)
	}
	return nil, ErrPayoutNotFound
}

// ReconcileStale re-issues pending payouts whose gateway command never got a
// reference back. Accounts that lost eligibility in the meantime have the
// payout failed, which releases the balance.
func (m *Manager) ReconcileStale(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	stale, err := m.repo.ListStalePending(ctx, m.now().Add(-m.staleAfter))
	if err != nil {
		return res, fmt.Errorf("list stale payouts: %w", err)
	}

	for i := range stale {
		p := &stale[i]
		res.Checked++

		acc, err := m.repo.GetAccount(ctx, p.AuthorID)
		if err != nil {
			return res, fmt.Errorf("account for payout %d: %w", p.ID, err)
		}
		if acc.PayoutHold || !acc.PayoutsEnabled {
			if err := m.fail(ctx, p, "payout account no longer eligible"); err != nil {
				return res, err
			}
			res.Failed++
			continue
		}

		err = m.issue(ctx, p, acc.ExternalAccountRef)
		switch {
		case errors.Is(err, ErrPayoutFailed):
			res.Failed++
		case errors.Is(err, ErrPayoutPending):
			res.Pending++
		case err != nil:
			return res, err
		case p.Status == StatusPaid:
			res.Paid++
		default:
			res.Pending++
		}
	}

	logger.Info("stale payouts reconciled",
		"checked", res.Checked, "paid", res.Paid, "failed", res.Failed, "pending", res.Pending)
	return res, nil
}

func (m *Manager) ListPayouts(ctx context.Context, authorID string, limit, offset int) ([]Payout, error) {
	return m.repo.ListPayouts(ctx, authorID, limit, offset)
}

// DashboardLink returns a one-time login link to the author's connected
// account dashboard.
func (m *Manager) DashboardLink(ctx context.Context, authorID string) (string, error) {
	acc, err := m.repo.GetAccount(ctx, authorID)
	if err != nil {
		return "", err
	}
	url, err := m.gw.CreateLoginLink(ctx, acc.ExternalAccountRef)
	if err != nil {
		return "", fmt.Errorf("login link for %s: %w", authorID, err)
	}
	return url, nil
}

func (m *Manager) alert(ctx context.Context, subject, body string) {
	if m.alerts == nil {
		return
	}
	if err := m.alerts.Alert(ctx, subject, body); err != nil {
		logger.Error("failed to raise alert", "subject", subject, "error", err)
	}
}
