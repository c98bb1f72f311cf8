package payout

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"inkwell/internal/gateway"
)

// memRepo is an in-memory Repository. The account lock is a TryLock so a
// contended reservation fails the way FOR UPDATE NOWAIT does.
type memRepo struct {
	mu       sync.Mutex
	rowLock  sync.Mutex
	accounts map[string]*Account
	earned   map[string]int64
	payouts  []*Payout
	created  time.Time

	// onReserve runs while the account lock is held.
	onReserve func()
}

func newMemRepo() *memRepo {
	return &memRepo{
		accounts: map[string]*Account{},
		earned:   map[string]int64{},
		created:  time.Now().Add(-time.Hour),
	}
}

func (r *memRepo) addAccount(authorID string, enabled, hold bool) {
	r.accounts[authorID] = &Account{
		AuthorID:           authorID,
		ExternalAccountRef: "acct_" + authorID,
		OnboardingComplete: enabled,
		PayoutsEnabled:     enabled,
		PayoutHold:         hold,
	}
}

func (r *memRepo) GetAccount(ctx context.Context, authorID string) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[authorID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (r *memRepo) SetHold(ctx context.Context, authorID string, hold bool, reason string) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[authorID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	acc.PayoutHold, acc.HoldReason = hold, reason
	cp := *acc
	return &cp, nil
}

func (r *memRepo) Earnings(ctx context.Context, authorID string) (*Earnings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.earningsLocked(authorID), nil
}

func (r *memRepo) earningsLocked(authorID string) *Earnings {
	e := &Earnings{AuthorID: authorID, TotalEarnedCents: r.earned[authorID], PeriodStart: r.created}
	for _, p := range r.payouts {
		if p.AuthorID != authorID {
			continue
		}
		switch p.Status {
		case StatusPaid:
			e.PaidOutCents += p.AmountCents
		case StatusPending:
			e.PendingCents += p.AmountCents
		}
		if p.Status != StatusFailed && p.PeriodEnd.After(e.PeriodStart) {
			e.PeriodStart = p.PeriodEnd
		}
	}
	return e
}

func (r *memRepo) ReservePayout(ctx context.Context, authorID string, fn ReserveFunc) (*Payout, error) {
	if !r.rowLock.TryLock() {
		return nil, ErrBalanceRace
	}
	defer r.rowLock.Unlock()

	acc, err := r.GetAccount(ctx, authorID)
	if err != nil {
		return nil, err
	}
	if r.onReserve != nil {
		r.onReserve()
	}
	e, _ := r.Earnings(ctx, authorID)
	p, err := fn(acc, e)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p.ID = int64(len(r.payouts) + 1)
	p.CreatedAt = r.created
	r.payouts = append(r.payouts, p)
	cp := *p
	return &cp, nil
}

func (r *memRepo) find(match func(*Payout) bool) (*Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payouts {
		if match(p) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPayoutNotFound
}

func (r *memRepo) GetPayout(ctx context.Context, id int64) (*Payout, error) {
	return r.find(func(p *Payout) bool { return p.ID == id })
}

func (r *memRepo) FindByExternalRef(ctx context.Context, ref string) (*Payout, error) {
	return r.find(func(p *Payout) bool { return p.ExternalPayoutRef != nil && *p.ExternalPayoutRef == ref })
}

func (r *memRepo) ListPayouts(ctx context.Context, authorID string, limit, offset int) ([]Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Payout{}
	for _, p := range r.payouts {
		if p.AuthorID == authorID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *memRepo) ListStalePending(ctx context.Context, createdBefore time.Time) ([]Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Payout{}
	for _, p := range r.payouts {
		if p.Status == StatusPending && p.ExternalPayoutRef == nil && p.CreatedAt.Before(createdBefore) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *memRepo) SetExternalRef(ctx context.Context, id int64, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payouts {
		if p.ID == id && p.Status == StatusPending {
			p.ExternalPayoutRef = &ref
		}
	}
	return nil
}

func (r *memRepo) MarkPaid(ctx context.Context, id int64, ref string) (bool, error) {
	return r.transition(id, func(p *Payout) {
		p.Status = StatusPaid
		if ref != "" {
			p.ExternalPayoutRef = &ref
		}
	})
}

func (r *memRepo) MarkFailed(ctx context.Context, id int64, reason string) (bool, error) {
	return r.transition(id, func(p *Payout) {
		p.Status = StatusFailed
		p.FailureReason = reason
	})
}

func (r *memRepo) transition(id int64, apply func(*Payout)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payouts {
		if p.ID == id && p.Status == StatusPending {
			apply(p)
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) status(id int64) Status {
	p, err := r.GetPayout(context.Background(), id)
	if err != nil {
		return ""
	}
	return p.Status
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) RetrieveSubscription(ctx context.Context, ref string) (*gateway.SubscriptionSnapshot, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.SubscriptionSnapshot), args.Error(1)
}

func (m *MockGateway) IssueRefund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.RefundResult), args.Error(1)
}

func (m *MockGateway) IssuePayout(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.PayoutResult), args.Error(1)
}

func (m *MockGateway) CreateLoginLink(ctx context.Context, accountRef string) (string, error) {
	args := m.Called(ctx, accountRef)
	return args.String(0), args.Error(1)
}

type recordingAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (a *recordingAlerter) Alert(ctx context.Context, subject, body string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subjects)
}
