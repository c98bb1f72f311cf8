package ledger

import (
	"context"
	"errors"
	"time"

	"inkwell/internal/gateway"
)

// memRepo mirrors the conflict rules of the Postgres repository in memory.
// WithTx snapshots state and restores it when fn fails.
type memRepo struct {
	subs       map[string]*Subscription
	authorSubs map[string]*AuthorSubscription
	history    map[string]AuthorSubscription
	txs        []*Transaction
	revenue    []*AuthorRevenue
	accounts   map[string]bool
	nextID     int64

	failInsertTransaction error
}

func newMemRepo() *memRepo {
	return &memRepo{
		subs:       map[string]*Subscription{},
		authorSubs: map[string]*AuthorSubscription{},
		history:    map[string]AuthorSubscription{},
		accounts:   map[string]bool{},
	}
}

type memSnapshot struct {
	subs       map[string]Subscription
	authorSubs map[string]AuthorSubscription
	history    map[string]AuthorSubscription
	txs        []Transaction
	revenue    []AuthorRevenue
	nextID     int64
}

func (m *memRepo) snapshot() memSnapshot {
	s := memSnapshot{
		subs:       map[string]Subscription{},
		authorSubs: map[string]AuthorSubscription{},
		history:    map[string]AuthorSubscription{},
		nextID:     m.nextID,
	}
	for k, v := range m.history {
		s.history[k] = v
	}
	for k, v := range m.subs {
		s.subs[k] = *v
	}
	for k, v := range m.authorSubs {
		s.authorSubs[k] = *v
	}
	for _, t := range m.txs {
		s.txs = append(s.txs, *t)
	}
	for _, r := range m.revenue {
		s.revenue = append(s.revenue, *r)
	}
	return s
}

func (m *memRepo) restore(s memSnapshot) {
	m.subs, m.authorSubs, m.txs, m.revenue, m.nextID = map[string]*Subscription{}, map[string]*AuthorSubscription{}, nil, nil, s.nextID
	m.history = s.history
	for k, v := range s.subs {
		v := v
		m.subs[k] = &v
	}
	for k, v := range s.authorSubs {
		v := v
		m.authorSubs[k] = &v
	}
	for i := range s.txs {
		m.txs = append(m.txs, &s.txs[i])
	}
	for i := range s.revenue {
		m.revenue = append(m.revenue, &s.revenue[i])
	}
}

func (m *memRepo) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	snap := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memRepo) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memRepo) FindSubscriptionByRef(ctx context.Context, ref string) (*Subscription, error) {
	s, ok := m.subs[ref]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memRepo) CreateSubscription(ctx context.Context, s *Subscription) (*Subscription, error) {
	if cur, ok := m.subs[s.ExternalSubscriptionRef]; ok {
		if s.AmountCents > 0 {
			cur.AmountCents = s.AmountCents
		}
		cur.BillingInterval = s.BillingInterval
		cp := *cur
		return &cp, nil
	}
	row := *s
	row.ID = m.id()
	m.subs[s.ExternalSubscriptionRef] = &row
	cp := row
	return &cp, nil
}

func (m *memRepo) UpdateSubscription(ctx context.Context, s *Subscription) (*Subscription, error) {
	cur, ok := m.subs[s.ExternalSubscriptionRef]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	if applies(cur.Status, cur.LastEventAt, s.Status, s.LastEventAt) {
		canceledAt, last := firstTime(cur.CanceledAt, s.CanceledAt), firstTime(s.LastEventAt, cur.LastEventAt)
		*cur = *s
		cur.CanceledAt, cur.LastEventAt = canceledAt, last
	}
	cp := *cur
	return &cp, nil
}

// applies mirrors the WHERE clause of the guarded subscription UPDATEs.
func applies(curStatus SubscriptionStatus, curLast *time.Time, status SubscriptionStatus, last *time.Time) bool {
	if curStatus == StatusCanceled {
		return false
	}
	return curLast == nil || status == StatusCanceled || last == nil || !last.Before(*curLast)
}

func firstTime(a, b *time.Time) *time.Time {
	if a != nil {
		return a
	}
	return b
}

func (m *memRepo) FindAuthorSubscriptionByRef(ctx context.Context, ref string) (*AuthorSubscription, error) {
	for _, s := range m.authorSubs {
		if s.ExternalSubscriptionRef == ref {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *memRepo) FindAuthorSubscription(ctx context.Context, subscriberID, authorID string) (*AuthorSubscription, error) {
	cur, ok := m.authorSubs[subscriberID+"/"+authorID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *cur
	return &cp, nil
}

func (m *memRepo) CreateAuthorSubscription(ctx context.Context, s *AuthorSubscription) (*AuthorSubscription, bool, error) {
	key := s.SubscriberID + "/" + s.AuthorID
	if _, ok := m.authorSubs[key]; ok {
		return nil, false, nil
	}
	if _, err := m.FindAuthorSubscriptionByRef(ctx, s.ExternalSubscriptionRef); err == nil {
		return nil, false, nil
	}
	row := *s
	row.ID = m.id()
	row.CreatedAt = time.Now()
	m.authorSubs[key] = &row
	cp := row
	return &cp, true, nil
}

func (m *memRepo) ReplaceAuthorSubscription(ctx context.Context, previousRef string, s *AuthorSubscription) (*AuthorSubscription, error) {
	cur, ok := m.authorSubs[s.SubscriberID+"/"+s.AuthorID]
	if !ok || cur.ExternalSubscriptionRef != previousRef {
		return nil, ErrSubscriptionNotFound
	}
	id := cur.ID
	*cur = *s
	cur.ID = id
	cur.CreatedAt = time.Now()
	cp := *cur
	return &cp, nil
}

func (m *memRepo) UpdateAuthorSubscription(ctx context.Context, s *AuthorSubscription) (*AuthorSubscription, error) {
	for _, cur := range m.authorSubs {
		if cur.ExternalSubscriptionRef != s.ExternalSubscriptionRef {
			continue
		}
		if applies(cur.Status, cur.LastEventAt, s.Status, s.LastEventAt) {
			canceledAt, last := firstTime(cur.CanceledAt, s.CanceledAt), firstTime(s.LastEventAt, cur.LastEventAt)
			*cur = *s
			cur.CanceledAt, cur.LastEventAt = canceledAt, last
		}
		cp := *cur
		return &cp, nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *memRepo) ArchiveAuthorSubscription(ctx context.Context, s *AuthorSubscription) error {
	if _, ok := m.history[s.ExternalSubscriptionRef]; !ok {
		m.history[s.ExternalSubscriptionRef] = *s
	}
	return nil
}

func (m *memRepo) AuthorSubscriptionArchived(ctx context.Context, ref string) (bool, error) {
	_, ok := m.history[ref]
	return ok, nil
}

func (m *memRepo) UpdateArchivedAuthorSubscription(ctx context.Context, ref string, canceledAt *time.Time) (bool, error) {
	row, ok := m.history[ref]
	if !ok {
		return false, nil
	}
	if canceledAt != nil {
		row.Status = StatusCanceled
		row.CanceledAt = firstTime(row.CanceledAt, canceledAt)
	}
	m.history[ref] = row
	return true, nil
}

func (m *memRepo) InsertTransaction(ctx context.Context, t *Transaction) (bool, error) {
	if m.failInsertTransaction != nil {
		return false, m.failInsertTransaction
	}
	for _, cur := range m.txs {
		if conflicts(cur, t) {
			return false, nil
		}
	}
	row := *t
	row.ID = m.id()
	row.CreatedAt = time.Now()
	t.ID, t.CreatedAt = row.ID, row.CreatedAt
	m.txs = append(m.txs, &row)
	return true, nil
}

func conflicts(a, b *Transaction) bool {
	if a.Type == TypeRefund || b.Type == TypeRefund {
		return a.Type == TypeRefund && b.Type == TypeRefund &&
			a.RefundedTransactionID != nil && b.RefundedTransactionID != nil &&
			*a.RefundedTransactionID == *b.RefundedTransactionID
	}
	if a.ExternalInvoiceRef != nil && b.ExternalInvoiceRef != nil {
		return *a.ExternalInvoiceRef == *b.ExternalInvoiceRef
	}
	if a.ExternalInvoiceRef == nil && b.ExternalInvoiceRef == nil &&
		a.ExternalPaymentRef != nil && b.ExternalPaymentRef != nil {
		return *a.ExternalPaymentRef == *b.ExternalPaymentRef
	}
	return false
}

func (m *memRepo) InsertRevenue(ctx context.Context, r *AuthorRevenue) (bool, error) {
	for _, cur := range m.revenue {
		if cur.SourceRef == r.SourceRef {
			return false, nil
		}
	}
	row := *r
	row.ID = m.id()
	r.ID = row.ID
	m.revenue = append(m.revenue, &row)
	return true, nil
}

func (m *memRepo) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	for _, t := range m.txs {
		if t.ID == id {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *memRepo) LockTransaction(ctx context.Context, id int64) (*Transaction, error) {
	return m.GetTransaction(ctx, id)
}

func (m *memRepo) HasRefund(ctx context.Context, transactionID int64) (bool, error) {
	for _, t := range m.txs {
		if t.Type == TypeRefund && t.RefundedTransactionID != nil && *t.RefundedTransactionID == transactionID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRepo) MarkTransactionRefunded(ctx context.Context, id int64) error {
	for _, t := range m.txs {
		if t.ID == id && t.Status == TxSucceeded {
			t.Status = TxRefunded
			return nil
		}
	}
	return ErrAlreadyRefunded
}

func (m *memRepo) UpdateAccountCapabilities(ctx context.Context, accountRef string, onboardingComplete, payoutsEnabled bool) (bool, error) {
	if _, ok := m.accounts[accountRef]; !ok {
		return false, nil
	}
	m.accounts[accountRef] = payoutsEnabled
	return true, nil
}

func (m *memRepo) revenueFor(authorID string) []*AuthorRevenue {
	var out []*AuthorRevenue
	for _, r := range m.revenue {
		if r.AuthorID == authorID {
			out = append(out, r)
		}
	}
	return out
}

type stubGateway struct {
	snapshots map[string]*gateway.SubscriptionSnapshot
	err       error
	calls     int
}

func (g *stubGateway) RetrieveSubscription(ctx context.Context, ref string) (*gateway.SubscriptionSnapshot, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	snap, ok := g.snapshots[ref]
	if !ok {
		return nil, gateway.Permanent("retrieve_subscription", errors.New("no such subscription"))
	}
	return snap, nil
}

func (g *stubGateway) IssueRefund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	return nil, errors.New("not used")
}

func (g *stubGateway) IssuePayout(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
	return nil, errors.New("not used")
}

func (g *stubGateway) CreateLoginLink(ctx context.Context, accountRef string) (string, error) {
	return "", errors.New("not used")
}

type recordingProjector struct {
	premium []string
	tiers   []string
}

func (p *recordingProjector) RecomputePremium(ctx context.Context, userID string) error {
	p.premium = append(p.premium, userID)
	return nil
}

func (p *recordingProjector) RecomputeAuthorTier(ctx context.Context, subscriberID, authorID string) error {
	p.tiers = append(p.tiers, subscriberID+"/"+authorID)
	return nil
}
