package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkwell/internal/config"
	"inkwell/internal/gateway"
)

func newTestWriter(repo *memRepo, gw *stubGateway) (*Writer, *recordingProjector) {
	proj := &recordingProjector{}
	if gw == nil {
		gw = &stubGateway{}
	}
	w := NewWriter(repo, gw, config.DefaultPlatform(), proj)
	w.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return w, proj
}

func authorCheckout() CheckoutCompleted {
	return CheckoutCompleted{
		Kind:            KindAuthorSubscription,
		SessionRef:      "cs_1",
		SubscriptionRef: "sub_a1",
		InvoiceRef:      "in_first",
		PaymentRef:      "pi_first",
		SubscriberID:    "reader-1",
		AuthorID:        "author-1",
		TierName:        "supporter",
		AmountCents:     500,
		Currency:        "usd",
	}
}

func TestAuthorCheckout_SplitsRevenue(t *testing.T) {
	repo := newMemRepo()
	w, proj := newTestWriter(repo, nil)

	require.NoError(t, w.AuthorCheckoutCompleted(context.Background(), authorCheckout()))

	rev := repo.revenueFor("author-1")
	require.Len(t, rev, 1)
	assert.Equal(t, int64(500), rev[0].GrossAmountCents)
	assert.Equal(t, int64(75), rev[0].PlatformFeeCents)
	assert.Equal(t, int64(425), rev[0].NetAmountCents)
	assert.Equal(t, "in_first", rev[0].SourceRef)

	require.Len(t, repo.txs, 1)
	tx := repo.txs[0]
	assert.Equal(t, TypeAuthorSubscriptionPayment, tx.Type)
	assert.Equal(t, int64(75), tx.PlatformFeeCents)
	assert.Equal(t, int64(425), tx.AuthorEarningCents)
	require.NotNil(t, tx.AuthorID)
	assert.Equal(t, "author-1", *tx.AuthorID)

	sub, err := repo.FindAuthorSubscriptionByRef(context.Background(), "sub_a1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, []string{"reader-1/author-1"}, proj.tiers)
}

func TestAuthorCheckout_ReplayIsNoop(t *testing.T) {
	repo := newMemRepo()
	w, _ := newTestWriter(repo, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, w.AuthorCheckoutCompleted(ctx, authorCheckout()))
	}
	assert.Len(t, repo.revenueFor("author-1"), 1)
	assert.Len(t, repo.txs, 1)
	assert.Len(t, repo.authorSubs, 1)
}

func TestAuthorCheckout_FirstInvoiceCollapses(t *testing.T) {
	repo := newMemRepo()
	w, _ := newTestWriter(repo, nil)
	ctx := context.Background()

	require.NoError(t, w.AuthorCheckoutCompleted(ctx, authorCheckout()))
	require.NoError(t, w.InvoicePaid(ctx, InvoicePayment{
		Kind:            KindAuthorSubscription,
		InvoiceRef:      "in_first",
		SubscriptionRef: "sub_a1",
		PaymentRef:      "pi_first",
		AmountCents:     500,
	}))

	assert.Len(t, repo.revenueFor("author-1"), 1)
	assert.Len(t, repo.txs, 1)
}

func TestInvoicePaid_Renewal(t *testing.T) {
	repo := newMemRepo()
	w, _ := newTestWriter(repo, nil)
	ctx := context.Background()

	require.NoError(t, w.AuthorCheckoutCompleted(ctx, authorCheckout()))
	renewal := InvoicePayment{
		Kind:            KindAuthorSubscription,
		InvoiceRef:      "in_second",
		SubscriptionRef: "sub_a1",
		PaymentRef:      "pi_second",
		AmountCents:     500,
		TierName:        "supporter",
	}
	require.NoError(t, w.InvoicePaid(ctx, renewal))
	require.NoError(t, w.InvoicePaid(ctx, renewal))

	rev := repo.revenueFor("author-1")
	require.Len(t, rev, 2)
	assert.Equal(t, int64(75), rev[1].PlatformFeeCents)
	assert.Equal(t, int64(425), rev[1].NetAmountCents)
	assert.Len(t, repo.txs, 2)

	var net int64
	for _, r := range rev {
		net += r.NetAmountCents
	}
	assert.Equal(t, int64(850), net)
}

func TestInvoicePaid_ResolvesKindFromGateway(t *testing.T) {
	repo := newMemRepo()
	gw := &stubGateway{snapshots: map[string]*gateway.SubscriptionSnapshot{
		"sub_x": {Ref: "sub_x", Metadata: map[string]string{
			MetaSubscriptionType: "author_subscription",
			MetaSubscriberID:     "reader-9",
			MetaAuthorID:         "author-9",
		}},
	}}
	w, _ := newTestWriter(repo, gw)

	err := w.InvoicePaid(context.Background(), InvoicePayment{
		InvoiceRef:      "in_x",
		SubscriptionRef: "sub_x",
		AmountCents:     1000,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, gw.calls)

	rev := repo.revenueFor("author-9")
	require.Len(t, rev, 1)
	assert.Equal(t, int64(150), rev[0].PlatformFeeCents)
	assert.Equal(t, int64(850), rev[0].NetAmountCents)
}

func TestInvoicePaid_ResolvesFromStoredSubscription(t *testing.T) {
	repo := newMemRepo()
	gw := &stubGateway{}
	w, _ := newTestWriter(repo, gw)
	ctx := context.Background()

	require.NoError(t, w.AuthorCheckoutCompleted(ctx, authorCheckout()))
	require.NoError(t, w.InvoicePaid(ctx, InvoicePayment{InvoiceRef: "in_2", SubscriptionRef: "sub_a1", AmountCents: 500}))

	assert.Equal(t, 0, gw.calls)
	assert.Len(t, repo.revenueFor("author-1"), 2)
}

func TestInvoicePaid_MissingDiscriminator(t *testing.T) {
	repo := newMemRepo()
	gw := &stubGateway{snapshots: map[string]*gateway.SubscriptionSnapshot{
		"sub_y": {Ref: "sub_y", Metadata: map[string]string{}},
	}}
	w, _ := newTestWriter(repo, gw)

	err := w.InvoicePaid(context.Background(), InvoicePayment{InvoiceRef: "in_y", SubscriptionRef: "sub_y", AmountCents: 500})
	assert.ErrorIs(t, err, ErrMissingMetadata)
	assert.Empty(t, repo.txs)
}

func TestInvoicePaid_TransientGatewayFailurePropagates(t *testing.T) {
	repo := newMemRepo()
	gw := &stubGateway{err: gateway.Transient("retrieve_subscription", errors.New("timeout"))}
	w, _ := newTestWriter(repo, gw)

	err := w.InvoicePaid(context.Background(), InvoicePayment{InvoiceRef: "in_z", SubscriptionRef: "sub_z", AmountCents: 500})
	assert.ErrorIs(t, err, gateway.ErrTransient)
	assert.Empty(t, repo.txs)
}

func TestInvoicePaid_ZeroAmountSkipped(t *testing.T) {
	repo := newMemRepo()
	w, _ := newTestWriter(repo, nil)

	require.NoError(t, w.InvoicePaid(context.Background(), InvoicePayment{InvoiceRef: "in_0", AmountCents: 0}))
	assert.Empty(t, repo.txs)
}

func TestReaderCheckout_BooksPlatformRevenue(t *testing.T) {
	repo := newMemRepo()
	w, proj := newTestWriter(repo, nil)

	err := w.ReaderCheckoutCompleted(context.Background(), CheckoutCompleted{
		Kind:            KindReaderPremium,
		SessionRef:      "cs_r",
		SubscriptionRef: "sub_r",
		InvoiceRef:      "in_r",
		SubscriberID:    "reader-2",
		AmountCents:     999,
		Interval:        IntervalAnnual,
	})
	require.NoError(t, err)

	sub, err := repo.FindSubscriptionByRef(context.Background(), "sub_r")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, IntervalAnnual, sub.BillingInterval)

	require.Len(t, repo.txs, 1)
	assert.Equal(t, int64(999), repo.txs[0].PlatformFeeCents)
	assert.Equal(t, int64(0), repo.txs[0].AuthorEarningCents)
	assert.Equal(t, "usd", repo.txs[0].Currency)
	assert.Equal(t, []string{"reader-2"}, proj.premium)
}

func TestReaderCheckout_MissingUser(t *testing.T) {
	w, _ := newTestWriter(newMemRepo(), nil)

	err := w.ReaderCheckoutCompleted(context.Background(), CheckoutCompleted{SubscriptionRef: "sub_r"})
	assert.ErrorIs(t, err, ErrMissingMetadata)
}

func TestSubscriptionUpdated_UnknownWithoutMetadata(t *testing.T) {
	w, proj := newTestWriter(newMemRepo(), nil)

	err := w.ReaderSubscriptionUpdated(context.Background(), SubscriptionChange{Ref: "sub_new", RawStatus: "active"})
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	assert.Empty(t, proj.premium)
}

func TestSubscriptionUpdated_UpsertsFromMetadata(t *testing.T) {
	repo := newMemRepo()
	w, proj := newTestWriter(repo, nil)

	err := w.ReaderSubscriptionUpdated(context.Background(), SubscriptionChange{
		Ref: "sub_new", RawStatus: "trialing", SubscriberID: "reader-3",
	})
	require.NoError(t, err)
	sub, err := repo.FindSubscriptionByRef(context.Background(), "sub_new")
	require.NoError(t, err)
	assert.Equal(t, StatusTrialing, sub.Status)
	assert.Equal(t, []string{"reader-3"}, proj.premium)
}

func TestSubscriptionLifecycle_CanceledIsTerminal(t *testing.T) {
	repo := newMemRepo()
	w, proj := newTestWriter(repo, nil)
	ctx := context.Background()

	require.NoError(t, w.ReaderCheckoutCompleted(ctx, CheckoutCompleted{
		SubscriptionRef: "sub_l", InvoiceRef: "in_l", SubscriberID: "reader-4", AmountCents: 500,
	}))

	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, w.ReaderSubscriptionUpdated(ctx, SubscriptionChange{
		Ref: "sub_l", RawStatus: "past_due", PeriodEnd: &end, CancelAtPeriodEnd: true,
	}))
	sub, _ := repo.FindSubscriptionByRef(ctx, "sub_l")
	assert.Equal(t, StatusPastDue, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, end, *sub.CurrentPeriodEnd)

	require.NoError(t, w.ReaderSubscriptionCanceled(ctx, SubscriptionChange{Ref: "sub_l"}))
	sub, _ = repo.FindSubscriptionByRef(ctx, "sub_l")
	assert.Equal(t, StatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)

	// A late update must not resurrect the subscription.
	require.NoError(t, w.ReaderSubscriptionUpdated(ctx, SubscriptionChange{Ref: "sub_l", RawStatus: "active"}))
	sub, _ = repo.FindSubscriptionByRef(ctx, "sub_l")
	assert.Equal(t, StatusCanceled, sub.Status)

	assert.Len(t, proj.premium, 4)
}

func TestAuthorSubscriptionUpdated_TierChange(t *testing.T) {
	repo := newMemRepo()
	w, _ := newTestWriter(repo, nil)
	ctx := context.Background()

	require.NoError(t, w.AuthorCheckoutCompleted(ctx, authorCheckout()))
	require.NoError(t, w.AuthorSubscriptionUpdated(ctx, SubscriptionChange{
		Ref: "sub_a1", RawStatus: "active", TierName: "patron", AmountCents: 2500,
	}))
	sub, err := repo.FindAuthorSubscriptionByRef(ctx, "sub_a1")
	require.NoError(t, err)
	assert.Equal(t, "patron", sub.TierName)
	assert.Equal(t, int64(2500), sub.AmountCents)

	// Trialing has no meaning for author subscriptions.
	require.NoError(t, w.AuthorSubscriptionUpdated(ctx, SubscriptionChange{Ref: "sub_a1", RawStatus: "trialing"}))
	sub, _ = repo.FindAuthorSubscriptionByRef(ctx, "sub_a1")
	assert.Equal(t, StatusIncomplete, sub.Status)
	assert.Equal(t, "patron", sub.TierName)
}

func TestAuthorResubscribeReplacesRef(t *testing.T) {
	repo := newMemRepo()
	w, _ := newTestWriter(repo, nil)
	ctx := context.Background()

	require.NoError(t, w.AuthorCheckoutCompleted(ctx, authorCheckout()))
	require.NoError(t, w.AuthorSubscriptionCanceled(ctx, SubscriptionChange{Ref: "sub_a1"}))

	again := authorCheckout()
	again.SubscriptionRef, again.InvoiceRef, again.PaymentRef = "sub_a2", "in_again", "pi_again"
	require.NoError(t, w.AuthorCheckoutCompleted(ctx, again))

	require.Len(t, repo.authorSubs, 1)
	sub, err := repo.FindAuthorSubscriptionByRef(ctx, "sub_a2")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Nil(t, sub.CanceledAt)
	assert.Len(t, repo.revenueFor("author-1"), 2)
}

func TestAuthorCheckout_UnknownTier(t *testing.T) {
	w, _ := newTestWriter(newMemRepo(), nil)
	c := authorCheckout()
	c.TierName = "platinum"

	err := w.AuthorCheckoutCompleted(context.Background(), c)
	assert.ErrorIs(t, err, ErrMissingMetadata)
}

func TestAuthorCheckout_FallsBackToTierPrice(t *testing.T) {
	repo := newMemRepo()
	w, _ := newTestWriter(repo, nil)
	c := authorCheckout()
	c.AmountCents = 0
	c.TierName = "enthusiast"

	require.NoError(t, w.AuthorCheckoutCompleted(context.Background(), c))
	rev := repo.revenueFor("author-1")
	require.Len(t, rev, 1)
	assert.Equal(t, int64(1000), rev[0].GrossAmountCents)
	assert.Equal(t, int64(150), rev[0].PlatformFeeCents)
}

func TestAuthorCheckout_InvariantViolationWritesNothing(t *testing.T) {
	repo := newMemRepo()
	w, _ := newTestWriter(repo, nil)
	w.platform.FeePercent = decimal.NewFromInt(150)

	err := w.AuthorCheckoutCompleted(context.Background(), authorCheckout())
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.Empty(t, repo.authorSubs)
	assert.Empty(t, repo.revenue)
	assert.Empty(t, repo.txs)
}

func TestAuthorCheckout_FailedWriteRollsBack(t *testing.T) {
	repo := newMemRepo()
	repo.failInsertTransaction = errors.New("connection lost")
	w, proj := newTestWriter(repo, nil)

	err := w.AuthorCheckoutCompleted(context.Background(), authorCheckout())
	require.Error(t, err)
	assert.Empty(t, repo.authorSubs)
	assert.Empty(t, repo.revenue)
	assert.Empty(t, proj.tiers)
}

func TestTip(t *testing.T) {
	repo := newMemRepo()
	w, _ := newTestWriter(repo, nil)
	tip := CheckoutCompleted{
		Kind: KindAuthorTip, SessionRef: "cs_t", PaymentRef: "pi_t",
		SubscriberID: "reader-5", AuthorID: "author-2", AmountCents: 333,
	}

	require.NoError(t, w.AuthorTipCompleted(context.Background(), tip))
	require.NoError(t, w.AuthorTipCompleted(context.Background(), tip))

	rev := repo.revenueFor("author-2")
	require.Len(t, rev, 1)
	assert.Equal(t, int64(50), rev[0].PlatformFeeCents)
	assert.Equal(t, int64(283), rev[0].NetAmountCents)
	require.Len(t, repo.txs, 1)
	assert.Equal(t, TypeTip, repo.txs[0].Type)
}

func TestPaymentFailed_MarksPastDue(t *testing.T) {
	repo := newMemRepo()
	w, proj := newTestWriter(repo, nil)
	ctx := context.Background()

	require.NoError(t, w.ReaderCheckoutCompleted(ctx, CheckoutCompleted{
		SubscriptionRef: "sub_p", InvoiceRef: "in_p", SubscriberID: "reader-6", AmountCents: 500,
	}))
	require.NoError(t, w.PaymentFailed(ctx, InvoicePayment{InvoiceRef: "in_p2", SubscriptionRef: "sub_p"}))

	sub, _ := repo.FindSubscriptionByRef(ctx, "sub_p")
	assert.Equal(t, StatusPastDue, sub.Status)
	assert.Len(t, repo.txs, 1)
	assert.Equal(t, []string{"reader-6", "reader-6"}, proj.premium)

	err := w.PaymentFailed(ctx, InvoicePayment{InvoiceRef: "in_q", SubscriptionRef: "sub_missing"})
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestConnectedAccountUpdated(t *testing.T) {
	repo := newMemRepo()
	repo.accounts["acct_1"] = false
	w, _ := newTestWriter(repo, nil)

	require.NoError(t, w.ConnectedAccountUpdated(context.Background(), AccountCapabilities{
		AccountRef: "acct_1", DetailsSubmitted: true, PayoutsEnabled: true,
	}))
	assert.True(t, repo.accounts["acct_1"])

	require.NoError(t, w.ConnectedAccountUpdated(context.Background(), AccountCapabilities{AccountRef: "acct_unknown"}))
}

func TestRecordRefund_ClawsBackAuthorShare(t *testing.T) {
	repo := newMemRepo()
	w, _ := newTestWriter(repo, nil)
	ctx := context.Background()

	require.NoError(t, w.AuthorCheckoutCompleted(ctx, authorCheckout()))
	origID := repo.txs[0].ID

	refund, err := w.RecordRefund(ctx, RefundRecord{TransactionID: origID, RefundRef: "re_1"})
	require.NoError(t, err)
	assert.Equal(t, TypeRefund, refund.Type)
	require.NotNil(t, refund.RefundedTransactionID)
	assert.Equal(t, origID, *refund.RefundedTransactionID)

	orig, _ := repo.GetTransaction(ctx, origID)
	assert.Equal(t, TxRefunded, orig.Status)

	var net int64
	for _, r := range repo.revenueFor("author-1") {
		net += r.NetAmountCents
	}
	assert.Equal(t, int64(0), net)

	_, err = w.RecordRefund(ctx, RefundRecord{TransactionID: origID, RefundRef: "re_2"})
	assert.ErrorIs(t, err, ErrAlreadyRefunded)
	assert.Len(t, repo.txs, 2)

	_, err = w.RecordRefund(ctx, RefundRecord{TransactionID: refund.ID, RefundRef: "re_3"})
	assert.ErrorIs(t, err, ErrNotRefundable)

	_, err = w.RecordRefund(ctx, RefundRecord{TransactionID: 999})
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestAuthorResubscribe_LateEventsForReplacedSubscription(t *testing.T) {
	repo := newMemRepo()
	w, proj := newTestWriter(repo, nil)
	ctx := context.Background()

	require.NoError(t, w.AuthorCheckoutCompleted(ctx, authorCheckout()))
	deleted := SubscriptionChange{
		Ref: "sub_a1", SubscriberID: "reader-1", AuthorID: "author-1", TierName: "supporter",
	}
	require.NoError(t, w.AuthorSubscriptionCanceled(ctx, deleted))

	again := authorCheckout()
	again.SubscriptionRef, again.InvoiceRef, again.PaymentRef = "sub_a2", "in_again", "pi_again"
	require.NoError(t, w.AuthorCheckoutCompleted(ctx, again))

	// Redeliveries of the old subscription's events leave sub_a2 alone.
	require.NoError(t, w.AuthorSubscriptionCanceled(ctx, deleted))
	require.NoError(t, w.AuthorSubscriptionUpdated(ctx, SubscriptionChange{
		Ref: "sub_a1", RawStatus: "active", SubscriberID: "reader-1", AuthorID: "author-1", TierName: "supporter",
	}))
	assert.Len(t, proj.tiers, 3)
	require.NoError(t, w.AuthorCheckoutCompleted(ctx, authorCheckout()))

	require.Len(t, repo.authorSubs, 1)
	live, err := repo.FindAuthorSubscription(ctx, "reader-1", "author-1")
	require.NoError(t, err)
	assert.Equal(t, "sub_a2", live.ExternalSubscriptionRef)
	assert.Equal(t, StatusActive, live.Status)
	assert.Nil(t, live.CanceledAt)

	old, ok := repo.history["sub_a1"]
	require.True(t, ok)
	assert.Equal(t, StatusCanceled, old.Status)
	require.NotNil(t, old.CanceledAt)

	assert.Len(t, repo.revenueFor("author-1"), 2)
}

func TestAuthorSubscriptionUpdated_UnknownRefDoesNotTakeOverPair(t *testing.T) {
	repo := newMemRepo()
	w, _ := newTestWriter(repo, nil)
	ctx := context.Background()
	require.NoError(t, w.AuthorCheckoutCompleted(ctx, authorCheckout()))

	unknown := SubscriptionChange{
		Ref: "sub_a9", RawStatus: "active", SubscriberID: "reader-1", AuthorID: "author-1", TierName: "patron",
	}
	err := w.AuthorSubscriptionUpdated(ctx, unknown)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	require.NoError(t, w.AuthorSubscriptionCanceled(ctx, unknown))
	live, err := repo.FindAuthorSubscription(ctx, "reader-1", "author-1")
	require.NoError(t, err)
	assert.Equal(t, "sub_a1", live.ExternalSubscriptionRef)
	assert.Equal(t, StatusActive, live.Status)
	assert.Equal(t, StatusCanceled, repo.history["sub_a9"].Status)
}

func TestSubscriptionUpdated_IgnoresOlderEvents(t *testing.T) {
	repo := newMemRepo()
	w, _ := newTestWriter(repo, nil)
	ctx := context.Background()
	t0 := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, w.ReaderCheckoutCompleted(ctx, CheckoutCompleted{
		SubscriptionRef: "sub_o", InvoiceRef: "in_o", SubscriberID: "reader-7", AmountCents: 500, EventAt: t0,
	}))
	require.NoError(t, w.ReaderSubscriptionUpdated(ctx, SubscriptionChange{Ref: "sub_o", RawStatus: "active", EventAt: t0.Add(time.Minute)}))
	require.NoError(t, w.ReaderSubscriptionUpdated(ctx, SubscriptionChange{Ref: "sub_o", RawStatus: "past_due", EventAt: t0.Add(2 * time.Minute)}))
	require.NoError(t, w.ReaderSubscriptionUpdated(ctx, SubscriptionChange{Ref: "sub_o", RawStatus: "active", EventAt: t0.Add(time.Minute)}))

	sub, err := repo.FindSubscriptionByRef(ctx, "sub_o")
	require.NoError(t, err)
	assert.Equal(t, StatusPastDue, sub.Status)
	require.NotNil(t, sub.LastEventAt)
	assert.True(t, sub.LastEventAt.Equal(t0.Add(2*time.Minute)))

	// A failed payment that predates the recovery does not undo it.
	require.NoError(t, w.ReaderSubscriptionUpdated(ctx, SubscriptionChange{Ref: "sub_o", RawStatus: "active", EventAt: t0.Add(4 * time.Minute)}))
	require.NoError(t, w.PaymentFailed(ctx, InvoicePayment{InvoiceRef: "in_o2", SubscriptionRef: "sub_o", EventAt: t0.Add(3 * time.Minute)}))
	sub, _ = repo.FindSubscriptionByRef(ctx, "sub_o")
	assert.Equal(t, StatusActive, sub.Status)

	// Cancellation is applied whatever its timestamp.
	require.NoError(t, w.ReaderSubscriptionCanceled(ctx, SubscriptionChange{Ref: "sub_o", EventAt: t0}))
	sub, _ = repo.FindSubscriptionByRef(ctx, "sub_o")
	assert.Equal(t, StatusCanceled, sub.Status)
	assert.True(t, sub.LastEventAt.Equal(t0.Add(4*time.Minute)))
}

func TestAuthorSubscription_PaymentFailedThenStaleActive(t *testing.T) {
	repo := newMemRepo()
	w, _ := newTestWriter(repo, nil)
	ctx := context.Background()
	t0 := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	c := authorCheckout()
	c.EventAt = t0
	require.NoError(t, w.AuthorCheckoutCompleted(ctx, c))
	require.NoError(t, w.PaymentFailed(ctx, InvoicePayment{
		Kind: KindAuthorSubscription, InvoiceRef: "in_f", SubscriptionRef: "sub_a1", EventAt: t0.Add(2 * time.Minute),
	}))
	require.NoError(t, w.AuthorSubscriptionUpdated(ctx, SubscriptionChange{Ref: "sub_a1", RawStatus: "active", EventAt: t0.Add(time.Minute)}))

	sub, err := repo.FindAuthorSubscriptionByRef(ctx, "sub_a1")
	require.NoError(t, err)
	assert.Equal(t, StatusPastDue, sub.Status)
}

func TestCheckoutWithoutInvoice_FirstInvoiceBooksOnce(t *testing.T) {
	repo := newMemRepo()
	w, _ := newTestWriter(repo, nil)
	ctx := context.Background()

	c := authorCheckout()
	c.InvoiceRef, c.PaymentRef = "", ""
	require.NoError(t, w.AuthorCheckoutCompleted(ctx, c))
	assert.Empty(t, repo.txs)
	assert.Empty(t, repo.revenueFor("author-1"))

	first := InvoicePayment{
		Kind: KindAuthorSubscription, InvoiceRef: "in_first", SubscriptionRef: "sub_a1",
		PaymentRef: "pi_first", AmountCents: 500, FirstPeriod: true,
	}
	require.NoError(t, w.InvoicePaid(ctx, first))
	require.NoError(t, w.AuthorCheckoutCompleted(ctx, c))
	require.NoError(t, w.InvoicePaid(ctx, first))

	rev := repo.revenueFor("author-1")
	require.Len(t, rev, 1)
	assert.Equal(t, "supporter subscription", rev[0].Description)
	assert.Len(t, repo.txs, 1)

	renewal := first
	renewal.InvoiceRef, renewal.PaymentRef, renewal.FirstPeriod = "in_second", "pi_second", false
	require.NoError(t, w.InvoicePaid(ctx, renewal))
	rev = repo.revenueFor("author-1")
	require.Len(t, rev, 2)
	assert.Equal(t, "supporter subscription renewal", rev[1].Description)
}
