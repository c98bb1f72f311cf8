package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inkwell/internal/config"
	"inkwell/internal/gateway"
	"inkwell/internal/logger"
	"inkwell/internal/metrics"
)

// Projector refreshes derived entitlement state after a subscription write
// has committed.
type Projector interface {
	RecomputePremium(ctx context.Context, userID string) error
	RecomputeAuthorTier(ctx context.Context, subscriberID, authorID string) error
}

// Writer turns payment events into ledger rows. Every handler is idempotent
// on the gateway's natural keys, so redelivered events are no-op updates.
type Writer struct {
	repo      Repository
	gw        gateway.Gateway
	platform  config.Platform
	projector Projector
	now       func() time.Time
}

func NewWriter(repo Repository, gw gateway.Gateway, platform config.Platform, projector Projector) *Writer {
	return &Writer{
		repo:      repo,
		gw:        gw,
		platform:  platform,
		projector: projector,
		now:       time.Now,
	}
}

func (w *Writer) ReaderCheckoutCompleted(ctx context.Context, c CheckoutCompleted) error {
	if c.SubscriberID == "" {
		return missingf("reader checkout %s has no user id", c.SessionRef)
	}
	if c.SubscriptionRef == "" {
		return missingf("reader checkout %s has no subscription", c.SessionRef)
	}
	split, err := PlatformOnly(c.AmountCents)
	if err != nil {
		return err
	}

	sub := &Subscription{
		UserID:                  c.SubscriberID,
		Status:                  MapStatus(defaultStatus(c.RawStatus), true),
		BillingInterval:         intervalOr(c.Interval, IntervalMonthly),
		ExternalSubscriptionRef: c.SubscriptionRef,
		AmountCents:             c.AmountCents,
		CurrentPeriodStart:      c.PeriodStart,
		CurrentPeriodEnd:        c.PeriodEnd,
		LastEventAt:             eventTime(c.EventAt),
	}
	invoiceRef, paymentRef := c.refs()

	err = w.repo.WithTx(ctx, func(tx Repository) error {
		if _, err := tx.CreateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("create subscription: %w", err)
		}
		if !w.booksFirstPeriod(c, split) {
			return nil
		}
		return w.insertTransaction(ctx, tx, &Transaction{
			UserID:             c.SubscriberID,
			Type:               TypeSubscriptionPayment,
			Status:             TxSucceeded,
			AmountCents:        split.Gross,
			PlatformFeeCents:   split.Fee,
			AuthorEarningCents: split.Net,
			Currency:           w.currency(c.Currency),
			ExternalPaymentRef: strPtr(paymentRef),
			ExternalInvoiceRef: strPtr(invoiceRef),
		})
	})
	if err != nil {
		return err
	}

	logger.Info("reader checkout recorded", "user_id", c.SubscriberID, "subscription_ref", c.SubscriptionRef)
	w.recomputePremium(ctx, c.SubscriberID)
	return nil
}

func (w *Writer) AuthorCheckoutCompleted(ctx context.Context, c CheckoutCompleted) error {
	if c.SubscriberID == "" || c.AuthorID == "" {
		return missingf("author checkout %s lacks subscriber or author id", c.SessionRef)
	}
	if c.SubscriptionRef == "" {
		return missingf("author checkout %s has no subscription", c.SessionRef)
	}
	if w.platform.TierRank(c.TierName) < 0 {
		return missingf("author checkout %s has unknown tier %q", c.SessionRef, c.TierName)
	}

	amount := c.AmountCents
	if amount == 0 {
		amount = w.platform.TierPrices[c.TierName]
	}
	split, err := SplitFee(amount, w.platform.FeePercent)
	if err != nil {
		return err
	}

	sub := &AuthorSubscription{
		SubscriberID:            c.SubscriberID,
		AuthorID:                c.AuthorID,
		TierName:                c.TierName,
		Status:                  MapStatus(defaultStatus(c.RawStatus), false),
		ExternalSubscriptionRef: c.SubscriptionRef,
		AmountCents:             amount,
		CurrentPeriodStart:      c.PeriodStart,
		CurrentPeriodEnd:        c.PeriodEnd,
		LastEventAt:             eventTime(c.EventAt),
	}
	invoiceRef, paymentRef := c.refs()

	err = w.repo.WithTx(ctx, func(tx Repository) error {
		if err := w.openAuthorSubscription(ctx, tx, sub); err != nil {
			return err
		}
		if !w.booksFirstPeriod(c, split) {
			return nil
		}
		return w.insertEarning(ctx, tx, c.SubscriberID, c.AuthorID, TypeAuthorSubscriptionPayment, split,
			w.currency(c.Currency), invoiceRef, paymentRef,
			fmt.Sprintf("%s subscription", c.TierName))
	})
	if err != nil {
		return err
	}

	logger.Info("author checkout recorded",
		"subscriber_id", c.SubscriberID, "author_id", c.AuthorID, "tier", c.TierName, "fee_cents", split.Fee, "net_cents", split.Net)
	w.recomputeAuthorTier(ctx, c.SubscriberID, c.AuthorID)
	return nil
}

// openAuthorSubscription makes sub the live row of its (subscriber, author)
// pair. A checkout for a new gateway subscription archives the previous one
// and takes over the row, unless that row has already seen a newer event.
func (w *Writer) openAuthorSubscription(ctx context.Context, tx Repository, sub *AuthorSubscription) error {
	ref := sub.ExternalSubscriptionRef
	archived, err := tx.AuthorSubscriptionArchived(ctx, ref)
	if err != nil {
		return err
	}
	if archived {
		logger.Info("checkout for replaced author subscription", "subscription_ref", ref)
		return nil
	}

	cur, err := tx.FindAuthorSubscription(ctx, sub.SubscriberID, sub.AuthorID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		_, created, err := tx.CreateAuthorSubscription(ctx, sub)
		if err != nil {
			return fmt.Errorf("create author subscription: %w", err)
		}
		if !created {
			return fmt.Errorf("author subscription %s: %w", ref, ErrConcurrentUpdate)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if cur.ExternalSubscriptionRef == ref {
		next := *cur
		if sub.AmountCents > 0 {
			next.AmountCents = sub.AmountCents
		}
		next.CurrentPeriodStart = timeOr(cur.CurrentPeriodStart, sub.CurrentPeriodStart)
		next.CurrentPeriodEnd = timeOr(cur.CurrentPeriodEnd, sub.CurrentPeriodEnd)
		if _, err := tx.UpdateAuthorSubscription(ctx, &next); err != nil {
			return fmt.Errorf("refresh author subscription: %w", err)
		}
		return nil
	}
	if sub.LastEventAt != nil && stale(cur.LastEventAt, *sub.LastEventAt) {
		logger.Info("checkout older than live author subscription",
			"subscription_ref", ref, "live_ref", cur.ExternalSubscriptionRef)
		return nil
	}

	if err := tx.ArchiveAuthorSubscription(ctx, cur); err != nil {
		return fmt.Errorf("archive author subscription: %w", err)
	}
	if _, err := tx.ReplaceAuthorSubscription(ctx, cur.ExternalSubscriptionRef, sub); err != nil {
		return fmt.Errorf("replace author subscription: %w", err)
	}
	logger.Info("author subscription replaced",
		"subscriber_id", sub.SubscriberID, "author_id", sub.AuthorID,
		"previous_ref", cur.ExternalSubscriptionRef, "subscription_ref", ref)
	return nil
}

// booksFirstPeriod reports whether a subscription checkout records its
// payment. Without an invoice reference the first invoice.paid books the
// period instead, under the invoice's own key.
func (w *Writer) booksFirstPeriod(c CheckoutCompleted, split Split) bool {
	if split.Gross == 0 {
		return false
	}
	if c.InvoiceRef == "" {
		logger.Info("checkout without invoice, first invoice books the period",
			"session_ref", c.SessionRef, "subscription_ref", c.SubscriptionRef)
		return false
	}
	return true
}

func (w *Writer) AuthorTipCompleted(ctx context.Context, c CheckoutCompleted) error {
	if c.SubscriberID == "" || c.AuthorID == "" {
		return missingf("tip %s lacks tipper or author id", c.SessionRef)
	}
	if c.AmountCents <= 0 {
		return missingf("tip %s has no amount", c.SessionRef)
	}
	split, err := SplitFee(c.AmountCents, w.platform.FeePercent)
	if err != nil {
		return err
	}
	invoiceRef, paymentRef := c.refs()

	err = w.repo.WithTx(ctx, func(tx Repository) error {
		return w.insertEarning(ctx, tx, c.SubscriberID, c.AuthorID, TypeTip, split,
			w.currency(c.Currency), invoiceRef, paymentRef, "tip")
	})
	if err != nil {
		return err
	}
	logger.Info("tip recorded", "tipper_id", c.SubscriberID, "author_id", c.AuthorID, "amount_cents", split.Gross)
	return nil
}

func (w *Writer) ReaderSubscriptionUpdated(ctx context.Context, ch SubscriptionChange) error {
	return w.applyReaderChange(ctx, ch)
}

func (w *Writer) ReaderSubscriptionCanceled(ctx context.Context, ch SubscriptionChange) error {
	ch.RawStatus = string(StatusCanceled)
	return w.applyReaderChange(ctx, ch)
}

func (w *Writer) AuthorSubscriptionUpdated(ctx context.Context, ch SubscriptionChange) error {
	return w.applyAuthorChange(ctx, ch)
}

func (w *Writer) AuthorSubscriptionCanceled(ctx context.Context, ch SubscriptionChange) error {
	ch.RawStatus = string(StatusCanceled)
	return w.applyAuthorChange(ctx, ch)
}

func (w *Writer) applyReaderChange(ctx context.Context, ch SubscriptionChange) error {
	if ch.Ref == "" {
		return missingf("subscription change without reference")
	}
	status := MapStatus(ch.RawStatus, true)

	var saved *Subscription
	err := w.repo.WithTx(ctx, func(tx Repository) error {
		existing, err := tx.FindSubscriptionByRef(ctx, ch.Ref)
		if errors.Is(err, ErrSubscriptionNotFound) {
			if ch.SubscriberID == "" {
				return fmt.Errorf("subscription %s: %w", ch.Ref, ErrSubscriptionNotFound)
			}
			saved, err = tx.CreateSubscription(ctx, &Subscription{
				UserID:                  ch.SubscriberID,
				Status:                  status,
				BillingInterval:         intervalOr(ch.Interval, IntervalMonthly),
				ExternalSubscriptionRef: ch.Ref,
				AmountCents:             ch.AmountCents,
				CurrentPeriodStart:      ch.PeriodStart,
				CurrentPeriodEnd:        ch.PeriodEnd,
				CancelAtPeriodEnd:       ch.CancelAtPeriodEnd,
				CanceledAt:              w.canceledAt(status),
				LastEventAt:             eventTime(ch.EventAt),
			})
			return err
		}
		if err != nil {
			return err
		}
		if status != StatusCanceled && stale(existing.LastEventAt, ch.EventAt) {
			logger.Info("ignoring out-of-order subscription event", "subscription_ref", ch.Ref, "status", status)
			saved = existing
			return nil
		}

		next := *existing
		next.Status = status
		next.CancelAtPeriodEnd = ch.CancelAtPeriodEnd
		next.LastEventAt = laterOf(existing.LastEventAt, ch.EventAt)
		next.BillingInterval = intervalOr(ch.Interval, existing.BillingInterval)
		next.CurrentPeriodStart = timeOr(ch.PeriodStart, existing.CurrentPeriodStart)
		next.CurrentPeriodEnd = timeOr(ch.PeriodEnd, existing.CurrentPeriodEnd)
		if ch.AmountCents > 0 {
			next.AmountCents = ch.AmountCents
		}
		next.CanceledAt = w.canceledAt(status)
		saved, err = tx.UpdateSubscription(ctx, &next)
		return err
	})
	if err != nil {
		return err
	}

	logger.Info("subscription updated", "subscription_ref", ch.Ref, "status", saved.Status)
	w.recomputePremium(ctx, saved.UserID)
	return nil
}

func (w *Writer) applyAuthorChange(ctx context.Context, ch SubscriptionChange) error {
	if ch.Ref == "" {
		return missingf("author subscription change without reference")
	}
	status := MapStatus(ch.RawStatus, false)
	tier := ch.TierName
	if tier != "" && w.platform.TierRank(tier) < 0 {
		logger.Warn("ignoring unknown tier on subscription change", "subscription_ref", ch.Ref, "tier", tier)
		tier = ""
	}

	var saved *AuthorSubscription
	err := w.repo.WithTx(ctx, func(tx Repository) error {
		existing, err := tx.FindAuthorSubscriptionByRef(ctx, ch.Ref)
		if errors.Is(err, ErrSubscriptionNotFound) {
			saved, err = w.adoptAuthorChange(ctx, tx, ch, status, tier)
			return err
		}
		if err != nil {
			return err
		}
		if status != StatusCanceled && stale(existing.LastEventAt, ch.EventAt) {
			logger.Info("ignoring out-of-order author subscription event", "subscription_ref", ch.Ref, "status", status)
			saved = existing
			return nil
		}

		next := *existing
		next.Status = status
		next.CancelAtPeriodEnd = ch.CancelAtPeriodEnd
		next.LastEventAt = laterOf(existing.LastEventAt, ch.EventAt)
		next.CurrentPeriodStart = timeOr(ch.PeriodStart, existing.CurrentPeriodStart)
		next.CurrentPeriodEnd = timeOr(ch.PeriodEnd, existing.CurrentPeriodEnd)
		if tier != "" {
			next.TierName = tier
		}
		if ch.AmountCents > 0 {
			next.AmountCents = ch.AmountCents
		}
		next.CanceledAt = w.canceledAt(status)
		saved, err = tx.UpdateAuthorSubscription(ctx, &next)
		return err
	})
	if err != nil {
		return err
	}
	if saved == nil {
		return nil
	}

	logger.Info("author subscription updated",
		"subscription_ref", ch.Ref, "status", saved.Status, "tier", saved.TierName)
	w.recomputeAuthorTier(ctx, saved.SubscriberID, saved.AuthorID)
	return nil
}

// adoptAuthorChange handles an event for a reference that has no live row.
// Replaced subscriptions only update their archived copy; the live row of
// the pair is never taken over by an update event. A nil result means no
// live row changed.
func (w *Writer) adoptAuthorChange(ctx context.Context, tx Repository, ch SubscriptionChange,
	status SubscriptionStatus, tier string) (*AuthorSubscription, error) {
	archived, err := tx.UpdateArchivedAuthorSubscription(ctx, ch.Ref, w.canceledAt(status))
	if err != nil {
		return nil, err
	}
	if archived {
		logger.Info("event for replaced author subscription", "subscription_ref", ch.Ref, "status", status)
		return nil, nil
	}
	if ch.SubscriberID == "" || ch.AuthorID == "" || tier == "" {
		return nil, fmt.Errorf("author subscription %s: %w", ch.Ref, ErrSubscriptionNotFound)
	}

	sub := &AuthorSubscription{
		SubscriberID:            ch.SubscriberID,
		AuthorID:                ch.AuthorID,
		TierName:                tier,
		Status:                  status,
		ExternalSubscriptionRef: ch.Ref,
		AmountCents:             ch.AmountCents,
		CurrentPeriodStart:      ch.PeriodStart,
		CurrentPeriodEnd:        ch.PeriodEnd,
		CancelAtPeriodEnd:       ch.CancelAtPeriodEnd,
		CanceledAt:              w.canceledAt(status),
		LastEventAt:             eventTime(ch.EventAt),
	}
	cur, err := tx.FindAuthorSubscription(ctx, ch.SubscriberID, ch.AuthorID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		saved, created, err := tx.CreateAuthorSubscription(ctx, sub)
		if err != nil {
			return nil, err
		}
		if !created {
			return nil, fmt.Errorf("author subscription %s: %w", ch.Ref, ErrConcurrentUpdate)
		}
		return saved, nil
	}
	if err != nil {
		return nil, err
	}

	switch {
	case status == StatusCanceled:
		// An unseen subscription that is already over only matters as history.
		sub.CreatedAt = w.now().UTC()
		if err := tx.ArchiveAuthorSubscription(ctx, sub); err != nil {
			return nil, err
		}
		logger.Info("archived canceled author subscription", "subscription_ref", ch.Ref, "live_ref", cur.ExternalSubscriptionRef)
		return nil, nil
	case stale(cur.LastEventAt, ch.EventAt):
		logger.Info("ignoring event older than live author subscription",
			"subscription_ref", ch.Ref, "live_ref", cur.ExternalSubscriptionRef)
		return nil, nil
	default:
		// The checkout that replaces the live row has not landed yet.
		return nil, fmt.Errorf("author subscription %s superseding %s: %w",
			ch.Ref, cur.ExternalSubscriptionRef, ErrSubscriptionNotFound)
	}
}

// InvoicePaid records a recurring charge. When the checkout carried the
// first invoice's reference it already booked that period, and the invoice
// collapses onto the same row.
func (w *Writer) InvoicePaid(ctx context.Context, inv InvoicePayment) error {
	if inv.AmountCents <= 0 {
		logger.Debug("skipping zero-amount invoice", "invoice_ref", inv.InvoiceRef)
		return nil
	}
	if inv.InvoiceRef == "" {
		return missingf("paid invoice without reference")
	}
	if err := w.resolveInvoice(ctx, &inv); err != nil {
		return err
	}

	switch inv.Kind {
	case KindReaderPremium:
		if inv.SubscriberID == "" {
			return w.unresolved(inv)
		}
		split, err := PlatformOnly(inv.AmountCents)
		if err != nil {
			return err
		}
		return w.repo.WithTx(ctx, func(tx Repository) error {
			return w.insertTransaction(ctx, tx, &Transaction{
				UserID:             inv.SubscriberID,
				Type:               TypeSubscriptionPayment,
				Status:             TxSucceeded,
				AmountCents:        split.Gross,
				PlatformFeeCents:   split.Fee,
				AuthorEarningCents: split.Net,
				Currency:           w.currency(inv.Currency),
				ExternalPaymentRef: strPtr(inv.PaymentRef),
				ExternalInvoiceRef: strPtr(inv.InvoiceRef),
			})
		})

	case KindAuthorSubscription, KindAuthorTip:
		if inv.SubscriberID == "" || inv.AuthorID == "" {
			return w.unresolved(inv)
		}
		split, err := SplitFee(inv.AmountCents, w.platform.FeePercent)
		if err != nil {
			return err
		}
		txType, desc := TypeAuthorSubscriptionPayment, subscriptionDescription(inv)
		if inv.Kind == KindAuthorTip {
			txType, desc = TypeTip, "tip"
		}
		return w.repo.WithTx(ctx, func(tx Repository) error {
			return w.insertEarning(ctx, tx, inv.SubscriberID, inv.AuthorID, txType, split,
				w.currency(inv.Currency), inv.InvoiceRef, inv.PaymentRef, desc)
		})

	default:
		return missingf("invoice %s has no subscription type", inv.InvoiceRef)
	}
}

// resolveInvoice fills the discriminator and parties of an invoice from the
// stored subscription, then from the gateway, when its own metadata is
// incomplete.
func (w *Writer) resolveInvoice(ctx context.Context, inv *InvoicePayment) error {
	if inv.SubscriptionRef == "" {
		return nil
	}
	complete := func() bool {
		switch inv.Kind {
		case KindReaderPremium:
			return inv.SubscriberID != ""
		case KindAuthorSubscription, KindAuthorTip:
			return inv.SubscriberID != "" && inv.AuthorID != ""
		}
		return false
	}
	if complete() {
		return nil
	}

	if inv.Kind != KindReaderPremium {
		as, err := w.repo.FindAuthorSubscriptionByRef(ctx, inv.SubscriptionRef)
		if err == nil {
			inv.Kind, inv.SubscriberID, inv.AuthorID, inv.TierName = KindAuthorSubscription, as.SubscriberID, as.AuthorID, as.TierName
			return nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return err
		}
	}
	if inv.Kind != KindAuthorSubscription && inv.Kind != KindAuthorTip {
		s, err := w.repo.FindSubscriptionByRef(ctx, inv.SubscriptionRef)
		if err == nil {
			inv.Kind, inv.SubscriberID = KindReaderPremium, s.UserID
			return nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return err
		}
	}

	snap, err := w.gw.RetrieveSubscription(ctx, inv.SubscriptionRef)
	if err != nil {
		return fmt.Errorf("resolve invoice %s: %w", inv.InvoiceRef, err)
	}
	md := snap.Metadata
	if inv.Kind == KindUnknown {
		inv.Kind = ParseKind(md[MetaSubscriptionType])
	}
	inv.SubscriberID = firstNonEmpty(inv.SubscriberID, md[MetaUserID], md[MetaSubscriberID])
	inv.AuthorID = firstNonEmpty(inv.AuthorID, md[MetaAuthorID])
	inv.TierName = firstNonEmpty(inv.TierName, md[MetaTierName])
	return nil
}

// unresolved reports an invoice whose subscriber cannot be determined yet.
// The checkout that creates the subscription may still be in flight, so it
// is a retriable failure.
func (w *Writer) unresolved(inv InvoicePayment) error {
	if inv.SubscriptionRef == "" {
		return missingf("invoice %s has no subscriber", inv.InvoiceRef)
	}
	return fmt.Errorf("invoice %s for %s: %w", inv.InvoiceRef, inv.SubscriptionRef, ErrSubscriptionNotFound)
}

// PaymentFailed moves the subscription to past_due. No money is recorded.
func (w *Writer) PaymentFailed(ctx context.Context, inv InvoicePayment) error {
	if inv.SubscriptionRef == "" {
		return missingf("failed invoice %s has no subscription", inv.InvoiceRef)
	}

	if inv.Kind != KindReaderPremium {
		var saved *AuthorSubscription
		err := w.repo.WithTx(ctx, func(tx Repository) error {
			existing, err := tx.FindAuthorSubscriptionByRef(ctx, inv.SubscriptionRef)
			if err != nil {
				return err
			}
			if stale(existing.LastEventAt, inv.EventAt) {
				saved = existing
				return nil
			}
			next := *existing
			next.Status = StatusPastDue
			next.LastEventAt = laterOf(existing.LastEventAt, inv.EventAt)
			saved, err = tx.UpdateAuthorSubscription(ctx, &next)
			return err
		})
		if err == nil {
			logger.Warn("author subscription payment failed", "subscription_ref", inv.SubscriptionRef, "status", saved.Status)
			w.recomputeAuthorTier(ctx, saved.SubscriberID, saved.AuthorID)
			return nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) || inv.Kind == KindAuthorSubscription {
			return err
		}
	}

	var saved *Subscription
	err := w.repo.WithTx(ctx, func(tx Repository) error {
		existing, err := tx.FindSubscriptionByRef(ctx, inv.SubscriptionRef)
		if err != nil {
			return err
		}
		if stale(existing.LastEventAt, inv.EventAt) {
			saved = existing
			return nil
		}
		next := *existing
		next.Status = StatusPastDue
		next.LastEventAt = laterOf(existing.LastEventAt, inv.EventAt)
		saved, err = tx.UpdateSubscription(ctx, &next)
		return err
	})
	if err != nil {
		return err
	}
	logger.Warn("subscription payment failed", "subscription_ref", inv.SubscriptionRef, "status", saved.Status)
	w.recomputePremium(ctx, saved.UserID)
	return nil
}

// ConnectedAccountUpdated mirrors the gateway's onboarding and payout
// capability flags onto the author's payout account.
func (w *Writer) ConnectedAccountUpdated(ctx context.Context, acc AccountCapabilities) error {
	if acc.AccountRef == "" {
		return missingf("account update without reference")
	}
	found, err := w.repo.UpdateAccountCapabilities(ctx, acc.AccountRef, acc.DetailsSubmitted, acc.PayoutsEnabled)
	if err != nil {
		return err
	}
	if !found {
		logger.Warn("account update for unknown payout account", "account_ref", acc.AccountRef)
		return nil
	}
	logger.Info("payout account capabilities updated",
		"account_ref", acc.AccountRef, "onboarding_complete", acc.DetailsSubmitted, "payouts_enabled", acc.PayoutsEnabled)
	return nil
}

// RecordRefund books a gateway refund against the original transaction: a
// refund row, the succeeded -> refunded flip, and a negative author revenue
// row that claws back the author's share.
func (w *Writer) RecordRefund(ctx context.Context, rec RefundRecord) (*Transaction, error) {
	var refundTx *Transaction
	err := w.repo.WithTx(ctx, func(tx Repository) error {
		orig, err := tx.LockTransaction(ctx, rec.TransactionID)
		if err != nil {
			return err
		}
		if err := CheckRefundable(orig); err != nil {
			return err
		}
		refunded, err := tx.HasRefund(ctx, orig.ID)
		if err != nil {
			return err
		}
		if refunded {
			return ErrAlreadyRefunded
		}

		origID := orig.ID
		refundTx = &Transaction{
			UserID:                orig.UserID,
			AuthorID:              orig.AuthorID,
			Type:                  TypeRefund,
			Status:                TxSucceeded,
			AmountCents:           orig.AmountCents,
			PlatformFeeCents:      orig.PlatformFeeCents,
			AuthorEarningCents:    orig.AuthorEarningCents,
			Currency:              orig.Currency,
			ExternalPaymentRef:    strPtr(rec.RefundRef),
			RefundedTransactionID: &origID,
		}
		inserted, err := tx.InsertTransaction(ctx, refundTx)
		if err != nil {
			return err
		}
		if !inserted {
			return ErrAlreadyRefunded
		}
		if err := tx.MarkTransactionRefunded(ctx, orig.ID); err != nil {
			return err
		}

		if orig.AuthorID == nil || orig.AuthorEarningCents == 0 {
			return nil
		}
		claw := &AuthorRevenue{
			AuthorID:         *orig.AuthorID,
			GrossAmountCents: -orig.AmountCents,
			PlatformFeeCents: -orig.PlatformFeeCents,
			NetAmountCents:   -orig.AuthorEarningCents,
			Description:      fmt.Sprintf("refund of transaction %d", orig.ID),
			SourceRef:        fmt.Sprintf("refund:%d", orig.ID),
		}
		if err := claw.Validate(); err != nil {
			return err
		}
		inserted, err = tx.InsertRevenue(ctx, claw)
		metrics.RecordLedgerWrite("author_revenue", inserted)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordLedgerWrite("refund", true)
	logger.Info("refund recorded", "transaction_id", rec.TransactionID, "refund_ref", rec.RefundRef)
	return refundTx, nil
}

// CheckRefundable reports whether a transaction can be refunded.
func CheckRefundable(t *Transaction) error {
	switch {
	case t.Type == TypeRefund:
		return fmt.Errorf("%w: transaction %d is itself a refund", ErrNotRefundable, t.ID)
	case t.Status == TxRefunded:
		return ErrAlreadyRefunded
	case t.Status != TxSucceeded:
		return fmt.Errorf("%w: transaction %d is %s", ErrNotRefundable, t.ID, t.Status)
	case t.ExternalPaymentRef == nil:
		return fmt.Errorf("%w: transaction %d has no payment reference", ErrNotRefundable, t.ID)
	}
	return nil
}

func (w *Writer) insertTransaction(ctx context.Context, tx Repository, t *Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	inserted, err := tx.InsertTransaction(ctx, t)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	metrics.RecordLedgerWrite("transaction", inserted)
	if inserted {
		metrics.RecordRevenue(t.PlatformFeeCents, t.AuthorEarningCents)
	}
	return nil
}

// insertEarning writes the author revenue row and its transaction under
// the same natural key.
func (w *Writer) insertEarning(ctx context.Context, tx Repository, payerID, authorID string, txType TransactionType,
	split Split, currency, invoiceRef, paymentRef, desc string) error {
	sourceRef := invoiceRef
	if sourceRef == "" {
		sourceRef = paymentRef
	}
	if sourceRef == "" {
		return missingf("%s for author %s has no gateway reference", txType, authorID)
	}

	rev := &AuthorRevenue{
		AuthorID:         authorID,
		GrossAmountCents: split.Gross,
		PlatformFeeCents: split.Fee,
		NetAmountCents:   split.Net,
		Description:      desc,
		SourceRef:        sourceRef,
	}
	if err := rev.Validate(); err != nil {
		return err
	}
	inserted, err := tx.InsertRevenue(ctx, rev)
	if err != nil {
		return fmt.Errorf("insert author revenue: %w", err)
	}
	metrics.RecordLedgerWrite("author_revenue", inserted)

	return w.insertTransaction(ctx, tx, &Transaction{
		UserID:             payerID,
		AuthorID:           strPtr(authorID),
		Type:               txType,
		Status:             TxSucceeded,
		AmountCents:        split.Gross,
		PlatformFeeCents:   split.Fee,
		AuthorEarningCents: split.Net,
		Currency:           currency,
		ExternalPaymentRef: strPtr(paymentRef),
		ExternalInvoiceRef: strPtr(invoiceRef),
	})
}

func (w *Writer) recomputePremium(ctx context.Context, userID string) {
	if w.projector == nil || userID == "" {
		return
	}
	if err := w.projector.RecomputePremium(ctx, userID); err != nil {
		logger.Error("premium entitlement recompute failed", "user_id", userID, "error", err)
	}
}

func (w *Writer) recomputeAuthorTier(ctx context.Context, subscriberID, authorID string) {
	if w.projector == nil || subscriberID == "" {
		return
	}
	if err := w.projector.RecomputeAuthorTier(ctx, subscriberID, authorID); err != nil {
		logger.Error("author tier recompute failed", "subscriber_id", subscriberID, "author_id", authorID, "error", err)
	}
}

func (w *Writer) currency(c string) string {
	if c != "" {
		return c
	}
	return w.platform.Currency
}

func (w *Writer) canceledAt(status SubscriptionStatus) *time.Time {
	if status != StatusCanceled {
		return nil
	}
	now := w.now().UTC()
	return &now
}

func defaultStatus(raw string) string {
	if raw == "" {
		return string(StatusActive)
	}
	return raw
}

func intervalOr(v, fallback BillingInterval) BillingInterval {
	if v == "" {
		return fallback
	}
	return v
}

func timeOr(v, fallback *time.Time) *time.Time {
	if v == nil {
		return fallback
	}
	return v
}

// stale reports whether an event created at `at` predates the last event
// applied to a row. Events without a timestamp are never stale.
func stale(last *time.Time, at time.Time) bool {
	return last != nil && !at.IsZero() && at.Before(*last)
}

func laterOf(last *time.Time, at time.Time) *time.Time {
	if at.IsZero() || (last != nil && at.Before(*last)) {
		return last
	}
	at = at.UTC()
	return &at
}

func eventTime(at time.Time) *time.Time {
	if at.IsZero() {
		return nil
	}
	at = at.UTC()
	return &at
}

func subscriptionDescription(inv InvoicePayment) string {
	desc := "subscription"
	if inv.TierName != "" {
		desc = inv.TierName + " subscription"
	}
	if inv.FirstPeriod {
		return desc
	}
	return desc + " renewal"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
