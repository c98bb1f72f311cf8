// Package actuator carries out admin money actions: refunds and payout
// holds.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"inkwell/internal/gateway"
	"inkwell/internal/ledger"
	"inkwell/internal/logger"
	"inkwell/internal/metrics"
	"inkwell/internal/payout"
)

var (
	ErrReasonRequired = errors.New("a reason is required to place a hold")
	ErrRefundFailed   = errors.New("refund failed")
)

type TransactionReader interface {
	GetTransaction(ctx context.Context, id int64) (*ledger.Transaction, error)
	HasRefund(ctx context.Context, transactionID int64) (bool, error)
}

type RefundRecorder interface {
	RecordRefund(ctx context.Context, rec ledger.RefundRecord) (*ledger.Transaction, error)
}

type HoldStore interface {
	SetHold(ctx context.Context, authorID string, hold bool, reason string) (*payout.Account, error)
}

type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

type Actuator struct {
	txs      TransactionReader
	recorder RefundRecorder
	holds    HoldStore
	gw       gateway.Gateway
	alerts   Alerter
}

func New(txs TransactionReader, recorder RefundRecorder, holds HoldStore, gw gateway.Gateway, alerts Alerter) *Actuator {
	return &Actuator{txs: txs, recorder: recorder, holds: holds, gw: gw, alerts: alerts}
}

// RefundKey is the idempotency key for refunding a transaction. Retrying a
// refund reuses it, so the gateway never refunds twice.
func RefundKey(transactionID int64) string {
	return "refund-" + strconv.FormatInt(transactionID, 10)
}

// Refund returns the full amount of a succeeded transaction to the payer and
// books it in the ledger. A gateway failure leaves the ledger untouched.
func (a *Actuator) Refund(ctx context.Context, transactionID int64, adminID string) (*ledger.Transaction, error) {
	orig, err := a.txs.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := ledger.CheckRefundable(orig); err != nil {
		metrics.RecordRefund("rejected")
		return nil, err
	}
	refunded, err := a.txs.HasRefund(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if refunded {
		metrics.RecordRefund("rejected")
		return nil, ledger.ErrAlreadyRefunded
	}

	res, err := a.gw.IssueRefund(ctx, gateway.RefundRequest{
		PaymentRef:     *orig.ExternalPaymentRef,
		AmountCents:    orig.AmountCents,
		IdempotencyKey: RefundKey(transactionID),
	})
	if err != nil {
		metrics.RecordRefund("gateway_failed")
		logger.Warn("gateway refund failed", "transaction_id", transactionID, "admin_id", adminID, "error", err)
		return nil, fmt.Errorf("%w: %s", ErrRefundFailed, gateway.Reason(err))
	}

	refundTx, err := a.recorder.RecordRefund(ctx, ledger.RefundRecord{TransactionID: transactionID, RefundRef: res.Ref})
	if err != nil {
		metrics.RecordRefund("record_failed")
		logger.Error("refund issued but not recorded", "transaction_id", transactionID, "refund_ref", res.Ref, "error", err)
		a.alert(ctx, fmt.Sprintf("Refund for transaction %d not recorded", transactionID),
			fmt.Sprintf("Gateway refund %s for transaction %d succeeded but the ledger write failed: %v\n"+
				"Retrying the refund is safe; it reuses key %s.", res.Ref, transactionID, err, RefundKey(transactionID)))
		return nil, err
	}

	metrics.RecordRefund("succeeded")
	logger.Info("refund completed", "transaction_id", transactionID, "refund_ref", res.Ref, "admin_id", adminID)
	return refundTx, nil
}

// SetHold blocks or releases future payouts for an author. Payouts already
// paid are unaffected.
func (a *Actuator) SetHold(ctx context.Context, authorID string, hold bool, reason, adminID string) (*payout.Account, error) {
	reason = strings.TrimSpace(reason)
	if hold && reason == "" {
		return nil, ErrReasonRequired
	}
	if !hold {
		reason = ""
	}
	acc, err := a.holds.SetHold(ctx, authorID, hold, reason)
	if err != nil {
		return nil, err
	}
	logger.Info("payout hold updated", "author_id", authorID, "hold", hold, "reason", reason, "admin_id", adminID)
	return acc, nil
}

func (a *Actuator) alert(ctx context.Context, subject, body string) {
	if a.alerts == nil {
		return
	}
	if err := a.alerts.Alert(ctx, subject, body); err != nil {
		logger.Error("failed to raise alert", "subject", subject, "error", err)
	}
}
