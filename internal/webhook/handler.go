package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"inkwell/internal/gateway"
	"inkwell/internal/ledger"
	"inkwell/internal/logger"
	"inkwell/internal/metrics"
	"inkwell/internal/payout"
)

const bodyLimit = 1 << 20

// Outcomes of a delivered event, as recorded and counted.
const (
	OutcomeProcessed = "processed"
	OutcomeIgnored   = "ignored"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

type Handler struct {
	verifier *Verifier
	router   *Router
	store    Store
	alerts   Alerter
}

func NewHandler(verifier *Verifier, router *Router, store Store, alerts Alerter) *Handler {
	return &Handler{verifier: verifier, router: router, store: store, alerts: alerts}
}

// Receive is the gateway's notification endpoint. Only retriable failures
// answer 500; everything else is acknowledged so the gateway stops
// redelivering.
func (h *Handler) Receive(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, bodyLimit)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		logger.Warn("failed to read webhook body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	ev, err := h.verifier.Verify(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		logger.Warn("rejected webhook", "error", err)
		metrics.RecordWebhook(string(RouteIgnored), "invalid_signature")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	if _, err := h.Process(c.Request.Context(), ev); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// Process handles a verified event and returns its outcome. A non-nil error
// means the event should be redelivered.
func (h *Handler) Process(ctx context.Context, ev *Event) (string, error) {
	if err := h.store.Check(ctx, ev.ID); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			logger.Debug("duplicate webhook", "event_id", ev.ID, "type", ev.Type)
			metrics.RecordWebhook(string(RouteIgnored), OutcomeDuplicate)
			return OutcomeDuplicate, nil
		}
		logger.Error("webhook dedupe check failed", "event_id", ev.ID, "error", err)
		metrics.RecordWebhook(string(RouteIgnored), OutcomeFailed)
		return OutcomeFailed, err
	}

	route, err := h.router.Dispatch(ctx, ev)
	outcome := h.classify(ctx, ev, route, err)
	metrics.RecordWebhook(string(route), outcome)
	if outcome == OutcomeFailed {
		logger.Error("webhook handling failed", "event_id", ev.ID, "type", ev.Type, "route", route, "error", err)
		return outcome, err
	}

	if err := h.store.Record(ctx, ev, route, outcome); err != nil {
		logger.Error("failed to record webhook", "event_id", ev.ID, "error", err)
		return outcome, err
	}
	return outcome, nil
}

func (h *Handler) classify(ctx context.Context, ev *Event, route Route, err error) string {
	switch {
	case err == nil:
		logger.Info("webhook processed", "event_id", ev.ID, "type", ev.Type, "route", route)
		return OutcomeProcessed
	case errors.Is(err, ErrUnknownEventType):
		logger.Debug("webhook ignored", "event_id", ev.ID, "type", ev.Type)
		return OutcomeIgnored
	case errors.Is(err, ledger.ErrMissingMetadata), errors.Is(err, payout.ErrPayoutNotFound):
		logger.Warn("webhook skipped", "event_id", ev.ID, "type", ev.Type, "route", route, "error", err)
		return OutcomeSkipped
	case errors.Is(err, ledger.ErrInvariantViolation):
		logger.Error("webhook rejected by ledger", "event_id", ev.ID, "type", ev.Type, "route", route, "error", err)
		h.alert(ctx, fmt.Sprintf("Ledger invariant violated by event %s", ev.ID),
			fmt.Sprintf("Event %s (%s) routed to %s was rejected: %v", ev.ID, ev.Type, route, err))
		return OutcomeRejected
	case gateway.IsPermanent(err):
		logger.Error("webhook rejected by gateway", "event_id", ev.ID, "type", ev.Type, "route", route, "error", err)
		return OutcomeRejected
	default:
		return OutcomeFailed
	}
}

func (h *Handler) alert(ctx context.Context, subject, body string) {
	if h.alerts == nil {
		return
	}
	if err := h.alerts.Alert(ctx, subject, body); err != nil {
		logger.Error("failed to raise alert", "subject", subject, "error", err)
	}
}
