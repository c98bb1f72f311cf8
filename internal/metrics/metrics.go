package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inkwell_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_webhook_events_total",
			Help: "Gateway notifications by route and outcome",
		},
		[]string{"route", "outcome"},
	)

	LedgerWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_ledger_writes_total",
			Help: "Ledger rows written, by entity and result (inserted, duplicate)",
		},
		[]string{"entity", "result"},
	)

	RevenueCentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_revenue_cents_total",
			Help: "Gross cents recorded, split by platform fee and author net",
		},
		[]string{"share"},
	)

	PayoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_payouts_total",
			Help: "Payout rows by resulting status",
		},
		[]string{"status"},
	)

	RefundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_refunds_total",
			Help: "Refund attempts by result",
		},
		[]string{"result"},
	)

	FraudFlagsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_fraud_flags_opened_total",
			Help: "Fraud flags opened by type",
		},
		[]string{"flag_type"},
	)

	GatewayCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_gateway_calls_total",
			Help: "Outbound gateway command attempts",
		},
		[]string{"command", "result"},
	)

	EntitlementCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_entitlement_cache_total",
			Help: "Entitlement cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_alerts_total",
			Help: "Ops alerts by status",
		},
		[]string{"status"},
	)

	AlertQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inkwell_alert_queue_length",
			Help: "Current length of the alert queue",
		},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordWebhook(route, outcome string) {
	WebhookEventsTotal.WithLabelValues(route, outcome).Inc()
}

func RecordLedgerWrite(entity string, inserted bool) {
	result := "inserted"
	if !inserted {
		result = "duplicate"
	}
	LedgerWritesTotal.WithLabelValues(entity, result).Inc()
}

// RecordRevenue ignores non-positive amounts; counters cannot go down, so
// claw-backs are only visible in the ledger itself.
func RecordRevenue(feeCents, netCents int64) {
	if feeCents > 0 {
		RevenueCentsTotal.WithLabelValues("platform").Add(float64(feeCents))
	}
	if netCents > 0 {
		RevenueCentsTotal.WithLabelValues("author").Add(float64(netCents))
	}
}

func RecordPayout(status string) {
	PayoutsTotal.WithLabelValues(status).Inc()
}

func RecordRefund(result string) {
	RefundsTotal.WithLabelValues(result).Inc()
}

func RecordFraudFlag(flagType string) {
	FraudFlagsTotal.WithLabelValues(flagType).Inc()
}

func RecordGatewayCall(command, result string) {
	GatewayCallsTotal.WithLabelValues(command, result).Inc()
}

func RecordEntitlementCache(result string) {
	EntitlementCacheTotal.WithLabelValues(result).Inc()
}

func RecordAlert(status string) {
	AlertsTotal.WithLabelValues(status).Inc()
}
