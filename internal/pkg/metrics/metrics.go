package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Latency of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// Escrow
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_transitions_total",
			Help: "Applied escrow transaction status transitions",
		},
		[]string{"from", "to"},
	)
	TransitionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_transitions_rejected_total",
			Help: "Transition requests rejected because the current status did not allow them",
		},
		[]string{"to"},
	)

	// Ledger
	LedgerPostings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_postings_total",
			Help: "Wallet balance postings by kind",
		},
		[]string{"kind"},
	)
	LedgerInvariantViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_invariant_violations_total",
			Help: "Release or reversal attempts exceeding the pending balance",
		},
	)

	// OTP
	OTPEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otp_events_total",
			Help: "OTP generation and verification outcomes",
		},
		[]string{"purpose", "outcome"},
	)
	CacheFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otp_cache_fallbacks_total",
			Help: "Operations served by the durable cache because the primary failed",
		},
		[]string{"op"},
	)

	// Gateway
	GatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Mobile money gateway calls by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	// Worker queue
	WorkerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_queue_depth",
			Help: "Current notification worker queue depth",
		},
	)
	NotificationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Notifications dropped because the queue was full or delivery failed",
		},
	)

	initOnce sync.Once
)

// Handler serves /metrics
var Handler = promhttp.Handler

// Init registers every collector with the default registry
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			HTTPLatency,
			TransitionsTotal,
			TransitionsRejected,
			LedgerPostings,
			LedgerInvariantViolations,
			OTPEvents,
			CacheFallbacks,
			GatewayRequests,
			WorkerQueueDepth,
			NotificationsDropped,
		)
	})
}
