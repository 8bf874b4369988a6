package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_transitions_total",
		Help: "Total number of committed booking transitions",
	}, []string{"from", "to"})

	BookingTransitionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_transition_failures_total",
		Help: "Total number of rejected or failed booking operations",
	}, []string{"operation", "kind"})

	BookingConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_conflicts_total",
		Help: "Total number of transitions lost to a concurrent update",
	})

	GatewayCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_gateway_calls_total",
		Help: "Total number of payment gateway calls",
	}, []string{"operation", "outcome"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_gateway_latency_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_refunds_total",
		Help: "Total number of settled refunds",
	}, []string{"initiator"})

	RefundedCentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_refunded_cents_total",
		Help: "Total amount refunded, in cents",
	})

	ReconciliationMarkersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_reconciliation_markers_total",
		Help: "Total number of bookings flagged for reconciliation",
	}, []string{"marker"})

	NotificationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_notification_failures_total",
		Help: "Total number of booking notifications that could not be queued",
	}, []string{"stage"})

	OutboxRepublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_outbox_republished_total",
		Help: "Total number of outbox notifications republished",
	})

	NotificationsDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_dispatched_total",
		Help: "Total number of notifications handed to the dispatcher",
	}, []string{"event_type"})

	RankingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ranking_latency_seconds",
		Help:    "Latency of ranking a candidate set",
		Buckets: prometheus.DefBuckets,
	})

	RankingCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ranking_candidates",
		Help:    "Number of candidates passed to the ranking engine",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	SearchCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "search_candidate_cache_total",
		Help: "Search candidate cache lookups",
	}, []string{"result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
