package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GatewayDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_gateway_decisions_total",
			Help: "Gateway decisions by outcome",
		},
		[]string{"outcome"},
	)

	// GatewayFailOpen counts requests let through because the gateway itself
	// failed.
	GatewayFailOpen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "security_gateway_fail_open_total",
		Help: "Requests allowed through after an internal gateway fault",
	})

	GatewayFailClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "security_gateway_fail_closed_total",
		Help: "Requests rejected after an internal gateway fault",
	})

	RiskScoreHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "security_gateway_risk_scores",
		Help:    "Risk score distribution",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})

	GatewayLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "security_gateway_evaluation_seconds",
		Help:    "Time spent evaluating a request",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})

	AuditWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_audit_write_failures_total",
			Help: "Audit writes that failed, by backend",
		},
		[]string{"backend"},
	)

	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "security_audit_dropped_total",
		Help: "Audit events dropped because the dispatch buffer was full",
	})

	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_notifications_created_total",
			Help: "Notifications produced by the rule set",
		},
		[]string{"type"},
	)

	NotificationsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_notifications_suppressed_total",
			Help: "Notifications saved but not delivered because of the dedup window",
		},
		[]string{"type"},
	)

	ChannelDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_notification_deliveries_total",
			Help: "Channel deliveries by channel and result",
		},
		[]string{"channel", "result"},
	)

	SecurityViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "security_tenant_violations_total",
		Help: "Tenant scoped queries that returned foreign rows",
	})

	SweptEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_cache_swept_entries_total",
			Help: "Expired entries removed by background sweeps",
		},
		[]string{"cache"},
	)
)
