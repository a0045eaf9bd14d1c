package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_login_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"outcome"},
	)

	AccountLockouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_account_lockouts_total",
			Help: "Total number of accounts locked out",
		},
	)

	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionsInvalidated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_sessions_invalidated_total",
			Help: "Total number of sessions invalidated",
		},
		[]string{"reason"},
	)

	SecurityEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_security_events_total",
			Help: "Total number of security events reported",
		},
		[]string{"type", "severity"},
	)

	ResponseActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_response_actions_total",
			Help: "Total number of response actions executed",
		},
		[]string{"action", "outcome"},
	)

	AnomaliesDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_anomalies_detected_total",
			Help: "Total number of anomalous activity detections",
		},
	)

	IPsBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_ips_blocked_total",
			Help: "Total number of IP blocks applied",
		},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bastion_event_processing_duration_seconds",
			Help:    "Time taken to process reported security events",
			Buckets: prometheus.DefBuckets,
		},
	)
)
