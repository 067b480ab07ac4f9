package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounce processing metrics
var (
	BounceEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rook_bounce_events_total",
			Help: "Total number of bounce events processed",
		},
		[]string{"list", "disposition"},
	)

	BounceActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rook_bounce_actions_total",
			Help: "Total number of membership actions taken on bouncing addresses",
		},
		[]string{"action", "result"},
	)

	BounceNoticesSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rook_bounce_notices_suppressed_total",
			Help: "Notices suppressed because the bouncing address was the notification target",
		},
	)

	BounceRecordsCulledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rook_bounce_records_culled_total",
			Help: "Bounce records dropped because their run went stale",
		},
		[]string{"list"},
	)
)

// Pending token store metrics
var (
	PendingOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rook_pending_operations_total",
			Help: "Total number of pending store operations",
		},
		[]string{"operation", "result"},
	)

	PendingEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rook_pending_evictions_total",
			Help: "Pending entries evicted at save time",
		},
		[]string{"reason"},
	)

	PendingEntriesCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rook_pending_entries_current",
			Help: "Live entries in the pending store after the last save",
		},
	)
)

// Lock metrics
var (
	LockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rook_lock_acquisitions_total",
			Help: "Total number of named lock acquisition attempts",
		},
		[]string{"name", "result"},
	)

	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rook_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a named lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name"},
	)
)

// Notification metrics
var (
	NoticesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rook_notices_sent_total",
			Help: "Admin notices handed to the SMTP relay",
		},
		[]string{"result"},
	)
)
