package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsEnqueued counts local mutations entering the outbox
	// result: inserted (new record) or coalesced (merged into an active record)
	RecordsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_outbox_enqueued_total",
		Help: "Local mutations written to the outbox",
	}, []string{"collection", "result"})

	// PushRecords tracks what happened to each record after a push attempt
	// outcome: synced, retry, abandoned, requeued (coalesced while in flight or orphaned)
	PushRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_push_records_total",
		Help: "Outbox records processed by the push pipeline, by outcome",
	}, []string{"outcome"})

	// PushDuration measures the transport call of a push
	PushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_push_duration_seconds",
		Help:    "Duration of push calls in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"status"})

	// PushBatchSize tracks the number of records claimed in each push
	PushBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_push_batch_size",
		Help:    "Number of outbox records per push call",
		Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
	})

	// PullEntities counts pulled entities by resolver decision: applied, skipped, dropped
	PullEntities = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_pull_entities_total",
		Help: "Remote entities received by the pull pipeline, by decision",
	}, []string{"decision"})

	// PullDuration measures one pull page round trip plus local apply
	PullDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_pull_duration_seconds",
		Help:    "Duration of pull pages in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"status"})

	// CycleFailures counts failed sync phases: pull, push
	CycleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_cycle_failures_total",
		Help: "Failed sync phases",
	}, []string{"phase", "class"})

	// OutboxBacklog is the primary lag indicator: pending plus in-flight records per tenant
	OutboxBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sync_outbox_backlog",
		Help: "Pending and in-flight outbox records",
	}, []string{"tenant"})

	// AbandonedRecords requires operator action when it grows
	AbandonedRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sync_outbox_abandoned",
		Help: "Outbox records abandoned and awaiting operator action",
	}, []string{"tenant"})

	// BrokerHealthy provides a binary 0/1 signal for the change-notification link
	BrokerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_broker_healthy",
		Help: "Current health of the RabbitMQ change-notification link (1 healthy, 0 unhealthy)",
	})

	// BrokerReconnections counts how many times the listener had to restore the link
	BrokerReconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_broker_reconnections_total",
		Help: "Total number of RabbitMQ reconnection attempts",
	})
)
