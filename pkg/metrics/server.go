package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ServerPushEntities counts entities received by the cloud push endpoint
	// result: written (inserted or newer), ignored (older or equal), rejected (invalid)
	ServerPushEntities = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_server_push_entities_total",
		Help: "Entities received on /sync/push, by result",
	}, []string{"result"})

	// ServerPulledEntities counts entities served on /sync/pull
	ServerPulledEntities = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_server_pulled_entities_total",
		Help: "Entities returned by /sync/pull",
	})

	// ServerRequestDuration tracks the latency of the sync endpoints
	ServerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_server_request_duration_seconds",
		Help:    "Duration of sync endpoint requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "status"})

	// ServerTxRetries counts upsert transactions retried after serialization conflicts
	ServerTxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_server_tx_retries_total",
		Help: "Push transactions retried after deadlock or serialization failure",
	})
)
