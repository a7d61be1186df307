package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	// CacheLookups counts cache lookups by shard map name and outcome
	// ("hit" or "miss").
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ShardMap",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups partitioned by shard map and outcome.",
		},
		[]string{"shard_map", "outcome"},
	)

	// CacheEntries tracks the number of cached mappings per shard map.
	CacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ShardMap",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Cached mapping entries per shard map.",
		},
		[]string{"shard_map"},
	)

	// StoreOperationDuration observes end-to-end store operation latency,
	// including retries.
	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ShardMap",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation latency by operation name and outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)

	// StoreRetries counts transient-fault retries by operation name.
	StoreRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ShardMap",
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Retries of store operations after transient faults.",
		},
		[]string{"operation"},
	)

	// PendingOperationUndos counts undo passes over interrupted two-phase
	// operations found in the global operation log.
	PendingOperationUndos = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ShardMap",
			Subsystem: "store",
			Name:      "pending_operation_undos_total",
			Help:      "Interrupted two-phase operations rolled back.",
		},
	)
)

func init() {
	Registry.MustRegister(
		CacheLookups,
		CacheEntries,
		StoreOperationDuration,
		StoreRetries,
		PendingOperationUndos,
	)
}
