// Package metrics defines Prometheus metrics for the pools and the
// transaction coordinator. Collectors register on the default registry
// at init so every package can use them without wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks the number of checked-out items per pool.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "txpool_connections_active",
		Help: "Number of active (checked-out) connections per pool",
	}, []string{"pool"})

	// ConnectionsIdle tracks the number of idle items per pool.
	ConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "txpool_connections_idle",
		Help: "Number of idle connections in the pool",
	}, []string{"pool"})

	// ConnectionsMax tracks the configured max connections per pool.
	ConnectionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "txpool_connections_max",
		Help: "Configured maximum connections per pool (without overflow)",
	}, []string{"pool"})

	// ConnectionsTotal counts allocation outcomes.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txpool_connections_total",
		Help: "Total allocations by how they were satisfied",
	}, []string{"pool", "status"}) // status: idle, created, overflow, shared, exhausted

	// ConnectionsDestroyed counts destroyed items by reason.
	ConnectionsDestroyed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txpool_connections_destroyed_total",
		Help: "Total destroyed connections",
	}, []string{"pool", "reason"})

	// WaitDuration tracks how long allocations block for a free slot.
	WaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "txpool_wait_seconds",
		Help:    "Time spent waiting for an idle connection or a creation slot",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"pool"})

	// Waiters tracks the number of blocked allocations.
	Waiters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "txpool_waiters",
		Help: "Number of allocations waiting for a connection",
	}, []string{"pool"})

	// ConnectionErrors counts connection errors by type.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txpool_connection_errors_total",
		Help: "Total connection errors",
	}, []string{"pool", "error_type"})

	// TransactionOutcomes counts completed transactions by outcome.
	TransactionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txpool_transactions_total",
		Help: "Completed transactions by outcome",
	}, []string{"outcome"})

	// TransactionTimeouts counts transactions marked rollback-only by their timeout.
	TransactionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txpool_transaction_timeouts_total",
		Help: "Transactions marked rollback-only after exceeding their timeout",
	})

	// CommitDuration tracks commit latency, both phases included.
	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "txpool_commit_duration_seconds",
		Help:    "Commit duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// RecoveredBranches counts in-doubt branches resolved at recovery.
	RecoveredBranches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txpool_recovered_branches_total",
		Help: "In-doubt branches resolved by recovery",
	}, []string{"action"})

	// XALogOperations counts durable log operations.
	XALogOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txpool_xalog_operations_total",
		Help: "Total durable transaction log operations",
	}, []string{"operation", "status"})
)
