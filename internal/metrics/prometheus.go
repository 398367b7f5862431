package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Persistence metrics
	Activations   prometheus.Counter
	Passivations  prometheus.Counter
	StoreLoads    *prometheus.CounterVec
	StoreFailures *prometheus.CounterVec

	// Rehash metrics
	RehashTotal         *prometheus.CounterVec
	RehashDuration      *prometheus.HistogramVec
	RehashInProgress    prometheus.Gauge
	StateEntriesPushed  prometheus.Counter
	StateEntriesApplied *prometheus.CounterVec
	TxRecordsForwarded  prometheus.Counter
	KeysInvalidated     prometheus.Counter
	InvalidationErrors  prometheus.Counter

	// Topology metrics
	ViewID         prometheus.Gauge
	ClusterMembers prometheus.Gauge

	// Transport metrics
	RPCRequests *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distcache_operations_total",
				Help: "Total number of cache operations processed",
			},
			[]string{"operation", "status"},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distcache_operation_duration_seconds",
				Help:    "Duration of cache operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		Activations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "distcache_activations_total",
				Help: "Total number of passivated entries removed from the store on access",
			},
		),

		Passivations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "distcache_passivations_total",
				Help: "Total number of evicted entries written to the store",
			},
		),

		StoreLoads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distcache_store_loads_total",
				Help: "Total number of store loads by result",
			},
			[]string{"result"},
		),

		StoreFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distcache_store_failures_total",
				Help: "Total number of failed store operations",
			},
			[]string{"operation"},
		),

		RehashTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distcache_rehash_total",
				Help: "Total number of rehash tasks",
			},
			[]string{"type", "status"},
		),

		RehashDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distcache_rehash_duration_seconds",
				Help:    "Duration of rehash tasks",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"type"},
		),

		RehashInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "distcache_rehash_in_progress",
				Help: "1 while a rehash is running on this node",
			},
		),

		StateEntriesPushed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "distcache_state_entries_pushed_total",
				Help: "Total number of entries pushed to new owners",
			},
		),

		StateEntriesApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distcache_state_entries_applied_total",
				Help: "Total number of received state entries by outcome",
			},
			[]string{"status"},
		),

		TxRecordsForwarded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "distcache_tx_records_forwarded_total",
				Help: "Total number of logged writes forwarded after state transfer",
			},
		),

		KeysInvalidated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "distcache_keys_invalidated_total",
				Help: "Total number of keys sent to former owners for invalidation",
			},
		),

		InvalidationErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "distcache_invalidation_errors_total",
				Help: "Total number of failed invalidation requests",
			},
		),

		ViewID: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "distcache_view_id",
				Help: "Identifier of the installed membership view",
			},
		),

		ClusterMembers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "distcache_cluster_members",
				Help: "Number of members in the installed consistent hash",
			},
		),

		RPCRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distcache_rpc_requests_total",
				Help: "Total number of outgoing RPCs",
			},
			[]string{"method", "status"},
		),

		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distcache_rpc_duration_seconds",
				Help:    "Duration of outgoing RPCs",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
}

// RecordOperation records a cache operation
func (m *Metrics) RecordOperation(operation, status string, duration float64) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordActivations adds n activations
func (m *Metrics) RecordActivations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Activations.Add(float64(n))
}

// RecordPassivation records one passivated entry
func (m *Metrics) RecordPassivation() {
	if m == nil {
		return
	}
	m.Passivations.Inc()
}

// RecordStoreLoad records a store load by result
func (m *Metrics) RecordStoreLoad(result string) {
	if m == nil {
		return
	}
	m.StoreLoads.WithLabelValues(result).Inc()
}

// RecordStoreFailure records a failed store operation
func (m *Metrics) RecordStoreFailure(operation string) {
	if m == nil {
		return
	}
	m.StoreFailures.WithLabelValues(operation).Inc()
}

// RecordRehash records a finished rehash task
func (m *Metrics) RecordRehash(rehashType, status string, duration float64) {
	if m == nil {
		return
	}
	m.RehashTotal.WithLabelValues(rehashType, status).Inc()
	m.RehashDuration.WithLabelValues(rehashType).Observe(duration)
}

// SetRehashInProgress flips the in-progress gauge
func (m *Metrics) SetRehashInProgress(inProgress bool) {
	if m == nil {
		return
	}
	if inProgress {
		m.RehashInProgress.Set(1)
	} else {
		m.RehashInProgress.Set(0)
	}
}

// RecordStatePushed adds n pushed state entries
func (m *Metrics) RecordStatePushed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StateEntriesPushed.Add(float64(n))
}

// RecordStateApplied records a received state entry by outcome
func (m *Metrics) RecordStateApplied(status string) {
	if m == nil {
		return
	}
	m.StateEntriesApplied.WithLabelValues(status).Inc()
}

// RecordTxForwarded adds n forwarded log records
func (m *Metrics) RecordTxForwarded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TxRecordsForwarded.Add(float64(n))
}

// RecordInvalidation records an invalidation request of n keys
func (m *Metrics) RecordInvalidation(n int, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.InvalidationErrors.Inc()
		return
	}
	m.KeysInvalidated.Add(float64(n))
}

// UpdateTopology records the installed view
func (m *Metrics) UpdateTopology(viewID, members int) {
	if m == nil {
		return
	}
	m.ViewID.Set(float64(viewID))
	m.ClusterMembers.Set(float64(members))
}

// RecordRPC records an outgoing RPC
func (m *Metrics) RecordRPC(method, status string, duration float64) {
	if m == nil {
		return
	}
	m.RPCRequests.WithLabelValues(method, status).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(duration)
}
