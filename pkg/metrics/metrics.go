// Package metrics exposes EntDB's Prometheus surface: WAL append outcomes,
// per-tenant applier lag, dead-letter counts, archiver/snapshotter activity
// and coordinator errors by taxonomy code.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WALAppendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "entdb_wal_append_duration_seconds",
			Help:    "Time to append a record and receive the configured ack.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "outcome"},
	)

	WALAppendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entdb_wal_append_total",
			Help: "Total WAL append attempts by outcome (ok, transient, permanent, unavailable).",
		},
		[]string{"backend", "outcome"},
	)

	ApplierAppliedPosition = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "entdb_applier_applied_position",
			Help: "Last WAL position applied per tenant.",
		},
		[]string{"tenant_id"},
	)

	ApplierLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "entdb_applier_lag_records",
			Help: "Records between a tenant's applied position and the WAL's latest position.",
		},
		[]string{"tenant_id"},
	)

	ApplierApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "entdb_applier_apply_duration_seconds",
			Help:    "Time to run one apply_transaction call.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant_id"},
	)

	DeadLetterTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entdb_deadletter_total",
			Help: "Events routed to the dead-letter sidecar, by reason.",
		},
		[]string{"tenant_id", "reason"},
	)

	ArchiverSegmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entdb_archiver_segments_total",
			Help: "Archive segments written to object storage.",
		},
		[]string{"tenant_shard"},
	)

	ArchiverBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entdb_archiver_bytes_total",
			Help: "Compressed bytes written to archive segments.",
		},
		[]string{"tenant_shard"},
	)

	SnapshotDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "entdb_snapshot_duration_seconds",
			Help:    "Time to produce and upload a tenant snapshot.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant_id"},
	)

	CoordinatorErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entdb_coordinator_errors_total",
			Help: "Atomic execute requests failed, by error code.",
		},
		[]string{"code"},
	)
)

func init() {
	prometheus.MustRegister(
		WALAppendDuration,
		WALAppendTotal,
		ApplierAppliedPosition,
		ApplierLag,
		ApplierApplyDuration,
		DeadLetterTotal,
		ArchiverSegmentsTotal,
		ArchiverBytesTotal,
		SnapshotDuration,
		CoordinatorErrorsTotal,
	)
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
