package persistence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	saveDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "realmkeeper_snapshot_save_duration_seconds",
		Help:    "Time to capture and write a snapshot",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"status"})

	snapshotOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realmkeeper_snapshot_operations_total",
		Help: "Snapshot operations by type and status",
	}, []string{"operation", "status"})

	filterRebuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realmkeeper_filter_rebuilds_total",
		Help: "Filters rebuilt from the authoritative key set on load",
	}, []string{"reason"})

	snapshotTenantsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realmkeeper_snapshot_tenants",
		Help: "Tenants in the most recent snapshot",
	})
)
