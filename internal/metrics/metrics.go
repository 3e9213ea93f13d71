// Package metrics defines the Prometheus collectors shared by the clawbox
// CLI and the guest sync daemon.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LockAcquireTotal counts acquire attempts by role and outcome
	// (acquired, reacquired, reclaimed, busy, error).
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawbox_lock_acquire_total",
			Help: "Total number of resource lock acquire attempts",
		},
		[]string{"role", "outcome"},
	)

	// LockReleaseTotal counts released lock records.
	LockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawbox_lock_release_total",
			Help: "Total number of resource locks released",
		},
		[]string{"role"},
	)

	// VMOperationTotal counts lifecycle operations by result.
	VMOperationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawbox_vm_operation_total",
			Help: "Total number of VM lifecycle operations",
		},
		[]string{"operation", "result"},
	)

	// VMOperationDuration observes how long lifecycle operations take.
	VMOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clawbox_vm_operation_duration_seconds",
			Help:    "Duration of VM lifecycle operations",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"operation"},
	)

	// SyncPushTotal counts daemon push attempts by result (ok, failed, skipped).
	SyncPushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawbox_sync_push_total",
			Help: "Total number of payload push attempts by the sync daemon",
		},
		[]string{"result"},
	)

	SyncConsecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clawbox_sync_consecutive_failures",
			Help: "Current run of consecutive failed pushes",
		},
	)

	SyncLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clawbox_sync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful push",
		},
	)
)

// WriteTextfile dumps the default registry in the node_exporter textfile
// format. An empty path is a no-op.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
