// Copyright 2025 Spotmgr Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics provides Prometheus metrics for the spotmgr daemon:
// reconciliation activity, pool capacity, spot bid throughput, status entry
// creation, and pool uptime statistics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label names shared across metrics.
const (
	LabelPool         = "pool"
	LabelRegion       = "region"
	LabelZone         = "zone"
	LabelInstanceType = "instance_type"
	LabelStatusType   = "status_type"
)

// Metrics holds all Prometheus metrics for the spotmgr daemon.
type Metrics struct {
	// DaemonRunning is a simple gauge set to 1 on startup. If the metric
	// disappears from the metrics endpoint, the daemon has crashed.
	DaemonRunning prometheus.Gauge

	// ReconcileTotal counts completed reconciliation ticks per pool.
	// Labels: pool
	ReconcileTotal *prometheus.CounterVec

	// ReconcileErrors counts ticks that ended in a fatal error (store
	// failures, inconsistent provider state). Labels: pool
	ReconcileErrors *prometheus.CounterVec

	// ReconcileDuration measures end-to-end tick duration.
	ReconcileDuration prometheus.Histogram

	// CoresMissing is the core deficit observed at the end of the counting
	// phase: positive means scale-up pending, negative scale-down.
	// Labels: pool
	CoresMissing *prometheus.GaugeVec

	// SpotRequestsIssued counts spot bids submitted to the provider.
	// Labels: pool, region, zone, instance_type
	SpotRequestsIssued *prometheus.CounterVec

	// InstancesTerminated counts instances the reconciler asked the
	// provider to terminate. Labels: pool
	InstancesTerminated *prometheus.CounterVec

	// StatusEntriesCreated counts pool status entries written, after
	// deduplication. Labels: pool, status_type
	StatusEntriesCreated *prometheus.CounterVec

	// UnknownStateCodes counts provider state codes outside the documented
	// table (after high-byte stripping). Repeated increments for the same
	// pool are the signal that the defensive force-to-pending handling is
	// masking a real provider state.
	UnknownStateCodes prometheus.Counter

	// PoolTargetCores / PoolActualCores expose the uptime statistics the
	// stats reconciler records. Labels: pool
	PoolTargetCores *prometheus.GaugeVec
	PoolActualCores *prometheus.GaugeVec
}

// NewMetrics creates all metrics and registers them with the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DaemonRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spotmgr_daemon_running",
			Help: "Indicates whether the spotmgr daemon is running (1 = running)",
		}),

		ReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotmgr_reconcile_total",
			Help: "Completed reconciliation ticks per pool",
		}, []string{LabelPool}),

		ReconcileErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotmgr_reconcile_errors_total",
			Help: "Reconciliation ticks that ended in a fatal error",
		}, []string{LabelPool}),

		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "spotmgr_reconcile_duration_seconds",
			Help: "End-to-end duration of a reconciliation tick",
			// Ticks are dominated by provider round trips; buckets cover
			// 50ms to 2 minutes.
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),

		CoresMissing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spotmgr_pool_cores_missing",
			Help: "Core deficit after counting (positive = scale-up pending)",
		}, []string{LabelPool}),

		SpotRequestsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotmgr_spot_requests_issued_total",
			Help: "Spot bids submitted to the provider",
		}, []string{LabelPool, LabelRegion, LabelZone, LabelInstanceType}),

		InstancesTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotmgr_instances_terminated_total",
			Help: "Instances the reconciler asked the provider to terminate",
		}, []string{LabelPool}),

		StatusEntriesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotmgr_status_entries_created_total",
			Help: "Pool status entries written (after deduplication)",
		}, []string{LabelPool, LabelStatusType}),

		UnknownStateCodes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spotmgr_unknown_state_codes_total",
			Help: "Provider state codes outside the documented table",
		}),

		PoolTargetCores: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spotmgr_pool_target_cores",
			Help: "Configured target core count per pool",
		}, []string{LabelPool}),

		PoolActualCores: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spotmgr_pool_actual_cores",
			Help: "Observed pending+running core count per pool",
		}, []string{LabelPool}),
	}

	reg.MustRegister(
		m.DaemonRunning,
		m.ReconcileTotal,
		m.ReconcileErrors,
		m.ReconcileDuration,
		m.CoresMissing,
		m.SpotRequestsIssued,
		m.InstancesTerminated,
		m.StatusEntriesCreated,
		m.UnknownStateCodes,
		m.PoolTargetCores,
		m.PoolActualCores,
	)
	return m
}
