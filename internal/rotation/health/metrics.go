package health

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	rotationStartedTotal   *prometheus.CounterVec
	rotationCompletedTotal *prometheus.CounterVec
	rotationDuration       prometheus.Histogram
	stepDuration           *prometheus.HistogramVec
	rollbackTotal          *prometheus.CounterVec

	// Key and component metrics
	keysMintedTotal      prometheus.Counter
	keysRetiredTotal     *prometheus.CounterVec
	componentsRefreshed  *prometheus.GaugeVec
	lastSuccessTimestamp prometheus.Gauge

	// Health check metrics
	healthCheckDuration prometheus.Histogram
	healthCheckStatus   prometheus.Gauge

	// Registration guard
	metricsOnce       sync.Once
	metricsRegistered bool
)

// RotationMetrics provides methods to record rotation metrics.
type RotationMetrics struct{}

// NewRotationMetrics creates a new RotationMetrics instance.
// Recording is a no-op until InitMetrics has been called.
func NewRotationMetrics() *RotationMetrics {
	return &RotationMetrics{}
}

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	metricsOnce.Do(func() {
		rotationStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rootrotate_runs_started_total",
				Help: "Total number of rotation runs started",
			},
			[]string{"cluster_id", "dry_run"},
		)

		rotationCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rootrotate_runs_completed_total",
				Help: "Total number of rotation runs finished, by final status",
			},
			[]string{"cluster_id", "status"},
		)

		rotationDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rootrotate_run_duration_seconds",
				Help:    "Duration of rotation runs in seconds",
				Buckets: []float64{10, 30, 60, 180, 300, 600, 1200, 2700},
			},
		)

		stepDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rootrotate_step_duration_seconds",
				Help:    "Duration of individual rotation steps in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"step", "outcome"},
		)

		rollbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rootrotate_rollback_total",
				Help: "Total number of root secret restores",
			},
			[]string{"type", "result"},
		)

		keysMintedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "rootrotate_access_keys_minted_total",
			Help: "Total number of access keys created",
		})

		keysRetiredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rootrotate_access_keys_retired_total",
				Help: "Total number of access keys deactivated or deleted",
			},
			[]string{"action"},
		)

		componentsRefreshed = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rootrotate_components_last_run",
				Help: "Component credential outcomes of the last refresh",
			},
			[]string{"outcome"},
		)

		lastSuccessTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rootrotate_last_success_timestamp_seconds",
			Help: "Unix time of the last successful rotation",
		})

		healthCheckDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rootrotate_health_check_duration_seconds",
				Help:    "Duration of a single operator status evaluation",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		)

		healthCheckStatus = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rootrotate_health_check_status",
			Help: "Last operator health evaluation (1=healthy, 0=unhealthy)",
		})

		metricsRegistered = true
	})
}

// RecordRunStarted records a run start.
func (m *RotationMetrics) RecordRunStarted(clusterID string, dryRun bool) {
	if !metricsRegistered {
		return
	}
	label := "false"
	if dryRun {
		label = "true"
	}
	rotationStartedTotal.WithLabelValues(clusterID, label).Inc()
}

// RecordRunCompleted records a run's final status and duration.
func (m *RotationMetrics) RecordRunCompleted(clusterID, status string, durationSeconds float64, finishedUnix float64) {
	if !metricsRegistered {
		return
	}
	rotationCompletedTotal.WithLabelValues(clusterID, status).Inc()
	rotationDuration.Observe(durationSeconds)
	if status == "Success" || status == "CompletedWithWarnings" {
		lastSuccessTimestamp.Set(finishedUnix)
	}
}

// RecordStep records one step's outcome and duration.
func (m *RotationMetrics) RecordStep(step, outcome string, durationSeconds float64) {
	if !metricsRegistered {
		return
	}
	stepDuration.WithLabelValues(step, outcome).Observe(durationSeconds)
}

// RecordKeyMinted records a new access key.
func (m *RotationMetrics) RecordKeyMinted() {
	if !metricsRegistered {
		return
	}
	keysMintedTotal.Inc()
}

// RecordKeyRetired records a deactivation or deletion.
func (m *RotationMetrics) RecordKeyRetired(action string) {
	if !metricsRegistered {
		return
	}
	keysRetiredTotal.WithLabelValues(action).Inc()
}

// RecordComponents records the component outcome counts of a refresh.
func (m *RotationMetrics) RecordComponents(counts map[string]int) {
	if !metricsRegistered {
		return
	}
	for outcome, n := range counts {
		componentsRefreshed.WithLabelValues(outcome).Set(float64(n))
	}
}

// RecordRollback records a rollback event.
func (m *RotationMetrics) RecordRollback(rollbackType, result string) {
	if !metricsRegistered {
		return
	}
	rollbackTotal.WithLabelValues(rollbackType, result).Inc()
}

// RecordHealthCheck records a health evaluation.
func (m *RotationMetrics) RecordHealthCheck(healthy bool, durationSeconds float64) {
	if !metricsRegistered {
		return
	}
	healthCheckDuration.Observe(durationSeconds)
	value := 0.0
	if healthy {
		value = 1.0
	}
	healthCheckStatus.Set(value)
}

// WriteTextfile writes every registered metric to path in the Prometheus
// text format, for pickup by the node exporter textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

// IsMetricsRegistered returns whether metrics have been initialized.
func IsMetricsRegistered() bool {
	return metricsRegistered
}
