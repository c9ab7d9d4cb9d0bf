/*
metrics.go - Prometheus metrics for the production engine

PURPOSE:
  Counts every service operation by outcome and publishes the calibration
  monitor's findings. Served on GET /metrics.

METRICS:
  production_operations_total{kind,operation,outcome}  Counter
  production_calibration_expired_runs                  Gauge
  production_calibration_checks_total{outcome}         Counter

OUTCOMES:
  ok, client_error, not_found, conflict, error - the same classes the
  handlers map to HTTP status codes.

SEE ALSO:
  - production/service.go: Observer interface
  - scheduler.go: Sets the calibration gauge
*/
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/production-engine/generic"
)

// Metrics holds the collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	calibrationExpiry prometheus.Gauge
	calibrationChecks *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "production_operations_total",
			Help: "Service operations by entity kind, operation and outcome.",
		}, []string{"kind", "operation", "outcome"}),
		calibrationExpiry: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "production_calibration_expired_runs",
			Help: "Active mobile runs whose calibration check is expired.",
		}),
		calibrationChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "production_calibration_checks_total",
			Help: "Calibration monitor passes by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.operations,
		m.calibrationExpiry,
		m.calibrationChecks,
		prometheus.NewGoCollector(),
	)
	return m
}

// Observe implements production.Observer.
func (m *Metrics) Observe(kind generic.Kind, operation string, err error) {
	m.operations.WithLabelValues(string(kind), operation, outcome(err)).Inc()
}

// SetExpiredCalibrations publishes the latest calibration report size.
func (m *Metrics) SetExpiredCalibrations(n int) {
	m.calibrationExpiry.Set(float64(n))
	m.calibrationChecks.WithLabelValues("ok").Inc()
}

// CalibrationCheckFailed counts a monitor pass that could not read the store.
func (m *Metrics) CalibrationCheckFailed() {
	m.calibrationChecks.WithLabelValues("error").Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case generic.IsNotFound(err):
		return "not_found"
	case generic.IsConflict(err):
		return "conflict"
	case generic.IsClientError(err):
		return "client_error"
	default:
		return "error"
	}
}
