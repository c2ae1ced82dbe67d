package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"traction/pkg/domain"
)

// ViolationObserver is implemented by metrics recorders that also count
// rejected submissions by the validator or rule that rejected them.
type ViolationObserver interface {
	ObserveViolations(ctx context.Context, violations []domain.Violation)
}

// PrometheusMetricsRecorder exports service metrics as Prometheus collectors.
type PrometheusMetricsRecorder struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	violations *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder registers the recorder's collectors with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) *PrometheusMetricsRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusMetricsRecorder{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traction_run_operations_total",
				Help: "Total run construction operations by outcome",
			},
			[]string{"operation", "status"},
		),
		durations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "traction_run_operation_duration_seconds",
				Help:    "Run construction operation latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		violations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traction_run_violations_total",
				Help: "Total violations reported against submissions",
			},
			[]string{"rule"},
		),
	}
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.operations.WithLabelValues(operation, statusLabel(success)).Inc()
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveViolations implements ViolationObserver.
func (r *PrometheusMetricsRecorder) ObserveViolations(_ context.Context, violations []domain.Violation) {
	for _, v := range violations {
		rule := v.Rule
		if rule == "" {
			rule = "unknown"
		}
		r.violations.WithLabelValues(rule).Inc()
	}
}
