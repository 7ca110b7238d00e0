// Package metrics records share and unshare operations of nexuses.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation names used as label values
const (
	OpShare   = "share"
	OpUnshare = "unshare"
)

// ShareMetrics observes share operations.
//
// Implementations must be safe for concurrent use. Use NewNoop when metrics
// are disabled.
type ShareMetrics interface {
	// RecordShare records a Share call over protocol, successful if err is nil
	RecordShare(protocol string, duration time.Duration, err error)

	// RecordUnshare records an Unshare call of a nexus shared over protocol.
	// unshared reports whether the nexus is no longer exported, which can be
	// the case even when err is set.
	RecordUnshare(protocol string, duration time.Duration, err error, unshared bool)
}

// shareMetrics is the Prometheus implementation of ShareMetrics.
type shareMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	shared            *prometheus.GaugeVec
}

// New registers the share metrics with reg
func New(reg prometheus.Registerer) ShareMetrics {
	return &shareMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gonexus_share_operations_total",
				Help: "Total number of share and unshare operations by protocol and status",
			},
			[]string{"operation", "protocol", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "gonexus_share_operation_duration_seconds",
				Help: "Duration of share and unshare operations in seconds",
				Buckets: []float64{
					0.0001, // 100µs
					0.001,  // 1ms
					0.01,   // 10ms
					0.1,    // 100ms
					1,      // 1s
					10,     // 10s
				},
			},
			[]string{"operation", "protocol"},
		),
		shared: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gonexus_shared_nexus",
				Help: "Current number of shared nexuses by protocol",
			},
			[]string{"protocol"},
		),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *shareMetrics) RecordShare(protocol string, duration time.Duration, err error) {
	m.operationsTotal.WithLabelValues(OpShare, protocol, status(err)).Inc()
	m.operationDuration.WithLabelValues(OpShare, protocol).Observe(duration.Seconds())
	if err == nil {
		m.shared.WithLabelValues(protocol).Inc()
	}
}

func (m *shareMetrics) RecordUnshare(protocol string, duration time.Duration, err error, unshared bool) {
	m.operationsTotal.WithLabelValues(OpUnshare, protocol, status(err)).Inc()
	m.operationDuration.WithLabelValues(OpUnshare, protocol).Observe(duration.Seconds())
	if unshared {
		m.shared.WithLabelValues(protocol).Dec()
	}
}

// noopShareMetrics discards everything
type noopShareMetrics struct{}

// NewNoop returns a ShareMetrics which records nothing
func NewNoop() ShareMetrics {
	return noopShareMetrics{}
}

func (noopShareMetrics) RecordShare(string, time.Duration, error)         {}
func (noopShareMetrics) RecordUnshare(string, time.Duration, error, bool) {}
