package delegate

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "delegate"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Time spent in delegate calls, labelled by method.
	CallDuration metrics.Histogram
	// Number of delegate calls that returned an error, labelled by method.
	CallErrors metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		CallDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "call_duration_seconds",
			Help:      "Time spent in delegate calls.",
			Buckets:   stdprometheus.ExponentialBuckets(0.0001, 4, 10),
		}, append(labels, "method")).With(labelsAndValues...),
		CallErrors: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "call_errors",
			Help:      "Number of delegate calls that failed.",
		}, append(labels, "method")).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		CallDuration: discard.NewHistogram(),
		CallErrors:   discard.NewCounter(),
	}
}
