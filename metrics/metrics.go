// Package metrics collects fit timings and failures in a Prometheus
// registry that is written out as a node_exporter textfile.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors of one run.  A nil *Metrics records
// nothing.
type Metrics struct {
	reg *prometheus.Registry

	FitDuration   *prometheus.HistogramVec
	FitFailures   *prometheus.CounterVec
	GeneratedRows prometheus.Gauge
}

// New returns a fresh registry with the run collectors registered.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		FitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cloglogsim",
			Name:      "fit_duration_seconds",
			Help:      "Wall time of one model fit.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"engine"}),
		FitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloglogsim",
			Name:      "fit_failures_total",
			Help:      "Fits that returned an error.",
		}, []string{"engine"}),
		GeneratedRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cloglogsim",
			Name:      "generated_rows",
			Help:      "Rows in the generated data set.",
		}),
	}
	m.reg.MustRegister(m.FitDuration, m.FitFailures, m.GeneratedRows)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ObserveFit records the duration of a successful fit, or counts a
// failure when err is not nil.
func (m *Metrics) ObserveFit(engine string, seconds float64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.FitFailures.WithLabelValues(engine).Inc()
		return
	}
	m.FitDuration.WithLabelValues(engine).Observe(seconds)
}

// SetRows records the size of the generated data set.
func (m *Metrics) SetRows(n int) {
	if m == nil {
		return
	}
	m.GeneratedRows.Set(float64(n))
}

// WriteTextfile writes the registry in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.reg)
}
