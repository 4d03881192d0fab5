package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values of psdconverter_conversions_total.
const (
	OutcomeCompleted = "completed"
)

type Metrics struct {
	Conversions       *prometheus.CounterVec
	Duration          prometheus.Histogram
	ConverterDuration prometheus.Histogram
	QueueWait         prometheus.Histogram
	InFlight          prometheus.Gauge
	Capacity          prometheus.Gauge
	StagedBytes       prometheus.Counter
	SweptFiles        prometheus.Counter
}

// NewMetrics registers the collectors with reg. A nil reg yields working but
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Conversions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "psdconverter_conversions_total",
			Help: "Conversion requests by terminal outcome (completed or failure stage).",
		}, []string{"outcome"}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "psdconverter_conversion_duration_seconds",
			Help:    "Time from intake to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		ConverterDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "psdconverter_converter_duration_seconds",
			Help:    "Wall clock time of the external converter process.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		QueueWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "psdconverter_gate_wait_seconds",
			Help:    "Time spent waiting for a conversion slot.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "psdconverter_gate_in_flight",
			Help: "Converter processes currently running in this process.",
		}),
		Capacity: f.NewGauge(prometheus.GaugeOpts{
			Name: "psdconverter_gate_capacity",
			Help: "Configured number of conversion slots.",
		}),
		StagedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "psdconverter_staged_bytes_total",
			Help: "Bytes written to the upload root.",
		}),
		SweptFiles: f.NewCounter(prometheus.CounterOpts{
			Name: "psdconverter_swept_files_total",
			Help: "Stale files removed by the sweeper.",
		}),
	}
}
