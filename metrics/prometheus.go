package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromSink keeps the latest value of every tag as a gauge on its own
// registry, so several runs in one process never collide.
type PromSink struct {
	runID    string
	registry *prometheus.Registry
	scalars  *prometheus.GaugeVec
	step     *prometheus.GaugeVec
	reports  *prometheus.CounterVec
}

func NewPromSink(runID string) *PromSink {
	s := &PromSink{
		runID:    runID,
		registry: prometheus.NewRegistry(),
		scalars: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "detect",
				Subsystem: "train",
				Name:      "scalar",
				Help:      "Latest reported training scalar by tag.",
			},
			[]string{"run", "tag"},
		),
		step: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "detect",
				Subsystem: "train",
				Name:      "global_step",
				Help:      "Global step of the latest reported scalar.",
			},
			[]string{"run"},
		),
		reports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "detect",
				Subsystem: "train",
				Name:      "scalars_total",
				Help:      "Total scalars reported.",
			},
			[]string{"run", "tag"},
		),
	}
	s.registry.MustRegister(s.scalars, s.step, s.reports)
	return s
}

func (s *PromSink) AddScalar(tag string, value float64, step int64) error {
	s.scalars.WithLabelValues(s.runID, tag).Set(value)
	s.step.WithLabelValues(s.runID).Set(float64(step))
	s.reports.WithLabelValues(s.runID, tag).Inc()
	return nil
}

// Handler serves the sink's registry in the Prometheus text format.
func (s *PromSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
