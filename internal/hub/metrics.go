package hub

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the hub's ambient Prometheus instrumentation, served at
// /metrics by internal/hubapi.
type Metrics struct {
	places          prometheus.Gauge
	pending         prometheus.Gauge
	allocated       prometheus.Gauge
	schedulerPasses prometheus.Counter
}

// NewMetrics constructs and registers the hub's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		places: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "notmyboard", Subsystem: "hub", Name: "places_registered",
			Help: "Number of places currently registered.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "notmyboard", Subsystem: "hub", Name: "reservations_pending",
			Help: "Number of reservations in the Pending state.",
		}),
		allocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "notmyboard", Subsystem: "hub", Name: "reservations_allocated",
			Help: "Number of reservations in the Allocated state.",
		}),
		schedulerPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "notmyboard", Subsystem: "hub", Name: "scheduler_passes_total",
			Help: "Total number of scheduler matching passes run.",
		}),
	}
	reg.MustRegister(m.places, m.pending, m.allocated, m.schedulerPasses)
	return m
}
