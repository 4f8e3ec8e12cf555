// Package prom implements observe.Sink with a single Prometheus counter
// vector labeled by event kind.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ovidian/loom/observe"
)

// Sink counts events by kind in a Prometheus CounterVec.
type Sink struct {
	events *prometheus.CounterVec
}

// New registers the sink's metrics against reg and returns the sink. Use
// prometheus.DefaultRegisterer for the global registry.
func New(reg prometheus.Registerer) *Sink {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "scheduler",
		Name:      "events_total",
		Help:      "Count of scheduler events by kind.",
	}, []string{"kind"})
	reg.MustRegister(events)
	return &Sink{events: events}
}

func (s *Sink) Emit(e observe.Event) {
	s.events.WithLabelValues(string(e.Kind)).Inc()
}
