package event

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferrite_events_published_total",
			Help: "Total number of event messages published, by topic.",
		},
		[]string{"event"},
	)

	eventsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferrite_events_handled_total",
			Help: "Total number of event deliveries processed by the bus.",
		},
		[]string{"event", "status"},
	)

	triggerDepthDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferrite_trigger_depth_drops_total",
			Help: "Cascaded events dropped because the trigger depth limit was reached.",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(eventsPublished)
	prometheus.MustRegister(eventsHandled)
	prometheus.MustRegister(triggerDepthDrops)
}
