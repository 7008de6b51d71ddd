package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the coordinator's Prometheus instruments.
type Metrics struct {
	dronesOnline   prometheus.Gauge
	telemetryTotal *prometheus.CounterVec
	eventsTotal    *prometheus.CounterVec
	searchesTotal  prometheus.Counter
	waypointsTotal prometheus.Counter
	gridPeak       prometheus.Gauge
}

// NewMetrics registers the instruments on reg (the default registerer when
// nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		dronesOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mobfleet_drones_online",
			Help: "Drones that have announced themselves on fleet/connect.",
		}),
		telemetryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mobfleet_telemetry_messages_total",
			Help: "Telemetry messages received, by drone.",
		}, []string{"drone_id"}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mobfleet_fleet_events_total",
			Help: "Fleet events received, by type.",
		}, []string{"type"}),
		searchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mobfleet_searches_started_total",
			Help: "MOB searches triggered by an operator.",
		}),
		waypointsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mobfleet_search_waypoints_total",
			Help: "Waypoints issued to search drones.",
		}),
		gridPeak: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mobfleet_grid_peak_probability",
			Help: "Highest cell probability in the central search grid.",
		}),
	}
}
