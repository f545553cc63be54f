// Package telemetry exposes Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autocast"

// Registry holds every autocast collector.
var Registry = prometheus.NewRegistry()

var (
	// CastAttempts counts cast attempts by outcome (started, error).
	CastAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cast_attempts_total",
		Help:      "Cast attempts by outcome.",
	}, []string{"outcome"})

	// CastActive is 1 while a session is playing.
	CastActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cast_active",
		Help:      "Whether a cast session is active.",
	})

	// ScheduleFires counts trigger executions by result (live, not_live, error).
	ScheduleFires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schedule_fires_total",
		Help:      "Schedule executions by result.",
	}, []string{"result"})

	// DiscoveryDevices is the number of devices found by the last run of a strategy.
	DiscoveryDevices = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "discovery_devices",
		Help:      "Devices found by the last discovery run, per strategy.",
	}, []string{"strategy"})

	// DiscoveryDuration measures full discovery runs.
	DiscoveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "discovery_duration_seconds",
		Help:      "Duration of device discovery runs.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40},
	})
)

func init() {
	Registry.MustRegister(
		CastAttempts,
		CastActive,
		ScheduleFires,
		DiscoveryDevices,
		DiscoveryDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler exposes metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
