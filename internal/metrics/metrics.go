// Package metrics exposes Switchboard's engine health on an optional
// Prometheus endpoint (spec §4.J, added): this is ambient observability
// over the engine itself, not one of the Non-goal-excluded "concrete
// observer plug-ins" that consume I/O data.
//
// Grounded on malindarathnayake-LibraFlux's observability.MetricsRegistry
// (a private prometheus.Registry rather than the global default, so tests
// and multiple instances don't collide) but with the spec's fixed metric
// names registered directly instead of that package's generic
// NewCounter/NewGauge factory, since the set of metrics here is closed.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"switchboard/internal/engine"
)

// Metrics holds every Switchboard engine metric behind one private
// registry.
type Metrics struct {
	registry *prometheus.Registry

	devicesTotal   prometheus.Gauge
	clientsTotal   *prometheus.GaugeVec
	modulesTotal   *prometheus.GaugeVec
	wsSubscribers  *prometheus.GaugeVec
	tickDuration   prometheus.Histogram
	deviceSetTotal *prometheus.CounterVec
}

// New registers every metric against a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.devicesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "swb_devices_total",
		Help: "Number of devices currently known to the engine (client devices and signal devices).",
	})
	m.clientsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swb_clients_total",
		Help: "Number of registered clients by connectivity state.",
	}, []string{"state"})
	m.modulesTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swb_modules_total",
		Help: "Number of registered modules by state.",
	}, []string{"state"})
	m.wsSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swb_ws_subscribers",
		Help: "Number of connected ws subscribers by stream.",
	}, []string{"stream"})
	m.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "swb_tick_duration_seconds",
		Help:    "Duration of one engine tick (poll+evaluate+snapshot).",
		Buckets: prometheus.DefBuckets,
	})
	m.deviceSetTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swb_device_set_total",
		Help: "Number of device set requests by result.",
	}, []string{"result"})

	m.registry.MustRegister(
		m.devicesTotal,
		m.clientsTotal,
		m.modulesTotal,
		m.wsSubscribers,
		m.tickDuration,
		m.deviceSetTotal,
	)
	return m
}

// Handler returns the promhttp handler serving this registry's exposition.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTick records one engine tick's wall-clock duration in seconds.
func (m *Metrics) ObserveTick(seconds float64) {
	m.tickDuration.Observe(seconds)
}

// ObserveDeviceSet increments the device-set counter for "ok" or "error".
func (m *Metrics) ObserveDeviceSet(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.deviceSetTotal.WithLabelValues(result).Inc()
}

// SetWSSubscribers records the current subscriber count for one stream
// ("iodata" or "ctrl").
func (m *Metrics) SetWSSubscribers(stream string, count int) {
	m.wsSubscribers.WithLabelValues(stream).Set(float64(count))
}

// RefreshEngineGauges recomputes devicesTotal/clientsTotal/modulesTotal
// from the engine's current state. Called once per tick by cmd/swb.
func (m *Metrics) RefreshEngineGauges(eng *engine.Engine) {
	m.devicesTotal.Set(float64(eng.DeviceCount()))

	m.clientsTotal.Reset()
	clientCounts := map[string]int{}
	for _, state := range eng.ClientStates() {
		clientCounts[state]++
	}
	for state, count := range clientCounts {
		m.clientsTotal.WithLabelValues(state).Set(float64(count))
	}

	m.modulesTotal.Reset()
	moduleCounts := map[string]int{}
	for _, state := range eng.ModuleStates() {
		moduleCounts[state]++
	}
	for state, count := range moduleCounts {
		m.modulesTotal.WithLabelValues(state).Set(float64(count))
	}
}
