package stats

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "realtime"

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	// RegisterMetric registers a gauge that may go up and down.
	RegisterMetric(name string)
	// RegisterCounter registers a monotonic total. Decr panics on it.
	RegisterCounter(name string)
}

// StatsUpdater exposes named gauges and counters on its own Prometheus
// registry.
type StatsUpdater struct {
	registry *prometheus.Registry
	factory  promauto.Factory
	mu       sync.RWMutex
	gauges   map[string]prometheus.Gauge
	counters map[string]prometheus.Counter
}

func NewStatsUpdater() *StatsUpdater {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &StatsUpdater{
		registry: registry,
		factory:  promauto.With(registry),
		gauges:   make(map[string]prometheus.Gauge),
		counters: make(map[string]prometheus.Counter),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (su *StatsUpdater) Handler() http.Handler {
	return promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{})
}

// RegisterMetric is idempotent.
func (su *StatsUpdater) RegisterMetric(name string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if su.registered(name) {
		return
	}

	su.gauges[name] = su.factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      "Realtime chat metric " + name,
	})
}

// RegisterCounter is idempotent.
func (su *StatsUpdater) RegisterCounter(name string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if su.registered(name) {
		return
	}

	su.counters[name] = su.factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      "Realtime chat total " + name,
	})
}

func (su *StatsUpdater) registered(name string) bool {
	_, isGauge := su.gauges[name]
	_, isCounter := su.counters[name]
	return isGauge || isCounter
}

func (su *StatsUpdater) Incr(name string) {
	su.mu.RLock()
	g, isGauge := su.gauges[name]
	c, isCounter := su.counters[name]
	su.mu.RUnlock()

	switch {
	case isGauge:
		g.Inc()
	case isCounter:
		c.Inc()
	default:
		panic("metric not found: " + name)
	}
}

func (su *StatsUpdater) Decr(name string) {
	su.mu.RLock()
	g, ok := su.gauges[name]
	su.mu.RUnlock()
	if !ok {
		panic("gauge not found: " + name)
	}
	g.Dec()
}
