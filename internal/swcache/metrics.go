package swcache

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry *prometheus.Registry

	fetches          *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	cacheWriteErrors *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	partitionsPurged prometheus.Counter
	clients          prometheus.GaugeFunc
}

func newMetrics(clientCount func() float64) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "fetch_total",
			Help:      "Intercepted requests by route and outcome.",
		}, []string{"route", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "swcache",
			Name:      "fetch_duration_seconds",
			Help:      "Time to answer an intercepted request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		cacheWriteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "cache_write_errors_total",
			Help:      "Runtime cache writes that failed and were dropped.",
		}, []string{"partition"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "worker_transitions_total",
			Help:      "Worker lifecycle transitions by target state.",
		}, []string{"state"}),
		partitionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "partitions_deleted_total",
			Help:      "Stale cache partitions removed during activation.",
		}),
		clients: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "swcache",
			Name:      "clients",
			Help:      "Known client pages.",
		}, clientCount),
	}
	m.registry.MustRegister(
		m.fetches,
		m.fetchDuration,
		m.cacheWriteErrors,
		m.transitions,
		m.partitionsPurged,
		m.clients,
		// Process memory and Go runtime figures.
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
