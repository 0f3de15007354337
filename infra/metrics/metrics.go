package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cycle is the part of a finished collection the exporter records.
type Cycle struct {
	Kind           string
	Pause          time.Duration
	BytesAlive     uint64
	BytesPromoted  uint64
	BytesFreed     uint64
	RegionsFreed   int
	CommittedAfter uint64
}

// Metrics owns a private registry so several heaps (and tests) never
// collide on the default one.
type Metrics struct {
	reg *prometheus.Registry

	cycles    *prometheus.CounterVec
	pause     *prometheus.HistogramVec
	promoted  prometheus.Counter
	freed     prometheus.Counter
	regions   prometheus.Counter
	alive     prometheus.Gauge
	committed prometheus.Gauge
	published *prometheus.CounterVec
	backlog   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regiongc",
			Name:      "cycles_total",
			Help:      "Finished collections by kind.",
		}, []string{"kind"}),
		pause: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "regiongc",
			Name:      "pause_seconds",
			Help:      "Stop-the-world pause per collection.",
			Buckets:   prometheus.ExponentialBuckets(50e-6, 2, 14),
		}, []string{"kind"}),
		promoted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "regiongc",
			Name:      "promoted_bytes_total",
			Help:      "Bytes copied from the young to the old generation.",
		}),
		freed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "regiongc",
			Name:      "freed_bytes_total",
			Help:      "Bytes of regions released back to the pool.",
		}),
		regions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "regiongc",
			Name:      "freed_regions_total",
			Help:      "Regions released back to the pool.",
		}),
		alive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "regiongc",
			Name:      "alive_bytes",
			Help:      "Bytes found alive by the last collection.",
		}),
		committed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "regiongc",
			Name:      "committed_bytes",
			Help:      "Bytes committed to regions after the last collection.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regiongc",
			Name:      "journal_published_total",
			Help:      "Cycle records handed to the broker, by result.",
		}, []string{"result"}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "regiongc",
			Name:      "journal_backlog",
			Help:      "Cycle records not yet acknowledged by the broker.",
		}),
	}
	m.reg.MustRegister(m.cycles, m.pause, m.promoted, m.freed, m.regions,
		m.alive, m.committed, m.published, m.backlog)
	return m
}

func (m *Metrics) ObserveCycle(c Cycle) {
	m.cycles.WithLabelValues(c.Kind).Inc()
	m.pause.WithLabelValues(c.Kind).Observe(c.Pause.Seconds())
	m.promoted.Add(float64(c.BytesPromoted))
	m.freed.Add(float64(c.BytesFreed))
	m.regions.Add(float64(c.RegionsFreed))
	m.alive.Set(float64(c.BytesAlive))
	m.committed.Set(float64(c.CommittedAfter))
}

// ObservePublish counts one broker hand-off.
func (m *Metrics) ObservePublish(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.published.WithLabelValues(result).Inc()
}

func (m *Metrics) SetBacklog(n int) { m.backlog.Set(float64(n)) }

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
