package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tokcheck"

// Metrics groups every collector the checker exports. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	probes        *prometheus.CounterVec
	probeLatency  prometheus.Histogram
	hits          prometheus.Counter
	dropped       prometheus.Counter
	inFlight      prometheus.Gauge
	poolProxies   *prometheus.GaugeVec
	poolEligible  prometheus.Gauge
	evictions     prometheus.Counter
	refreshes     *prometheus.CounterVec
	admitted      prometheus.Counter
	notifications *prometheus.CounterVec
}

// New registers the collectors on reg. Tests pass a fresh
// prometheus.NewRegistry().
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		probes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Availability probes by outcome and whether the proxy was at fault.",
		}, []string{"outcome", "proxy_fault"}),
		probeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Latency of availability probes.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 9),
		}),
		hits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hits_total",
			Help:      "Identifiers found available.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_tasks_total",
			Help:      "Tasks dropped after exhausting retries.",
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Probes currently in flight.",
		}),
		poolProxies: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "proxies",
			Help:      "Proxies in the pool by state.",
		}, []string{"state"}),
		poolEligible: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "eligible_proxies",
			Help:      "Proxies currently eligible for selection.",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Proxies banned and evicted.",
		}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "refreshes_total",
			Help:      "Pool refresh attempts by result.",
		}, []string{"result"}),
		admitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "admitted_total",
			Help:      "Proxies admitted after validation.",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by event kind and result.",
		}, []string{"kind", "result"}),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveProbe(outcome string, proxyFault bool, d time.Duration) {
	if m == nil {
		return
	}
	fault := "false"
	if proxyFault {
		fault = "true"
	}
	m.probes.WithLabelValues(outcome, fault).Inc()
	m.probeLatency.Observe(d.Seconds())
}

func (m *Metrics) Hit() {
	if m == nil {
		return
	}
	m.hits.Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

func (m *Metrics) SetPool(healthy, cooling, eligible int) {
	if m == nil {
		return
	}
	m.poolProxies.WithLabelValues("healthy").Set(float64(healthy))
	m.poolProxies.WithLabelValues("cooling").Set(float64(cooling))
	m.poolEligible.Set(float64(eligible))
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) Refresh(result string, admitted int) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
	m.admitted.Add(float64(admitted))
}

func (m *Metrics) Notification(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.notifications.WithLabelValues(kind, result).Inc()
}
