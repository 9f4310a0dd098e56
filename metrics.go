package resolver

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the opaque observability hook spec.md §6 mentions without
// specifying a shape. Grounded on mrsaemir-yodns's resolver/metrics.go
// gauge/counter layout.
type Metrics struct {
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	Outstanding   prometheus.Gauge
	ServerRTT     prometheus.Histogram
	QueriesServed prometheus.Counter
	ServfailTotal prometheus.Counter
}

// NewMetrics registers and returns a fresh Metrics set on reg. Pass nil to
// use the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recursor", Subsystem: "cache", Name: "hits_total",
			Help: "Number of MessageCache lookups that hit an unexpired entry.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recursor", Subsystem: "cache", Name: "misses_total",
			Help: "Number of MessageCache lookups that missed.",
		}),
		Outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "recursor", Name: "outstanding_queries",
			Help: "Number of RunningQuery instances currently in flight.",
		}),
		ServerRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "recursor", Name: "server_rtt_seconds",
			Help:    "Observed round-trip time per Nub exchange.",
			Buckets: prometheus.DefBuckets,
		}),
		QueriesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recursor", Name: "queries_served_total",
			Help: "Number of client queries answered.",
		}),
		ServfailTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recursor", Name: "servfail_total",
			Help: "Number of client queries answered with SERVFAIL.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.CacheHits, m.CacheMisses, m.Outstanding, m.ServerRTT, m.QueriesServed, m.ServfailTotal,
	} {
		_ = reg.Register(c)
	}
	return m
}

// noopMetrics is used when Config.Metrics is left nil, so RunningQuery never
// has to nil-check before recording.
func noopMetrics() *Metrics {
	return &Metrics{
		CacheHits:     prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_cache_hits"}),
		CacheMisses:   prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_cache_misses"}),
		Outstanding:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "noop_outstanding"}),
		ServerRTT:     prometheus.NewHistogram(prometheus.HistogramOpts{Name: "noop_rtt"}),
		QueriesServed: prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_queries"}),
		ServfailTotal: prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_servfail"}),
	}
}
