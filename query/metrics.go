package query

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the query cache counters. A nil *Metrics records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
	retries       *prometheus.CounterVec
	invalidations *prometheus.CounterVec
}

// NewMetrics creates the cache counters and registers them on reg when it
// is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "doctrack",
			Subsystem: "query",
			Name:      "requests_total",
			Help:      "Query fetches that reached the tracker API, by outcome.",
		}, []string{"resource", "outcome"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "doctrack",
			Subsystem: "query",
			Name:      "cache_hits_total",
			Help:      "Query reads served from a fresh cache entry.",
		}, []string{"resource"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "doctrack",
			Subsystem: "query",
			Name:      "retries_total",
			Help:      "Automatic retries after transient failures.",
		}, []string{"resource"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "doctrack",
			Subsystem: "query",
			Name:      "invalidations_total",
			Help:      "Cache entries invalidated after mutations.",
		}, []string{"resource"}),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.cacheHits, m.retries, m.invalidations)
	}
	return m
}

func (m *Metrics) request(resource, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(resource, outcome).Inc()
}

func (m *Metrics) hit(resource string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(resource).Inc()
}

func (m *Metrics) retry(resource string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(resource).Inc()
}

func (m *Metrics) invalidated(resource string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(resource).Inc()
}
