// Package metrics holds the Prometheus collectors shared by the service
// components and the context flag used to suppress tracing.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the service exports. A nil *Metrics is
// valid and records nothing, so components can run without metrics.
type Metrics struct {
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	cacheBgErrors    *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	deliveries       *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	admissionActive  prometheus.Gauge
	admissionWaiting prometheus.Gauge
	streamsOpen      *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Cache hits, labelled by freshness.",
		}, []string{"cache", "freshness"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Cache misses that required a synchronous fetch.",
		}, []string{"cache"}),
		cacheBgErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "background_refresh_errors_total",
			Help: "Failed background refreshes of stale entries.",
		}, []string{"cache"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "fetch_duration_seconds",
			Help:    "Latency of upstream entity fetches.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "deliveries_total",
			Help: "Events routed to a local subscriber.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "dropped_total",
			Help: "Events received with no local subscriber for their target.",
		}, []string{"kind"}),
		admissionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "admission", Name: "active_slots",
			Help: "Connection slots currently held.",
		}),
		admissionWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "admission", Name: "waiting",
			Help: "Connections waiting for a slot.",
		}),
		streamsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stream", Name: "open",
			Help: "Open update streams by kind.",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		m.cacheHits, m.cacheMisses, m.cacheBgErrors, m.upstreamLatency,
		m.deliveries, m.dropped, m.admissionActive, m.admissionWaiting, m.streamsOpen,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// CacheHit records a hit on the named cache.
func (m *Metrics) CacheHit(cache string, stale bool) {
	if m == nil {
		return
	}
	freshness := "fresh"
	if stale {
		freshness = "stale"
	}
	m.cacheHits.WithLabelValues(cache, freshness).Inc()
}

// CacheMiss records a miss on the named cache.
func (m *Metrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// CacheBackgroundError records a failed background refresh.
func (m *Metrics) CacheBackgroundError(cache string) {
	if m == nil {
		return
	}
	m.cacheBgErrors.WithLabelValues(cache).Inc()
}

// ObserveUpstream records the latency of an upstream fetch unless tracing is
// suppressed on ctx.
func (m *Metrics) ObserveUpstream(ctx context.Context, source string, started time.Time, err error) {
	if m == nil || !TracingEnabled(ctx) {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.upstreamLatency.WithLabelValues(source, outcome).Observe(time.Since(started).Seconds())
}

// Delivered records an event routed to a local subscriber.
func (m *Metrics) Delivered(kind string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(kind).Inc()
}

// Dropped records an event with no local subscriber.
func (m *Metrics) Dropped(kind string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(kind).Inc()
}

// Admission sets the admission pool gauges.
func (m *Metrics) Admission(active, waiting int) {
	if m == nil {
		return
	}
	m.admissionActive.Set(float64(active))
	m.admissionWaiting.Set(float64(waiting))
}

// StreamOpened increments the open stream gauge for kind.
func (m *Metrics) StreamOpened(kind string) {
	if m == nil {
		return
	}
	m.streamsOpen.WithLabelValues(kind).Inc()
}

// StreamClosed decrements the open stream gauge for kind.
func (m *Metrics) StreamClosed(kind string) {
	if m == nil {
		return
	}
	m.streamsOpen.WithLabelValues(kind).Dec()
}
