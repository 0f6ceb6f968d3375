// Package metrics holds the Prometheus collectors shared by the viewer-side
// components and the reference server. Every method is safe on a nil
// *Collector so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arbor"

// Collector owns a private registry; instances never share state.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	EnrichFlushes  *prometheus.CounterVec
	EnrichMerged   prometheus.Counter
	EnrichPending  prometheus.Gauge
	EnrichFlushDur prometheus.Histogram

	XRefRequests *prometheus.CounterVec

	AssetHits      prometheus.Counter
	AssetMisses    prometheus.Counter
	AssetEvictions prometheus.Counter
	AssetBytes     prometheus.Gauge

	StructureVersion prometheus.Gauge
}

// New creates and registers every collector.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		EnrichFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "flushes_total",
			Help:      "Enrichment flushes by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		EnrichMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "merged_nodes_total",
			Help:      "Nodes merged into the node store",
		}),
		EnrichPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "pending_ids",
			Help:      "Ids waiting for the next flush",
		}),
		EnrichFlushDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "flush_duration_seconds",
			Help:      "Wall time of one flush including retries",
			Buckets:   prometheus.DefBuckets,
		}),
		XRefRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "xref",
			Name:      "requests_total",
			Help:      "Cross-reference enrichment requests by outcome",
		}, []string{"outcome"}),
		AssetHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assets",
			Name:      "cache_hits_total",
			Help:      "Decoded-asset cache hits",
		}),
		AssetMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assets",
			Name:      "cache_misses_total",
			Help:      "Decoded-asset cache misses",
		}),
		AssetEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assets",
			Name:      "cache_evictions_total",
			Help:      "Decoded assets evicted to stay under budget",
		}),
		AssetBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "assets",
			Name:      "cache_bytes",
			Help:      "Decoded bytes currently held",
		}),
		StructureVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "structure_version",
			Help:      "Version of the structure snapshot in use",
		}),
	}
	c.registry.MustRegister(
		c.HTTPRequests, c.HTTPDuration,
		c.EnrichFlushes, c.EnrichMerged, c.EnrichPending, c.EnrichFlushDur,
		c.XRefRequests,
		c.AssetHits, c.AssetMisses, c.AssetEvictions, c.AssetBytes,
		c.StructureVersion,
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) ObserveHTTP(method, route, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, status).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) Flush(trigger, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.EnrichFlushes.WithLabelValues(trigger, outcome).Inc()
	c.EnrichFlushDur.Observe(d.Seconds())
}

func (c *Collector) Merged(n int) {
	if c == nil {
		return
	}
	c.EnrichMerged.Add(float64(n))
}

func (c *Collector) Pending(n int) {
	if c == nil {
		return
	}
	c.EnrichPending.Set(float64(n))
}

func (c *Collector) XRef(outcome string) {
	if c == nil {
		return
	}
	c.XRefRequests.WithLabelValues(outcome).Inc()
}

func (c *Collector) AssetHit() {
	if c == nil {
		return
	}
	c.AssetHits.Inc()
}

func (c *Collector) AssetMiss() {
	if c == nil {
		return
	}
	c.AssetMisses.Inc()
}

func (c *Collector) AssetEvicted() {
	if c == nil {
		return
	}
	c.AssetEvictions.Inc()
}

func (c *Collector) AssetBytesHeld(n int64) {
	if c == nil {
		return
	}
	c.AssetBytes.Set(float64(n))
}

func (c *Collector) Version(v int64) {
	if c == nil {
		return
	}
	c.StructureVersion.Set(float64(v))
}
