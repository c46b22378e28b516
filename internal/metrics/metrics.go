// Package metrics exposes the sync and proxy counters in the Prometheus
// text format.
package metrics

import (
	"net/http"

	"github.com/gisement-io/gisement/internal/engine"
	"github.com/gisement-io/gisement/internal/ir"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gisement"

// Metrics owns a private registry so tests can build as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	records        *prometheus.CounterVec
	recordDuration *prometheus.HistogramVec
	batches        *prometheus.CounterVec
	batchDuration  prometheus.Histogram
	proxy          *prometheus.CounterVec
	cache          *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records processed, by outcome and upsert action.",
		}, []string{"status", "action"}),
		recordDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "record_duration_seconds",
			Help:      "Time spent syncing one record.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"status"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches run, by outcome.",
		}, []string{"outcome"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of a batch.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		proxy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Image proxy requests, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_cache_lookups_total",
			Help:      "Asset cache lookups, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.records, m.recordDuration, m.batches, m.batchDuration, m.proxy, m.cache,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveEvent is an engine.EventCallback.
func (m *Metrics) ObserveEvent(ev engine.Event) {
	if ev.Status == "started" {
		return
	}
	action := string(ev.Action)
	if action == "" {
		action = "none"
	}
	m.records.WithLabelValues(ev.Status, action).Inc()
	m.recordDuration.WithLabelValues(ev.Status).Observe(ev.Duration.Seconds())
}

// ObserveBatch records the outcome of a RunBatch call.
func (m *Metrics) ObserveBatch(result *ir.BatchResult, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case result != nil && len(result.Records) == 0:
		outcome = "empty"
	}
	m.batches.WithLabelValues(outcome).Inc()
	if result != nil && !result.FinishedAt.IsZero() {
		m.batchDuration.Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	}
}

func (m *Metrics) ObserveProxy(mode, outcome string) {
	m.proxy.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) ObserveCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(result).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
