// Package metrics exposes the service's Prometheus collectors. A nil *Metrics
// is valid and records nothing, so components can be built without it.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	qrIssued      *prometheus.CounterVec
	qrRedemptions *prometheus.CounterVec
	ingestRecords *prometheus.CounterVec
	ingestBatch   prometheus.Histogram
	conflicts     *prometheus.CounterVec
	syncRequests  *prometheus.CounterVec
	events        *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		qrIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_qr_sessions_issued_total",
			Help: "QR issue calls by result (new or existing).",
		}, []string{"status"}),
		qrRedemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_qr_redemptions_total",
			Help: "QR redemptions by result.",
		}, []string{"result"}),
		ingestRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_ingest_records_total",
			Help: "Ingested attendance records by status and reason.",
		}, []string{"status", "reason"}),
		ingestBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "attendsync_ingest_batch_seconds",
			Help:    "Time to ingest one batch.",
			Buckets: prometheus.DefBuckets,
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_conflicts_total",
			Help: "Conflict cases by event (detected or resolved) and strategy.",
		}, []string{"event", "strategy"}),
		syncRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_sync_requests_total",
			Help: "Sync requests by mode and result.",
		}, []string{"mode", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_events_total",
			Help: "Domain events published or consumed.",
		}, []string{"direction", "type"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "attendsync_http_request_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.qrIssued, m.qrRedemptions, m.ingestRecords, m.ingestBatch,
		m.conflicts, m.syncRequests, m.events, m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) QRIssued(status string) {
	if m == nil {
		return
	}
	m.qrIssued.WithLabelValues(status).Inc()
}

func (m *Metrics) QRRedeemed(result string) {
	if m == nil {
		return
	}
	m.qrRedemptions.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordIngested(status, reason string) {
	if m == nil {
		return
	}
	m.ingestRecords.WithLabelValues(status, reason).Inc()
}

func (m *Metrics) BatchIngested(d time.Duration) {
	if m == nil {
		return
	}
	m.ingestBatch.Observe(d.Seconds())
}

func (m *Metrics) Conflict(event, strategy string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(event, strategy).Inc()
}

func (m *Metrics) Sync(mode, result string) {
	if m == nil {
		return
	}
	m.syncRequests.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) Event(direction, typ string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(direction, typ).Inc()
}

// Middleware records request counts and latency per matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
