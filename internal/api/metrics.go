package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics backs both the Prometheus exposition endpoint and the
// service-token-authenticated JSON snapshot.
type Metrics struct {
	reg *prometheus.Registry

	requests prometheus.Counter
	errors   prometheus.Counter
	latency  prometheus.Histogram

	// Atomic mirrors keep the JSON snapshot cheap and exact.
	reqCount     atomic.Int64
	errCount     atomic.Int64
	latencyMicro atomic.Int64
}

// NewMetrics builds the metric set. Live gauges (socket counts, log queue)
// read through the supplied closures so they are never stale.
func NewMetrics(visitorSockets, workerSockets, logDepth func() int, logDropped func() uint64) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "terrarium_requests_total",
			Help: "HTTP requests handled.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "terrarium_request_errors_total",
			Help: "HTTP requests answered with a 4xx or 5xx status.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "terrarium_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.reg.MustRegister(
		m.requests,
		m.errors,
		m.latency,
		collectors.NewGoCollector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "terrarium_ws_visitor_sockets",
			Help: "Live visitor websocket subscribers.",
		}, func() float64 { return float64(visitorSockets()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "terrarium_ws_worker_sockets",
			Help: "Live worker websocket subscribers.",
		}, func() float64 { return float64(workerSockets()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "terrarium_chatlog_queue_depth",
			Help: "Audit-log entries queued for flush.",
		}, func() float64 { return float64(logDepth()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "terrarium_chatlog_dropped_total",
			Help: "Audit-log entries dropped at queue capacity.",
		}, func() float64 { return float64(logDropped()) }),
	)

	return m
}

// Record accounts one completed request.
func (m *Metrics) Record(status int, dur time.Duration) {
	m.requests.Inc()
	m.reqCount.Add(1)
	m.latency.Observe(dur.Seconds())
	m.latencyMicro.Add(dur.Microseconds())
	if status >= 400 {
		m.errors.Inc()
		m.errCount.Add(1)
	}
}

// PromHandler serves the Prometheus exposition format.
func (m *Metrics) PromHandler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Snapshot is the operational JSON view.
type Snapshot struct {
	Requests       int64   `json:"requests"`
	Errors         int64   `json:"errors"`
	AvgLatencyMS   float64 `json:"avgLatencyMs"`
	VisitorSockets int     `json:"visitorSockets"`
	WorkerSockets  int     `json:"workerSockets"`
	LogQueueDepth  int     `json:"logQueueDepth"`
	LogDropped     uint64  `json:"logDropped"`
}

func (m *Metrics) snapshotCounters() (requests, errors int64, avgLatencyMS float64) {
	requests = m.reqCount.Load()
	errors = m.errCount.Load()
	if requests > 0 {
		avgLatencyMS = float64(m.latencyMicro.Load()) / float64(requests) / 1000.0
	}
	return requests, errors, avgLatencyMS
}
