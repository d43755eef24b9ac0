// Package metrics implements Eventhub's Prometheus metric set (spec §6)
// plus a JSON rendering of the same gauges for the `?format=json` request.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the exact metric set spec §6 names, registered under a
// configurable name prefix (`prometheus_metric_prefix`) and labeled with
// the instance identity every gauge/counter shares.
type Metrics struct {
	registry *prometheus.Registry

	WorkerCount              prometheus.Gauge
	PublishCount             prometheus.Counter
	RedisConnectionFailCount prometheus.Counter
	RedisPublishDelayMs      prometheus.Gauge
	CurrentConnectionsCount  prometheus.Gauge
	TotalConnectCount        prometheus.Counter
	TotalDisconnectCount     prometheus.Counter
	EventloopDelayMs         prometheus.Gauge
	BufferSaturationPercent  prometheus.Gauge

	publishCount       atomic.Int64
	connFailCount      atomic.Int64
	totalConnect       atomic.Int64
	totalDisconnect    atomic.Int64
	currentConns       atomic.Int64
	workerCount        atomic.Int64
	redisDelayMs       atomic.Int64
	eventloopDelay     atomic.Int64
	bufferSaturationPc atomic.Int64
}

// New builds the metric set under name prefix, labeled with instance
// (spec §6: `instance="<hostname>:<listen_port>"`).
func New(prefix, instance string) *Metrics {
	labels := prometheus.Labels{"instance": instance}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		WorkerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        prefix + "_worker_count",
			Help:        "Number of worker goroutine pools running.",
			ConstLabels: labels,
		}),
		PublishCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        prefix + "_publish_count",
			Help:        "Total number of publish RPCs accepted.",
			ConstLabels: labels,
		}),
		RedisConnectionFailCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        prefix + "_redis_connection_fail_count",
			Help:        "Total number of backplane subscriber reconnects after failure and failed heartbeat publishes.",
			ConstLabels: labels,
		}),
		RedisPublishDelayMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        prefix + "_redis_publish_delay_ms",
			Help:        "Observed delay between heartbeat publish and receipt, in milliseconds.",
			ConstLabels: labels,
		}),
		CurrentConnectionsCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        prefix + "_current_connections_count",
			Help:        "Current number of connected clients.",
			ConstLabels: labels,
		}),
		TotalConnectCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        prefix + "_total_connect_count",
			Help:        "Total number of connections accepted since start.",
			ConstLabels: labels,
		}),
		TotalDisconnectCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        prefix + "_total_disconnect_count",
			Help:        "Total number of connections closed since start.",
			ConstLabels: labels,
		}),
		EventloopDelayMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        prefix + "_eventloop_delay_ms",
			Help:        "Sampled worker event loop scheduling delay, in milliseconds.",
			ConstLabels: labels,
		}),
		BufferSaturationPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        prefix + "_buffer_saturation_percent",
			Help:        "Percent of sampled connections whose send mailbox is near capacity.",
			ConstLabels: labels,
		}),
	}

	registry.MustRegister(
		m.WorkerCount,
		m.PublishCount,
		m.RedisConnectionFailCount,
		m.RedisPublishDelayMs,
		m.CurrentConnectionsCount,
		m.TotalConnectCount,
		m.TotalDisconnectCount,
		m.EventloopDelayMs,
		m.BufferSaturationPercent,
	)
	return m
}

// IncPublish records one accepted publish RPC.
func (m *Metrics) IncPublish() {
	m.publishCount.Add(1)
	m.PublishCount.Inc()
}

// IncRedisConnectionFail records one backplane subscriber reconnect or one
// failed heartbeat publish.
func (m *Metrics) IncRedisConnectionFail() {
	m.connFailCount.Add(1)
	m.RedisConnectionFailCount.Inc()
}

// SetRedisPublishDelay records the heartbeat round-trip sample.
func (m *Metrics) SetRedisPublishDelay(ms float64) {
	m.redisDelayMs.Store(int64(ms))
	m.RedisPublishDelayMs.Set(ms)
}

// SetEventloopDelay records one worker's sampled scheduling delay.
func (m *Metrics) SetEventloopDelay(ms float64) {
	m.eventloopDelay.Store(int64(ms))
	m.EventloopDelayMs.Set(ms)
}

// SetWorkerCount records the active worker pool size.
func (m *Metrics) SetWorkerCount(n int) {
	m.workerCount.Store(int64(n))
	m.WorkerCount.Set(float64(n))
}

// Connect records one accepted connection.
func (m *Metrics) Connect() {
	m.totalConnect.Add(1)
	n := m.currentConns.Add(1)
	m.TotalConnectCount.Inc()
	m.CurrentConnectionsCount.Set(float64(n))
}

// Disconnect records one closed connection.
func (m *Metrics) Disconnect() {
	m.totalDisconnect.Add(1)
	n := m.currentConns.Add(-1)
	m.TotalDisconnectCount.Inc()
	m.CurrentConnectionsCount.Set(float64(n))
}

// SetBufferSaturationPercent records what fraction of sampled connections
// are near their send mailbox's capacity (slow-consumer detection).
func (m *Metrics) SetBufferSaturationPercent(pct float64) {
	m.bufferSaturationPc.Store(int64(pct))
	m.BufferSaturationPercent.Set(pct)
}

// CurrentConnections returns the live connection count, used by the
// admission-control middleware to decide whether to accept a new socket.
func (m *Metrics) CurrentConnections() int64 { return m.currentConns.Load() }

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JSON renders the same metric set as a flat JSON object, used when
// `/metrics` is requested with `?format=json` (spec §4.11).
func (m *Metrics) JSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"worker_count":                 m.workerCount.Load(),
		"publish_count":                m.publishCount.Load(),
		"redis_connection_fail_count":  m.connFailCount.Load(),
		"redis_publish_delay_ms":       m.redisDelayMs.Load(),
		"current_connections_count":    m.currentConns.Load(),
		"total_connect_count":          m.totalConnect.Load(),
		"total_disconnect_count":       m.totalDisconnect.Load(),
		"eventloop_delay_ms":           m.eventloopDelay.Load(),
		"buffer_saturation_percent":    m.bufferSaturationPc.Load(),
	})
}
