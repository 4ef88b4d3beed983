// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-voicebox/pkg/core/pipeline"
)

// Metrics holds all Prometheus metrics for the voice gateway.
type Metrics struct {
	registry *prometheus.Registry

	// Device session metrics
	DeviceSessionsActive  prometheus.Gauge
	DeviceSessionsTotal   *prometheus.CounterVec
	DeviceSessionDuration prometheus.Histogram
	AudioBytesTotal       *prometheus.CounterVec
	ProtocolErrorsTotal   *prometheus.CounterVec

	// Turn metrics
	TurnsTotal    *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec

	// Status relay metrics
	RelayForwardsTotal *prometheus.CounterVec
	ObserverConnected  prometheus.Gauge

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with every collector registered on a
// private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicebox"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		DeviceSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_sessions_active",
			Help:      "Number of connected voice devices",
		}),
		DeviceSessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_sessions_total",
			Help:      "Total number of device sessions by end status",
		}, []string{"status"}),
		DeviceSessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_session_duration_seconds",
			Help:      "Device session duration in seconds",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 14400, 86400},
		}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "PCM bytes exchanged with devices",
		}, []string{"direction"}),
		ProtocolErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Device frames ignored or rejected",
		}, []string{"code"}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by outcome",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage", "result"}),
		RelayForwardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_forwards_total",
			Help:      "Speaking markers relayed to the status observer",
		}, []string{"result"}),
		ObserverConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observer_connected",
			Help:      "1 when a status observer is registered",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.DeviceSessionsActive,
		m.DeviceSessionsTotal,
		m.DeviceSessionDuration,
		m.AudioBytesTotal,
		m.ProtocolErrorsTotal,
		m.TurnsTotal,
		m.StageDuration,
		m.RelayForwardsTotal,
		m.ObserverConnected,
		m.RequestsTotal,
		m.RequestDuration,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordSessionStart records a device connecting.
func (m *Metrics) RecordSessionStart() {
	m.DeviceSessionsActive.Inc()
}

// RecordSessionEnd records a device session ending.
func (m *Metrics) RecordSessionEnd(status string, duration time.Duration) {
	m.DeviceSessionsActive.Dec()
	m.DeviceSessionsTotal.WithLabelValues(status).Inc()
	m.DeviceSessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordTurn(outcome string) {
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordAudioBytes(direction string, n int) {
	if n > 0 {
		m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
	}
}

func (m *Metrics) RecordProtocolError(code string) {
	m.ProtocolErrorsTotal.WithLabelValues(code).Inc()
}

// ObserveStage records one pipeline stage.
func (m *Metrics) ObserveStage(stage pipeline.Stage, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StageDuration.WithLabelValues(string(stage), result).Observe(d.Seconds())
}

func (m *Metrics) RecordRelayForward(result string) {
	m.RelayForwardsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetObserverConnected(connected bool) {
	if connected {
		m.ObserverConnected.Set(1)
		return
	}
	m.ObserverConnected.Set(0)
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(route, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}
