// Package metrics exposes the portal's prometheus metrics
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relabs-tech/devicemanager/core/logger"
)

const namespace = "devicemanager"

// Metrics holds the collectors of one portal instance
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	telemetryIngested *prometheus.CounterVec
	alertsRaised      *prometheus.CounterVec
	jobsProcessed     *prometheus.CounterVec
	devicesConnected  prometheus.Gauge
}

// New creates metrics on their own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by route template, method and status",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route template",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		telemetryIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "messages_total",
			Help:      "Telemetry messages ingested by result",
		}, []string{"result"}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "alerts_total",
			Help:      "Alerts raised by rule output",
		}, []string{"rule_output"}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devicejobs",
			Name:      "device_results_total",
			Help:      "Per-device results of bulk device jobs by job type and status",
		}, []string{"type", "status"}),
		devicesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "connected_devices",
			Help:      "Number of devices currently connected to the broker",
		}),
	}
	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.telemetryIngested,
		m.alertsRaised,
		m.jobsProcessed,
		m.devicesConnected,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the prometheus registry of the metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TelemetryIngested counts an ingested telemetry message. result is "ok" or "rejected".
func (m *Metrics) TelemetryIngested(result string) {
	if m == nil {
		return
	}
	m.telemetryIngested.WithLabelValues(result).Inc()
}

// AlertRaised counts an alert for a rule output
func (m *Metrics) AlertRaised(ruleOutput string) {
	if m == nil {
		return
	}
	m.alertsRaised.WithLabelValues(ruleOutput).Inc()
}

// DeviceJobResult counts the result of a bulk job on a single device
func (m *Metrics) DeviceJobResult(jobType, status string) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(jobType, status).Inc()
}

// DeviceConnected adjusts the connected devices gauge by delta
func (m *Metrics) DeviceConnected(delta int) {
	if m == nil {
		return
	}
	m.devicesConnected.Add(float64(delta))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware returns a mux middleware which records request counts and latencies
// per route template
func (m *Metrics) Middleware() mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if template, err := current.GetPathTemplate(); err == nil {
					route = template
				}
			}
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			h.ServeHTTP(rec, r)
			m.requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
			m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}

// HandleRoute adds the /metrics GET route to the router
func (m *Metrics) HandleRoute(router *mux.Router) {
	logger.Default().Debugln("metrics")
	logger.Default().Debugln("  handle route: /metrics GET")
	router.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
