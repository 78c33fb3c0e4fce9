// Package metrics exposes ledger telemetry to Prometheus: dispatch outcomes
// and latency, settled volume, event sink health and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeInvalid  = "invalid"
	OutcomeFatal    = "fatal"
	OutcomeError    = "error"
)

// Collector provides ledger metrics collection.
type Collector struct {
	registry *prometheus.Registry

	operations       *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	settledTotal     prometheus.Counter
	settledUnits     prometheus.Counter
	breakerState     *prometheus.GaugeVec
	httpRequests     *prometheus.CounterVec
	streamClients    prometheus.Gauge
}

// NewCollector creates a collector with its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "multisig"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "operations_total",
			Help:      "Operations processed, by kind, outcome and result code",
		},
		[]string{"kind", "outcome", "code"},
	)

	c.operationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "operation_duration_seconds",
			Help:      "Time spent applying one operation, including commit",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
		},
		[]string{"kind"},
	)

	c.settledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "settlements_total",
		Help:      "Multisig requests settled",
	})

	c.settledUnits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "settled_units_total",
		Help:      "Units moved by settled requests",
	})

	c.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "breaker_state",
			Help:      "Circuit breaker state of an event sink (0=closed, 1=open, 2=half-open)",
		},
		[]string{"sink"},
	)

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by route and status",
		},
		[]string{"route", "status"},
	)

	c.streamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "stream_clients",
		Help:      "Connected websocket event stream clients",
	})

	c.registry.MustRegister(
		c.operations,
		c.operationLatency,
		c.settledTotal,
		c.settledUnits,
		c.breakerState,
		c.httpRequests,
		c.streamClients,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// OperationApplied records one dispatched operation.
func (c *Collector) OperationApplied(kind string, code uint32, elapsed time.Duration) {
	c.operations.WithLabelValues(kind, Outcome(code), strconv.FormatUint(uint64(code), 10)).Inc()
	if elapsed > 0 {
		c.operationLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

// TransferSettled records one settlement.
func (c *Collector) TransferSettled(amount uint64) {
	c.settledTotal.Inc()
	c.settledUnits.Add(float64(amount))
}

// BreakerState records the state of a sink's circuit breaker.
func (c *Collector) BreakerState(sink string, state int) {
	c.breakerState.WithLabelValues(sink).Set(float64(state))
}

// HTTPRequest records one served request.
func (c *Collector) HTTPRequest(route string, status int) {
	c.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// StreamClients sets the number of connected stream clients.
func (c *Collector) StreamClients(n int) {
	c.streamClients.Set(float64(n))
}

// Outcome classifies a result code.
func Outcome(code uint32) string {
	switch {
	case code == 0:
		return OutcomeOK
	case code == 100:
		return OutcomeFatal
	case code >= 200 && code < 300:
		return OutcomeInvalid
	case code >= 500:
		return OutcomeError
	default:
		return OutcomeRejected
	}
}
