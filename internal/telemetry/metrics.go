// Package telemetry records gateway statistics: Prometheus metrics served
// over HTTP and an optional InfluxDB sink for radio operations.
package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chaz8081/rf433-gateway/internal/message"
	"github.com/chaz8081/rf433-gateway/internal/radio"
)

const namespace = "rf433"

// knownActions bounds the label values of rf433_messages_in_total. Client
// input is free text, so anything else is counted as "other".
var knownActions = map[string]bool{
	"":             true,
	"ping":         true,
	"reset":        true,
	"knockknock":   true,
	"remoteswitch": true,
	"devicescan":   true,
	"refresh":      true,
	"sniff":        true,
	"transmit":     true,
	"rename":       true,
	"delete":       true,
	"scan":         true,
	"connect":      true,
	"disconnect":   true,
	"status":       true,
}

// Metrics implements the observer interfaces of the radio queue, the
// connection server and the sessions.
type Metrics struct {
	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	sessionDuration prometheus.Histogram
	messagesIn      *prometheus.CounterVec
	messagesOut     *prometheus.CounterVec
	protocolChosen  *prometheus.CounterVec
	switchesLearned *prometheus.CounterVec
	radioOps        *prometheus.CounterVec
	radioLatency    *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
}

// NewMetrics registers the gateway metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Client sessions currently connected",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Client sessions accepted",
		}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of client sessions",
			Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 4 * 3600},
		}),
		messagesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_in_total",
			Help:      "Messages received from clients, by action",
		}, []string{"action"}),
		messagesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_out_total",
			Help:      "Messages written to clients, by key",
		}, []string{"key"}),
		protocolChosen: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_chosen_total",
			Help:      "Sub-protocol selections",
		}, []string{"protocol"}),
		switchesLearned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "switches_learned_total",
			Help:      "Completed captures, by whether the switch was new",
		}, []string{"result"}),
		radioOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "radio",
			Name:      "operations_total",
			Help:      "Radio operations finished, by kind and result",
		}, []string{"kind", "result"}),
		radioLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "radio",
			Name:      "operation_duration_seconds",
			Help:      "Time from enqueue to completion of radio operations",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"kind"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "radio",
			Name:      "queue_depth",
			Help:      "Pending radio operations, including the one in flight",
		}, []string{"kind"}),
	}
}

func (m *Metrics) SessionOpened() {
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed(lifetime time.Duration) {
	m.sessionsActive.Dec()
	m.sessionDuration.Observe(lifetime.Seconds())
}

func (m *Metrics) MessageIn(action string) {
	action = message.Normalize(action)
	if !knownActions[action] {
		action = "other"
	}
	m.messagesIn.WithLabelValues(action).Inc()
}

func (m *Metrics) MessageOut(key string) {
	if key == "" {
		key = "none"
	}
	m.messagesOut.WithLabelValues(key).Inc()
}

func (m *Metrics) ProtocolChosen(name string) {
	m.protocolChosen.WithLabelValues(name).Inc()
}

func (m *Metrics) SwitchLearned(added bool) {
	result := "duplicate"
	if added {
		result = "added"
	}
	m.switchesLearned.WithLabelValues(result).Inc()
}

func (m *Metrics) OperationDone(r radio.Result, latency time.Duration) {
	kind := r.Kind.String()
	m.radioOps.WithLabelValues(kind, resultLabel(r.Err)).Inc()
	m.radioLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

func (m *Metrics) QueueDepth(kind radio.Kind, depth int) {
	m.queueDepth.WithLabelValues(kind.String()).Set(float64(depth))
}

// resultLabel folds an operation error into a small label set.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, radio.ErrTimeout):
		return "timeout"
	case errors.Is(err, radio.ErrDisconnected):
		return "disconnected"
	case errors.Is(err, radio.ErrClosed):
		return "closed"
	default:
		return "error"
	}
}
