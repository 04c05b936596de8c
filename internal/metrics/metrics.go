package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	commonredis "github.com/exchange/orchestrator/pkg/redis"
)

// Metrics wraps Prometheus metrics for the orchestrator. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	commandsDispatched *prometheus.CounterVec
	dispatchLatency    prometheus.Histogram

	streamMessages *prometheus.CounterVec
	streamDLQ      *prometheus.CounterVec

	operationsCompleted *prometheus.CounterVec
	operationsExpired   prometheus.Counter

	orderReconciled  *prometheus.CounterVec
	positionUpserted *prometheus.CounterVec
}

// New creates a metrics registry and registers orchestrator metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	commandsDispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_commands_dispatched_total",
		Help: "Total number of commands dispatched to exchange workers.",
	}, []string{"op_type", "result"})

	dispatchLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_command_dispatch_seconds",
		Help:    "Latency of ledger registration plus publish in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	streamMessages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_stream_messages_total",
		Help: "Total number of consumed stream messages by handler decision.",
	}, []string{"stream", "decision"})

	streamDLQ := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_stream_dlq_total",
		Help: "Total number of messages moved to the dead letter stream.",
	}, []string{"stream", "reason"})

	operationsCompleted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_operations_completed_total",
		Help: "Total number of async operation completions by result.",
	}, []string{"result"})

	operationsExpired := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_operations_expired_total",
		Help: "Total number of async operations expired by the janitor.",
	})

	orderReconciled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_order_events_total",
		Help: "Total number of order events by reconciliation outcome.",
	}, []string{"outcome"})

	positionUpserted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_position_events_total",
		Help: "Total number of position snapshots by outcome.",
	}, []string{"outcome"})

	registry.MustRegister(commandsDispatched, dispatchLatency, streamMessages, streamDLQ,
		operationsCompleted, operationsExpired, orderReconciled, positionUpserted)

	return &Metrics{
		registry:            registry,
		commandsDispatched:  commandsDispatched,
		dispatchLatency:     dispatchLatency,
		streamMessages:      streamMessages,
		streamDLQ:           streamDLQ,
		operationsCompleted: operationsCompleted,
		operationsExpired:   operationsExpired,
		orderReconciled:     orderReconciled,
		positionUpserted:    positionUpserted,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncCommand counts a dispatched command; result is ok, ledger_error, publish_error or unsupported.
func (m *Metrics) IncCommand(opType, result string) {
	if m == nil {
		return
	}
	m.commandsDispatched.WithLabelValues(opType, result).Inc()
}

func (m *Metrics) ObserveDispatchLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchLatency.Observe(d.Seconds())
}

// ObserveDecision implements commonredis.Observer.
func (m *Metrics) ObserveDecision(stream string, d commonredis.Decision) {
	if m == nil {
		return
	}
	m.streamMessages.WithLabelValues(stream, d.String()).Inc()
}

// ObserveDeadLetter implements commonredis.Observer.
func (m *Metrics) ObserveDeadLetter(stream, reason string) {
	if m == nil {
		return
	}
	m.streamDLQ.WithLabelValues(stream, reason).Inc()
}

// IncOperationCompleted result is success, failure, duplicate or missing.
func (m *Metrics) IncOperationCompleted(result string) {
	if m == nil {
		return
	}
	m.operationsCompleted.WithLabelValues(result).Inc()
}

func (m *Metrics) AddOperationsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.operationsExpired.Add(float64(n))
}

// IncOrderEvent outcome is apply, stale, missing or rejected.
func (m *Metrics) IncOrderEvent(outcome string) {
	if m == nil {
		return
	}
	m.orderReconciled.WithLabelValues(outcome).Inc()
}

// IncPositionEvent outcome is created, merged, conflict or malformed.
func (m *Metrics) IncPositionEvent(outcome string) {
	if m == nil {
		return
	}
	m.positionUpserted.WithLabelValues(outcome).Inc()
}

var _ commonredis.Observer = (*Metrics)(nil)
