// Package metrics exposes event-delivery measurements as Prometheus
// collectors on a private registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jg-phare/tether/pkg/connection"
	"github.com/jg-phare/tether/pkg/queue"
)

const namespace = "tether"

// Metrics implements queue.Recorder and connection.Recorder, and observes
// connection state changes.
type Metrics struct {
	registry *prometheus.Registry

	connectionState  *prometheus.GaugeVec
	reconnectsTotal  prometheus.Counter
	eventsReceived   *prometheus.CounterVec
	malformedTotal   prometheus.Counter
	eventsEnqueued   *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	eventsRetried    *prometheus.CounterVec
	handlerFailures  *prometheus.CounterVec
	queueLength      prometheus.Gauge
	dispatchDuration *prometheus.HistogramVec
}

var allStates = []connection.State{
	connection.Disconnected,
	connection.Connecting,
	connection.Connected,
	connection.Reconnecting,
	connection.Failed,
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (1 for the active state, 0 otherwise).",
		}, []string{"state"}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Successful reconnects after a lost connection.",
		}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Decoded frames received, including heartbeats.",
		}, []string{"kind"}),
		malformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Inbound frames skipped because they did not decode.",
		}),
		eventsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_enqueued_total",
			Help:      "Events accepted into the queue.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped from the queue.",
		}, []string{"reason"}),
		eventsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_retried_total",
			Help:      "Event redeliveries scheduled after handler failures.",
		}, []string{"kind"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Handler invocations that returned an error or panicked.",
		}, []string{"kind"}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Events currently buffered.",
		}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent delivering one event to its handlers.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectionState,
		m.reconnectsTotal,
		m.eventsReceived,
		m.malformedTotal,
		m.eventsEnqueued,
		m.eventsDropped,
		m.eventsRetried,
		m.handlerFailures,
		m.queueLength,
		m.dispatchDuration,
	)
	m.setState(connection.Disconnected)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveState is a connection.Observer.
func (m *Metrics) ObserveState(from, to connection.State, _ error) {
	m.setState(to)
	if from == connection.Reconnecting && to == connection.Connected {
		m.reconnectsTotal.Inc()
	}
}

func (m *Metrics) setState(current connection.State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.connectionState.WithLabelValues(s.String()).Set(v)
	}
}

// FrameReceived implements connection.Recorder.
func (m *Metrics) FrameReceived(kind string) { m.eventsReceived.WithLabelValues(kind).Inc() }

// FrameMalformed implements connection.Recorder.
func (m *Metrics) FrameMalformed() { m.malformedTotal.Inc() }

// EventEnqueued implements queue.Recorder.
func (m *Metrics) EventEnqueued(kind string) { m.eventsEnqueued.WithLabelValues(kind).Inc() }

// EventDropped implements queue.Recorder.
func (m *Metrics) EventDropped(_ string, reason queue.DropReason) {
	m.eventsDropped.WithLabelValues(string(reason)).Inc()
}

// EventDispatched implements queue.Recorder.
func (m *Metrics) EventDispatched(kind string, elapsed time.Duration) {
	m.dispatchDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// EventRetried implements queue.Recorder.
func (m *Metrics) EventRetried(kind string) { m.eventsRetried.WithLabelValues(kind).Inc() }

// HandlerFailed implements queue.Recorder.
func (m *Metrics) HandlerFailed(kind string) { m.handlerFailures.WithLabelValues(kind).Inc() }

// QueueLength implements queue.Recorder.
func (m *Metrics) QueueLength(n int) { m.queueLength.Set(float64(n)) }
