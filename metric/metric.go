// Package metric holds the Prometheus instruments exported by the gateway.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metric

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mcp_gateway"

// Metrics contains the gateway's instruments.
type Metrics struct {
	SessionsActive    prometheus.Gauge
	SinksAttached     prometheus.Gauge
	FramesWritten     *prometheus.CounterVec
	WriteFailures     *prometheus.CounterVec
	NotificationsSent *prometheus.CounterVec
	EventsReceived    *prometheus.CounterVec
	RPCCalls          *prometheus.CounterVec
	BackendDuration   *prometheus.HistogramVec
}

// NewMetrics creates the instruments and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of sessions currently registered",
		}),
		SinksAttached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "sinks_attached",
			Help:      "Number of sessions with an attached stream",
		}),
		FramesWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "frames_written_total",
				Help:      "Frames written to session streams",
			},
			[]string{"event"},
		),
		WriteFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "write_failures_total",
				Help:      "Frame writes that failed and fell back to queuing",
			},
			[]string{"event"},
		),
		NotificationsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notifications",
				Name:      "total",
				Help:      "Notifications handled by the transport, by outcome (delivered, queued, dropped)",
			},
			[]string{"outcome"},
		),
		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "events_total",
				Help:      "Domain events seen by the notification bridge, by outcome",
			},
			[]string{"outcome"},
		),
		RPCCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "calls_total",
				Help:      "RPC calls by method and result code (0 for success)",
			},
			[]string{"method", "code"},
		),
		BackendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "invoke_duration_seconds",
				Help:      "Backend operation invocation latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.SessionsActive,
			m.SinksAttached,
			m.FramesWritten,
			m.WriteFailures,
			m.NotificationsSent,
			m.EventsReceived,
			m.RPCCalls,
			m.BackendDuration,
		)
	}
	return m
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

func (m *Metrics) SetSinks(n int) {
	if m == nil {
		return
	}
	m.SinksAttached.Set(float64(n))
}

func (m *Metrics) FrameWritten(event string) {
	if m == nil {
		return
	}
	m.FramesWritten.WithLabelValues(event).Inc()
}

func (m *Metrics) WriteFailed(event string) {
	if m == nil {
		return
	}
	m.WriteFailures.WithLabelValues(event).Inc()
}

// Notification records a transport outcome: "delivered", "queued" or "dropped".
func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.NotificationsSent.WithLabelValues(outcome).Inc()
}

// Event records a bridge outcome: "delivered", "filtered", "untargeted" or "failed".
func (m *Metrics) Event(outcome string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RPCCall(method string, code int) {
	if m == nil {
		return
	}
	m.RPCCalls.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

func (m *Metrics) ObserveBackend(operation string, started time.Time) {
	if m == nil {
		return
	}
	m.BackendDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}
