package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "streamgate"

// Metrics holds the collectors.
type Metrics struct {
	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	handshakeFailures *prometheus.CounterVec
	protocolErrors    *prometheus.CounterVec
	heartbeatTimeouts prometheus.Counter
	broadcasts        *prometheus.CounterVec
	droppedFrames     prometheus.Counter
	pollFailures      *prometheus.CounterVec
	pollDuration      *prometheus.HistogramVec
	activePollTasks   prometheus.Gauge
	commands          *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open WebSocket connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted WebSocket connections.",
		}),
		handshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Rejected opening handshakes by reason.",
		}, []string{"reason"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Connections closed for protocol violations by close code.",
		}, []string{"code"}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Connections purged after missing pongs.",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Frames queued to subscribers by topic.",
		}, []string{"topic"}),
		droppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Broadcast frames discarded because a subscriber fell behind.",
		}),
		pollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Skipped poll cycles by topic.",
		}, []string{"topic"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Upstream poll latency by topic.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		activePollTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_poll_tasks",
			Help:      "Number of running topic poll tasks.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Client commands by type and outcome.",
		}, []string{"type", "outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.activeConnections,
			m.connectionsTotal,
			m.handshakeFailures,
			m.protocolErrors,
			m.heartbeatTimeouts,
			m.broadcasts,
			m.droppedFrames,
			m.pollFailures,
			m.pollDuration,
			m.activePollTasks,
			m.commands,
		)
	}
	return m
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
	m.connectionsTotal.Inc()
}

// ConnectionClosed records a connection leaving the registry.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// HandshakeFailed records a rejected handshake.
func (m *Metrics) HandshakeFailed(reason string) {
	if m == nil {
		return
	}
	m.handshakeFailures.WithLabelValues(reason).Inc()
}

// ProtocolError records a connection closed for a protocol violation.
func (m *Metrics) ProtocolError(code uint16) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

// HeartbeatTimeout records a purged connection.
func (m *Metrics) HeartbeatTimeout() {
	if m == nil {
		return
	}
	m.heartbeatTimeouts.Inc()
}

// Broadcast records frames queued for topic.
func (m *Metrics) Broadcast(topic string, delivered int) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(topic).Add(float64(delivered))
}

// FramesDropped records discarded broadcast frames.
func (m *Metrics) FramesDropped(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.droppedFrames.Add(float64(n))
}

// PollFailed records a skipped poll cycle.
func (m *Metrics) PollFailed(topic string) {
	if m == nil {
		return
	}
	m.pollFailures.WithLabelValues(topic).Inc()
}

// PollObserved records the latency of one upstream poll.
func (m *Metrics) PollObserved(topic string, d time.Duration) {
	if m == nil {
		return
	}
	m.pollDuration.WithLabelValues(topic).Observe(d.Seconds())
}

// PollTaskStarted records a topic becoming active.
func (m *Metrics) PollTaskStarted() {
	if m == nil {
		return
	}
	m.activePollTasks.Inc()
}

// PollTaskStopped records a topic becoming inactive.
func (m *Metrics) PollTaskStopped() {
	if m == nil {
		return
	}
	m.activePollTasks.Dec()
}

// Command records a client command and how it was handled.
func (m *Metrics) Command(kind, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind, outcome).Inc()
}
