package gophxchannels

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors a Socket reports to. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Connects          prometheus.Counter
	Closes            *prometheus.CounterVec
	TransportErrors   prometheus.Counter
	ReconnectsPlanned prometheus.Counter
	HeartbeatTimeouts prometheus.Counter
	FramesSent        *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	DecodeErrors      prometheus.Counter
	StaleFrames       prometheus.Counter
	Fallbacks         prometheus.Counter
	Joins             *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "phx",
			Subsystem: "socket",
			Name:      "connects_total",
			Help:      "Transports that reached the open state.",
		}),
		Closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phx",
			Subsystem: "socket",
			Name:      "closes_total",
			Help:      "Transport closes by cleanliness.",
		}, []string{"clean"}),
		TransportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "phx",
			Subsystem: "socket",
			Name:      "transport_errors_total",
			Help:      "Errors reported by transports.",
		}),
		ReconnectsPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "phx",
			Subsystem: "socket",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled by the backoff timer.",
		}),
		HeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "phx",
			Subsystem: "socket",
			Name:      "heartbeat_timeouts_total",
			Help:      "Heartbeats that got no reply in time.",
		}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phx",
			Subsystem: "socket",
			Name:      "frames_sent_total",
			Help:      "Frames handed to the transport by encoding.",
		}, []string{"encoding"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phx",
			Subsystem: "socket",
			Name:      "frames_received_total",
			Help:      "Frames decoded from the transport by encoding.",
		}, []string{"encoding"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "phx",
			Subsystem: "socket",
			Name:      "decode_errors_total",
			Help:      "Inbound frames that failed to decode.",
		}),
		StaleFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "phx",
			Subsystem: "channel",
			Name:      "stale_frames_total",
			Help:      "Lifecycle frames dropped for carrying an outdated join ref.",
		}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "phx",
			Subsystem: "socket",
			Name:      "fallbacks_total",
			Help:      "Connections that fell back to the secondary transport.",
		}),
		Joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phx",
			Subsystem: "channel",
			Name:      "joins_total",
			Help:      "Join outcomes by status.",
		}, []string{"status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Connects,
			m.Closes,
			m.TransportErrors,
			m.ReconnectsPlanned,
			m.HeartbeatTimeouts,
			m.FramesSent,
			m.FramesReceived,
			m.DecodeErrors,
			m.StaleFrames,
			m.Fallbacks,
			m.Joins,
		)
	}
	return m
}

func frameEncoding(binary bool) string {
	if binary {
		return "binary"
	}
	return "text"
}

func (m *Metrics) connect() {
	if m != nil {
		m.Connects.Inc()
	}
}

func (m *Metrics) close(clean bool) {
	if m == nil {
		return
	}
	label := "false"
	if clean {
		label = "true"
	}
	m.Closes.WithLabelValues(label).Inc()
}

func (m *Metrics) transportError() {
	if m != nil {
		m.TransportErrors.Inc()
	}
}

func (m *Metrics) reconnectScheduled() {
	if m != nil {
		m.ReconnectsPlanned.Inc()
	}
}

func (m *Metrics) heartbeatTimeout() {
	if m != nil {
		m.HeartbeatTimeouts.Inc()
	}
}

func (m *Metrics) frameSent(binary bool) {
	if m != nil {
		m.FramesSent.WithLabelValues(frameEncoding(binary)).Inc()
	}
}

func (m *Metrics) frameReceived(binary bool) {
	if m != nil {
		m.FramesReceived.WithLabelValues(frameEncoding(binary)).Inc()
	}
}

func (m *Metrics) decodeError() {
	if m != nil {
		m.DecodeErrors.Inc()
	}
}

func (m *Metrics) staleFrame() {
	if m != nil {
		m.StaleFrames.Inc()
	}
}

func (m *Metrics) fallback() {
	if m != nil {
		m.Fallbacks.Inc()
	}
}

func (m *Metrics) join(status string) {
	if m != nil {
		m.Joins.WithLabelValues(status).Inc()
	}
}
