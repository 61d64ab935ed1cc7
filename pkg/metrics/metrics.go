// Package metrics exposes prometheus collectors for session establishment
// and secure messaging. A nil *Metrics is valid and records nothing, so
// components can take one unconditionally.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mattersession"

// Handshake results.
const (
	ResultEstablished = "established"
	ResultFailed      = "failed"
)

// Metrics groups the collectors. Construct with New.
type Metrics struct {
	replayDrops      *prometheus.CounterVec
	handshakes       *prometheus.CounterVec
	handshakeLatency *prometheus.HistogramVec
	rejected         prometheus.Counter
	activeSessions   prometheus.Gauge
	evictions        prometheus.Counter
	retransmissions  prometheus.Counter
	ackTimeouts      prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		replayDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_drops_total",
			Help:      "Inbound messages dropped by counter validation.",
		}, []string{"reason"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Completed handshakes by role and result.",
		}, []string{"role", "result"}),
		handshakeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from handshake start to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"role", "result"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_rejected_total",
			Help:      "Inbound handshakes refused with a busy status.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Secure sessions currently active.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_evictions_total",
			Help:      "Sessions evicted to make room for a new one.",
		}),
		retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmissions_total",
			Help:      "Reliable messages retransmitted.",
		}),
		ackTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_timeouts_total",
			Help:      "Reliable messages given up on after the last transmission.",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.replayDrops, m.handshakes, m.handshakeLatency, m.rejected,
		m.activeSessions, m.evictions, m.retransmissions, m.ackTimeouts,
	}
}

// ReplayDropped counts a message rejected by its counter window.
func (m *Metrics) ReplayDropped(reason string) {
	if m == nil {
		return
	}
	m.replayDrops.WithLabelValues(reason).Inc()
}

// HandshakeCompleted records the outcome and latency of one handshake.
func (m *Metrics) HandshakeCompleted(role string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := ResultEstablished
	if err != nil {
		result = ResultFailed
	}
	m.handshakes.WithLabelValues(role, result).Inc()
	m.handshakeLatency.WithLabelValues(role, result).Observe(elapsed.Seconds())
}

// HandshakeRejected counts an inbound handshake refused for load.
func (m *Metrics) HandshakeRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

// SessionActivated increments the active session gauge.
func (m *Metrics) SessionActivated() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionReleased decrements the active session gauge.
func (m *Metrics) SessionReleased() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// SessionEvicted counts an eviction.
func (m *Metrics) SessionEvicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

// Retransmitted counts one retransmission.
func (m *Metrics) Retransmitted() {
	if m == nil {
		return
	}
	m.retransmissions.Inc()
}

// AckTimedOut counts a message that exhausted its transmissions.
func (m *Metrics) AckTimedOut() {
	if m == nil {
		return
	}
	m.ackTimeouts.Inc()
}
