package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons for connections that never reach a session.
const (
	dropReadError       = "read_error"
	dropControlTimeout  = "control_timeout"
	dropMalformed       = "malformed"
	dropUnexpected      = "unexpected_message"
	dropLicenceMismatch = "licence_mismatch"
	dropEmptyUUID       = "empty_uuid"
	dropUpgradeFailed   = "upgrade_failed"
)

// Session close reasons.
const (
	closeEOF         = "eof"
	closeError       = "error"
	closeIdleTimeout = "idle_timeout"
	closeShutdown    = "shutdown"
)

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	Parked         prometheus.Gauge
	ActiveSessions prometheus.Gauge
	Pairings       prometheus.Counter
	ParkTimeouts   prometheus.Counter
	Dropped        *prometheus.CounterVec
	ForwardedBytes prometheus.Counter
	SessionsClosed *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Parked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_parked_connections",
			Help: "Connections waiting in the pairing table.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Relay sessions currently forwarding.",
		}),
		Pairings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_pairings_total",
			Help: "Connections paired with a parked counterpart.",
		}),
		ParkTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_park_timeouts_total",
			Help: "Parked connections closed without being claimed.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dropped_connections_total",
			Help: "Connections dropped before pairing.",
		}, []string{"reason"}),
		ForwardedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_forwarded_bytes_total",
			Help: "Payload bytes forwarded between paired connections.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sessions_closed_total",
			Help: "Relay sessions ended.",
		}, []string{"reason"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Parked,
			m.ActiveSessions,
			m.Pairings,
			m.ParkTimeouts,
			m.Dropped,
			m.ForwardedBytes,
			m.SessionsClosed,
		)
	}
	return m
}
