package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors of one Manager.
type Metrics struct {
	Refreshes          *prometheus.CounterVec
	RefreshAttempts    prometheus.Counter
	QueueTimeouts      prometheus.Counter
	ClockDisagreements prometheus.Counter
	Bans               prometheus.Counter
	RemoteEvents       *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them on reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "session",
			Name:      "refreshes_total",
			Help:      "Settled refresh operations by outcome.",
		}, []string{"outcome"}),
		RefreshAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "session",
			Name:      "refresh_attempts_total",
			Help:      "Network calls made to the refresh endpoint.",
		}),
		QueueTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "session",
			Name:      "queue_timeouts_total",
			Help:      "Requests that gave up waiting for an in-flight refresh.",
		}),
		ClockDisagreements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "session",
			Name:      "clock_disagreements_total",
			Help:      "401 responses for tokens the local clock still considered valid.",
		}),
		Bans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "session",
			Name:      "bans_total",
			Help:      "Ban or deactivation responses that ended the session.",
		}),
		RemoteEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "session",
			Name:      "remote_events_total",
			Help:      "Events received from other session contexts by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Refreshes,
			m.RefreshAttempts,
			m.QueueTimeouts,
			m.ClockDisagreements,
			m.Bans,
			m.RemoteEvents,
		)
	}
	return m
}
