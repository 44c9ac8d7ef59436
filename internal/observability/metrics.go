package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the realtime core.
//
// A nil *Metrics is valid and records nothing, so components and tests can
// run without a registry.
type Metrics struct {
	// Connections is the number of authenticated live connections.
	Connections prometheus.Gauge

	// UsersOnline is the number of users with at least one connection.
	UsersOnline prometheus.Gauge

	// Messages counts routed messages.
	// Labels: kind (direct|room), status (delivered|failed)
	Messages *prometheus.CounterVec

	// Events counts outbound frames handed to the transport.
	// Labels: type
	Events *prometheus.CounterVec

	// CallTransitions counts call state machine transitions.
	// Labels: state (ringing|active|rejected|missed|ended)
	CallTransitions *prometheus.CounterVec

	// Notifications counts notification fan-outs.
	// Labels: result (delivered|no_connections)
	Notifications *prometheus.CounterVec

	// OutboxRelayed counts outbox events published to the broker.
	OutboxRelayed prometheus.Counter

	// SlowClients counts connections dropped because their send buffer was full.
	SlowClients prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Current number of authenticated connections",
		}),
		UsersOnline: f.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_users_online",
			Help: "Current number of users with at least one connection",
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_messages_total",
			Help: "Total number of routed messages by kind and status",
		}, []string{"kind", "status"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_emitted_total",
			Help: "Total number of outbound events by type",
		}, []string{"type"}),
		CallTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_call_transitions_total",
			Help: "Total number of call state transitions by target state",
		}, []string{"state"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_notifications_total",
			Help: "Total number of notification fan-outs by result",
		}, []string{"result"}),
		OutboxRelayed: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_outbox_relayed_total",
			Help: "Total number of outbox events published to the broker",
		}),
		SlowClients: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_slow_clients_dropped_total",
			Help: "Total number of connections dropped for a full send buffer",
		}),
	}
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(n))
}

func (m *Metrics) SetUsersOnline(n int) {
	if m == nil {
		return
	}
	m.UsersOnline.Set(float64(n))
}

func (m *Metrics) MessageRouted(kind string, ok bool) {
	if m == nil {
		return
	}
	status := "delivered"
	if !ok {
		status = "failed"
	}
	m.Messages.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) EventEmitted(eventType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Events.WithLabelValues(eventType).Add(float64(n))
}

func (m *Metrics) CallTransition(state string) {
	if m == nil {
		return
	}
	m.CallTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) NotificationDelivered(connections int) {
	if m == nil {
		return
	}
	result := "delivered"
	if connections == 0 {
		result = "no_connections"
	}
	m.Notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) OutboxPublished(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OutboxRelayed.Add(float64(n))
}

func (m *Metrics) SlowClientDropped() {
	if m == nil {
		return
	}
	m.SlowClients.Inc()
}
