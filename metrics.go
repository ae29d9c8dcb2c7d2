package clush

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Routing outcomes recorded by the Router.
const (
	routeDelivered = "delivered"
	routeOffline   = "offline"
	routeQueueFull = "queue_full"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	connections   prometheus.Gauge
	sessions      prometheus.Gauge
	logins        *prometheus.CounterVec
	framesRead    *prometheus.CounterVec
	routed        *prometheus.CounterVec
	storageWrites *prometheus.CounterVec
}

// NewMetrics creates the collectors under namespace and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "clush"
	}
	factory := promauto.With(reg)

	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open client connections",
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Authenticated sessions",
		}),
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by result",
		}, []string{"result"}),
		framesRead: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_read_total",
			Help:      "Frames decoded from clients by kind",
		}, []string{"kind"}),
		routed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_routed_total",
			Help:      "Frames handled by the router by outcome",
		}, []string{"outcome"}),
		storageWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stored_total",
			Help:      "User message writes by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) login(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.logins.WithLabelValues("success").Inc()
	} else {
		m.logins.WithLabelValues("failure").Inc()
	}
}

func (m *Metrics) frameRead(k Kind) {
	if m != nil {
		m.framesRead.WithLabelValues(k.String()).Inc()
	}
}

func (m *Metrics) route(outcome string) {
	if m != nil {
		m.routed.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) stored(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.storageWrites.WithLabelValues("error").Inc()
	} else {
		m.storageWrites.WithLabelValues("ok").Inc()
	}
}
