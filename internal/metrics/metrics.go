package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"livecam/native/internal/domain"
)

// Metrics holds Prometheus counters and gauges for the viewer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	probesTotal    *prometheus.CounterVec
	statsTotal     *prometheus.CounterVec
	negotiations   *prometheus.CounterVec
	transportsOpen prometheus.Gauge
	transitions    *prometheus.CounterVec
	state          *prometheus.GaugeVec
}

// New creates and registers the viewer metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecam_heartbeat_probes_total",
			Help: "Heartbeat probes by result (up or down)",
		}, []string{"result"}),
		statsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecam_stats_fetches_total",
			Help: "Camera metadata fetches by result (ok or error)",
		}, []string{"result"}),
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecam_negotiations_total",
			Help: "WHEP negotiation attempts by result (ok or error)",
		}, []string{"result"}),
		transportsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livecam_transports_open",
			Help: "Number of open media transports (at most one)",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livecam_transitions_total",
			Help: "Availability state transitions",
		}, []string{"from", "to"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecam_state",
			Help: "Current availability state (1 for the active state)",
		}, []string{"state"}),
	}

	registry.MustRegister(
		m.probesTotal,
		m.statsTotal,
		m.negotiations,
		m.transportsOpen,
		m.transitions,
		m.state,
	)
	m.SetState(domain.StateOffline)

	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveProbe counts one heartbeat probe.
func (m *Metrics) ObserveProbe(up bool) {
	if m == nil {
		return
	}
	m.probesTotal.WithLabelValues(result(up, "up", "down")).Inc()
}

// ObserveStatsFetch counts one metadata fetch.
func (m *Metrics) ObserveStatsFetch(ok bool) {
	if m == nil {
		return
	}
	m.statsTotal.WithLabelValues(result(ok, "ok", "error")).Inc()
}

// ObserveNegotiation counts one negotiation attempt.
func (m *Metrics) ObserveNegotiation(err error) {
	if m == nil {
		return
	}
	m.negotiations.WithLabelValues(result(err == nil, "ok", "error")).Inc()
}

// TransportOpened increments the open transport gauge.
func (m *Metrics) TransportOpened() {
	if m == nil {
		return
	}
	m.transportsOpen.Inc()
}

// TransportClosed decrements the open transport gauge.
func (m *Metrics) TransportClosed() {
	if m == nil {
		return
	}
	m.transportsOpen.Dec()
}

// ObserveTransition counts a transition and moves the state gauge.
func (m *Metrics) ObserveTransition(from, to domain.State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
	m.SetState(to)
}

// SetState marks s as the active state.
func (m *Metrics) SetState(s domain.State) {
	if m == nil {
		return
	}
	for _, st := range domain.States {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(st.String()).Set(v)
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
