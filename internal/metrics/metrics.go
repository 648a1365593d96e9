// Package metrics exposes Prometheus counters for signals, decisions and orders.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autotrader"

// Metrics holds the trader's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SignalsTotal       *prometheus.CounterVec
	DecisionsTotal     *prometheus.CounterVec
	AdmissionsDenied   *prometheus.CounterVec
	OrdersTotal        *prometheus.CounterVec
	RolloversTotal     prometheus.Counter
	TransitionDuration prometheus.Histogram
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SignalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "signals_total", Help: "Inbound signals by kind"},
			[]string{"symbol", "kind"},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "decisions_total", Help: "Signal outcomes by status"},
			[]string{"status"},
		),
		AdmissionsDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "admissions_denied_total", Help: "Transitions refused by the guard"},
			[]string{"reason"},
		),
		OrdersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "orders_total", Help: "Orders by action and result"},
			[]string{"action", "result"},
		),
		RolloversTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "rollovers_total", Help: "Completed contract rollovers"},
		),
		TransitionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transition_duration_seconds",
			Help:      "Time from admission to release",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 40},
		}),
	}
	m.registry.MustRegister(
		m.SignalsTotal,
		m.DecisionsTotal,
		m.AdmissionsDenied,
		m.OrdersTotal,
		m.RolloversTotal,
		m.TransitionDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Signal(symbol, kind string) {
	if m == nil {
		return
	}
	m.SignalsTotal.WithLabelValues(symbol, kind).Inc()
}

func (m *Metrics) Decision(status string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) Denied(reason string) {
	if m == nil {
		return
	}
	m.AdmissionsDenied.WithLabelValues(reason).Inc()
}

func (m *Metrics) Order(action string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.OrdersTotal.WithLabelValues(action, result).Inc()
}

func (m *Metrics) Rollover() {
	if m == nil {
		return
	}
	m.RolloversTotal.Inc()
}

func (m *Metrics) Transition(d time.Duration) {
	if m == nil {
		return
	}
	m.TransitionDuration.Observe(d.Seconds())
}
