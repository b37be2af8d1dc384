// Package metrics exposes Prometheus counters for the session core. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fleetsession"

type Metrics struct {
	Renewals       *prometheus.CounterVec
	Requests       *prometheus.CounterVec
	RequestRetries prometheus.Counter
	BusMessages    *prometheus.CounterVec
}

// New creates the counters and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewals_total",
			Help:      "Credential renewals by outcome.",
		}, []string{"outcome"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Pipeline requests by final outcome.",
		}, []string{"outcome"}),
		RequestRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_retries_total",
			Help:      "Attempts repeated after a transient failure.",
		}),
		BusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_total",
			Help:      "Cross-process bus messages by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Renewals, m.Requests, m.RequestRetries, m.BusMessages)
	}
	return m
}

func (m *Metrics) Renewal(outcome string) {
	if m == nil {
		return
	}
	m.Renewals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.RequestRetries.Inc()
}

func (m *Metrics) Bus(outcome string) {
	if m == nil {
		return
	}
	m.BusMessages.WithLabelValues(outcome).Inc()
}
