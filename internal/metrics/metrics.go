// Package metrics holds the relay's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingest outcomes.
const (
	OutcomeCreated   = "created"
	OutcomeDuplicate = "duplicate"
	OutcomeEcho      = "echo"
	OutcomeIgnored   = "ignored"
	OutcomeError     = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	IngestedEvents    *prometheus.CounterVec
	StatusTransitions *prometheus.CounterVec
	Sends             *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	PrunedDeliveries  prometheus.Counter
}

// New creates the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		IngestedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "ingested_events_total",
			Help:      "Provider events processed, by event kind and outcome.",
		}, []string{"kind", "outcome"}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "status_transitions_total",
			Help:      "Message status changes applied, by target status.",
		}, []string{"status"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "outbound_sends_total",
			Help:      "Outbound sends, by message type and outcome.",
		}, []string{"type", "outcome"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "event_deliveries_total",
			Help:      "Outward event deliveries, by channel and result.",
		}, []string{"channel", "result"}),
		PrunedDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "pruned_delivery_records_total",
			Help:      "Delivery records removed after the dedup window.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.IngestedEvents,
		m.StatusTransitions,
		m.Sends,
		m.Deliveries,
		m.PrunedDeliveries,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The helpers below accept a nil receiver so components can run without metrics.

func (m *Metrics) Ingested(kind, outcome string) {
	if m == nil {
		return
	}
	m.IngestedEvents.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) StatusChanged(status string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Sent(msgType, outcome string) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(msgType, outcome).Inc()
}

func (m *Metrics) Delivered(channel string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.Deliveries.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) Pruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.PrunedDeliveries.Add(float64(n))
}
