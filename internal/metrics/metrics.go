// Package metrics: счётчики Prometheus для доставки, хранилища и синхронизации.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "phonemesh"

var (
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events handed to the broadcast transport, by type.",
		},
		[]string{"type"},
	)
	DeliveriesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dropped_total",
			Help:      "Broadcasts that failed and were left to the reconciler, by type.",
		},
		[]string{"type"},
	)
	EventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Incoming events applied to local state, by type.",
		},
		[]string{"type"},
	)
	PersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Failed writes to the authoritative store or local cache.",
		},
	)
	Reconciles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Reconcile attempts by result (ok, unavailable, error).",
		},
		[]string{"result"},
	)
	MessagesAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages appended to local device copies.",
		},
	)
	OutboxSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_size",
			Help:      "Events waiting for an authority acknowledgement.",
		},
	)
	HTTPPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_panics_total",
			Help:      "Handler panics recovered by the HTTP middleware.",
		},
	)
	RelayClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_clients",
			Help:      "Clients connected to the websocket relay.",
		},
	)
)

func init() {
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(DeliveriesDropped)
	prometheus.MustRegister(EventsApplied)
	prometheus.MustRegister(PersistFailures)
	prometheus.MustRegister(Reconciles)
	prometheus.MustRegister(MessagesAppended)
	prometheus.MustRegister(OutboxSize)
	prometheus.MustRegister(RelayClients)
	prometheus.MustRegister(HTTPPanics)
}

// Handler — /metrics.
func Handler() http.Handler { return promhttp.Handler() }
