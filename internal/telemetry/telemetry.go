// Package telemetry exposes process counters on the standard prometheus
// registry; the API server serves them at /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traffic_events_ingested_total",
		Help: "Events accepted and aggregated.",
	})
	EventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traffic_events_rejected_total",
		Help: "Events rejected at validation.",
	})
	StoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traffic_store_errors_total",
		Help: "Durable store failures surfaced as retryable.",
	})
	AnomaliesRaised = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traffic_anomalies_raised_total",
		Help: "Anomalies transitioned Normal to Active.",
	})
	OpenAnomalies = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "traffic_anomalies_open",
		Help: "Currently unresolved anomalies.",
	})
	MessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traffic_messages_published_total",
		Help: "Fan-out messages delivered to subscriber buffers.",
	})
	SubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traffic_subscribers_dropped_total",
		Help: "Subscribers disconnected for not keeping up.",
	})
)
