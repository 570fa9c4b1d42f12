// Package metrics exposes Prometheus collectors for every stage of the
// bounce pipeline, registered at package-init time the same way as the
// teacher's own metrics package.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest server
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bouncer_frames_received_total",
		Help: "Total frames accepted by the TCP ingest server",
	}, []string{"kind"})

	FramesAckFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bouncer_frames_ack_failed_total",
		Help: "Total frames where the ACK write back to the client failed",
	})

	// Spool + dispatcher
	SpoolEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bouncer_spool_enqueued_total",
		Help: "Total mail payloads written to the incoming spool directory",
	})

	SpoolProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bouncer_spool_processed_total",
		Help: "Total spooled messages moved out of processing/, by outcome",
	}, []string{"outcome"})

	// Parser
	ParseDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bouncer_parse_duration_seconds",
		Help:    "Time taken to parse a bounce report",
		Buckets: prometheus.DefBuckets,
	})

	ParseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bouncer_parse_failures_total",
		Help: "Total bounce parse failures, by reason",
	}, []string{"reason"})

	// Database gateway
	DBUpsertDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bouncer_db_upsert_duration_seconds",
		Help:    "Time taken by a database upsert, by kind",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	DBErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bouncer_db_errors_total",
		Help: "Total database errors across every gateway call",
	})

	// IMAP poller
	IMAPPollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bouncer_imap_poll_duration_seconds",
		Help:    "Time taken by one IMAP poll cycle",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	IMAPMessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bouncer_imap_messages_processed_total",
		Help: "Total IMAP messages processed, by outcome",
	}, []string{"outcome"})

	// Observer / journal
	ObserverEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bouncer_observer_events_total",
		Help: "Total delivery events published, by source",
	}, []string{"source"})

	ObserverEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bouncer_observer_events_dropped_total",
		Help: "Total delivery events dropped because the publish queue was full",
	})

	PublisherReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bouncer_publisher_reconnects_total",
		Help: "Total times the publisher had to reconnect to the ingest server",
	})
)

// Handler returns the promhttp handler used by the optional /metrics
// listener (see cmd/bouncer-server's metrics.listen config key).
func Handler() http.Handler {
	return promhttp.Handler()
}
