package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StoreQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertfeed_store_queries_total",
			Help: "Total number of event store round trips",
		},
		[]string{"backend", "op", "outcome"},
	)

	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alertfeed_store_query_duration_seconds",
			Help:    "Time taken by event store round trips",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	Polls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertfeed_polls_total",
			Help: "Total number of watermark polls",
		},
		[]string{"outcome"},
	)

	PollBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alertfeed_poll_batch_size",
			Help:    "Number of new alerts detected per poll",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)

	Watermark = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertfeed_watermark_timestamp_seconds",
			Help: "Ingestion time of the last alert handed to live subscribers",
		},
	)

	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertfeed_live_subscribers",
			Help: "Number of connected live subscribers",
		},
	)

	Delivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertfeed_live_messages_delivered_total",
			Help: "Total number of alert messages queued to live subscribers",
		},
	)

	SubscribersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertfeed_live_subscribers_dropped_total",
			Help: "Total number of live subscribers dropped because their queue was full",
		},
	)

	PlannerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertfeed_planner_requests_total",
			Help: "Total number of browse/search/delete/export/stats requests",
		},
		[]string{"op", "outcome"},
	)

	RelayPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertfeed_relay_messages_total",
			Help: "Total number of alerts handled by the Kafka relay",
		},
		[]string{"outcome"},
	)

	CheckpointErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertfeed_checkpoint_errors_total",
			Help: "Total number of watermark checkpoint failures",
		},
		[]string{"op"},
	)
)
