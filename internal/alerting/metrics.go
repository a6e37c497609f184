package alerting

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_deliveries_total",
			Help: "Alert deliveries by channel, event type and result",
		},
		[]string{"channel", "event_type", "result"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alert_delivery_duration_seconds",
			Help:    "Alert delivery latency by channel",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_delivery_retries_total",
			Help: "Alert delivery retries by channel",
		},
		[]string{"channel"},
	)

	retryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alert_retry_queue_depth",
			Help: "Pending deliveries in the retry queue",
		},
	)
)

func recordDelivery(channel, eventType, result string, duration time.Duration) {
	deliveredTotal.WithLabelValues(channel, eventType, result).Inc()
	deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func recordRetry(channel string) {
	retriesTotal.WithLabelValues(channel).Inc()
}
