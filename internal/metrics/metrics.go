// Package metrics holds the Prometheus collectors shared by the gateway,
// the queue and the dispatcher.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Singleton metrics instance
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus metrics for the relay
type Metrics struct {
	// Gateway
	ConnectionsTotal     prometheus.Counter
	ConnectionsActive    prometheus.Gauge
	ConnectionsRejected  *prometheus.CounterVec
	ConnectionDuration   prometheus.Histogram
	TLSConnections       prometheus.Counter
	TLSHandshakeFailures prometheus.Counter
	AuthAttempts         *prometheus.CounterVec
	MessagesReceived     prometheus.Counter
	MessagesRejected     *prometheus.CounterVec
	MessageSize          prometheus.Histogram

	// Queue
	QueueSize     *prometheus.GaugeVec
	RetryRecords  prometheus.Gauge
	QueueOutcomes *prometheus.CounterVec
	RetrySweeps   prometheus.Counter
	SkippedSweeps prometheus.Counter
	InfraFailures *prometheus.CounterVec

	// Dispatcher
	DeliveriesInFlight prometheus.Gauge
	DeliveryDuration   prometheus.Histogram
	GraphResponses     *prometheus.CounterVec
	ThrottleRetries    prometheus.Counter
	TokenFetches       *prometheus.CounterVec
}

// GetMetrics returns the singleton metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

// newMetrics creates and registers all metrics
func newMetrics() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smtp2graph_connections_total",
			Help: "Total number of SMTP connections",
		}),
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "smtp2graph_connections_active",
			Help: "Number of open SMTP connections",
		}),
		ConnectionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "smtp2graph_connections_rejected_total",
			Help: "SMTP connections refused at admission",
		}, []string{"reason"}),
		ConnectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "smtp2graph_connection_duration_seconds",
			Help:    "Duration of SMTP connections",
			Buckets: prometheus.DefBuckets,
		}),
		TLSConnections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smtp2graph_tls_connections_total",
			Help: "Sessions that completed a TLS handshake",
		}),
		TLSHandshakeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smtp2graph_tls_handshake_failures_total",
			Help: "Failed TLS handshakes",
		}),
		AuthAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "smtp2graph_auth_attempts_total",
			Help: "SMTP AUTH attempts by result",
		}, []string{"result"}),
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smtp2graph_messages_received_total",
			Help: "Messages accepted into the queue",
		}),
		MessagesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "smtp2graph_messages_rejected_total",
			Help: "Messages refused during the SMTP transaction",
		}, []string{"reason"}),
		MessageSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "smtp2graph_message_size_bytes",
			Help:    "Size of accepted messages",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),

		QueueSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smtp2graph_queue_size",
			Help: "Number of message files per queue area",
		}, []string{"area"}),
		RetryRecords: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "smtp2graph_retry_records",
			Help: "Messages waiting for a retry",
		}),
		QueueOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "smtp2graph_queue_outcomes_total",
			Help: "Delivery attempt outcomes as seen by the queue",
		}, []string{"outcome"}),
		RetrySweeps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smtp2graph_retry_sweeps_total",
			Help: "Retry sweeps started",
		}),
		SkippedSweeps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smtp2graph_retry_sweeps_skipped_total",
			Help: "Retry ticks skipped because a sweep was still running",
		}),
		InfraFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "smtp2graph_queue_infrastructure_errors_total",
			Help: "Filesystem and watcher errors in the queue",
		}, []string{"op"}),

		DeliveriesInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "smtp2graph_deliveries_in_flight",
			Help: "Graph submissions currently in progress",
		}),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "smtp2graph_delivery_duration_seconds",
			Help:    "Duration of a delivery including throttling retries",
			Buckets: prometheus.DefBuckets,
		}),
		GraphResponses: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "smtp2graph_graph_responses_total",
			Help: "sendMail responses by HTTP status code",
		}, []string{"code"}),
		ThrottleRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smtp2graph_graph_throttle_retries_total",
			Help: "sendMail calls retried after a throttling response",
		}),
		TokenFetches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "smtp2graph_token_fetches_total",
			Help: "OAuth2 token requests by result",
		}, []string{"result"}),
	}
}

// TrackConnectionDuration tracks the duration of an SMTP connection
func (m *Metrics) TrackConnectionDuration(f func() error) error {
	startTime := time.Now()
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()

	defer func() {
		m.ConnectionDuration.Observe(time.Since(startTime).Seconds())
		m.ConnectionsActive.Dec()
	}()

	return f()
}

// TrackDelivery records a dispatcher call's duration and in-flight count
func (m *Metrics) TrackDelivery(f func() error) error {
	startTime := time.Now()
	m.DeliveriesInFlight.Inc()

	defer func() {
		m.DeliveryDuration.Observe(time.Since(startTime).Seconds())
		m.DeliveriesInFlight.Dec()
	}()

	return f()
}
