package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Datagram transport metrics
var (
	DatagramsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udpmail_datagrams_received_total",
			Help: "Total number of request datagrams received",
		},
		[]string{"server"},
	)

	DatagramsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udpmail_datagrams_sent_total",
			Help: "Total number of response datagrams sent",
		},
		[]string{"server"},
	)

	OversizedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udpmail_oversized_requests_total",
			Help: "Requests rejected for exceeding the datagram limit",
		},
		[]string{"server"},
	)

	TruncatedResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udpmail_truncated_responses_total",
			Help: "Responses truncated to fit the datagram limit",
		},
		[]string{"server", "command"},
	)

	TransportErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udpmail_transport_errors_total",
			Help: "Socket read and write errors",
		},
		[]string{"server", "direction"},
	)

	InflightRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "udpmail_inflight_requests",
			Help: "Requests currently being handled",
		},
		[]string{"server"},
	)
)

// Request routing metrics
var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udpmail_requests_total",
			Help: "Total number of routed requests by command and outcome",
		},
		[]string{"command", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "udpmail_request_duration_seconds",
			Help:    "Time spent handling a request",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"command"},
	)

	HandlerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "udpmail_handler_panics_total",
			Help: "Request handlers that panicked and were recovered",
		},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udpmail_authentication_attempts_total",
			Help: "Total number of LOGIN attempts",
		},
		[]string{"result"},
	)
)

// Account and mailbox metrics
var (
	AccountsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "udpmail_accounts_registered_total",
			Help: "Accounts created since start",
		},
	)

	AccountsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "udpmail_accounts",
			Help: "Number of registered accounts",
		},
	)

	MessagesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "udpmail_messages_stored_total",
			Help: "Messages written to mailboxes, welcome messages included",
		},
	)

	MessageBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "udpmail_message_size_bytes",
			Help:    "Size of stored messages in bytes",
			Buckets: []float64{128, 256, 512, 1024, 2048, 4096, 16384, 65536},
		},
	)

	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udpmail_storage_errors_total",
			Help: "Mailbox store I/O failures by operation",
		},
		[]string{"operation"},
	)

	IDCollisions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "udpmail_message_id_collisions_total",
			Help: "Message id collisions resolved by retrying with a new id",
		},
	)
)

// Health status metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "udpmail_component_health_status",
			Help: "Health status of components (1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udpmail_component_health_checks_total",
			Help: "Total number of health checks performed",
		},
		[]string{"component", "status"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "udpmail_component_health_check_duration_seconds",
			Help:    "Duration of health checks in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"component"},
	)
)
