// Package metrics holds the Prometheus collectors shared by the transport and
// the connection registry. Collectors register with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "surge_connections_active",
			Help: "Current number of registered connections",
		},
	)

	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "surge_connections_total",
			Help: "Total number of accepted connections",
		},
	)

	ConnectionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "surge_connections_rejected_total",
			Help: "Connections refused because the registry was full",
		},
	)

	Upgrades = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "surge_websocket_upgrades_total",
			Help: "Total number of successful WebSocket handshakes",
		},
	)

	Disconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surge_disconnects_total",
			Help: "Connection teardowns by reason",
		},
		[]string{"reason"},
	)

	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surge_messages_received_total",
			Help: "Complete WebSocket messages delivered to the application",
		},
		[]string{"opcode"},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surge_messages_sent_total",
			Help: "WebSocket frames queued for sending",
		},
		[]string{"opcode"},
	)

	MessageSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "surge_message_size_bytes",
			Help:    "Size of received WebSocket messages",
			Buckets: []float64{16, 128, 1024, 8192, 65536, 1 << 20},
		},
	)

	BytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "surge_bytes_written_total",
			Help: "Bytes handed to the socket",
		},
	)

	ProtocolViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surge_protocol_violations_total",
			Help: "Connections dropped for protocol violations",
		},
		[]string{"reason"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surge_http_requests_total",
			Help: "Plain HTTP requests answered by the fallback handler",
		},
		[]string{"status"},
	)

	CallbackPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "surge_callback_panics_total",
			Help: "Panics recovered from application callbacks",
		},
	)
)
