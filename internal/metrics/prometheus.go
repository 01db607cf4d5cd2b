package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal    *prometheus.CounterVec
	connectionsActive   *prometheus.GaugeVec
	connectionsRejected *prometheus.CounterVec
	tlsConnectionsTotal *prometheus.CounterVec

	// Message metrics
	messagesReceivedTotal *prometheus.CounterVec
	messagesRejectedTotal *prometheus.CounterVec
	messagesSizeBytes     prometheus.Histogram

	// Mailbox access metrics
	messagesRetrievedTotal prometheus.Counter
	retrievedSizeBytes     prometheus.Histogram
	messagesExpungedTotal  prometheus.Counter

	// Authentication metrics
	authAttemptsTotal *prometheus.CounterVec

	// Command metrics
	commandsTotal *prometheus.CounterVec

	// Outbound delivery metrics
	deliveriesTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	sizeBuckets := []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800}

	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maild_connections_total",
			Help: "Total number of connections opened.",
		}, []string{"protocol"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maild_connections_active",
			Help: "Number of currently active connections.",
		}, []string{"protocol"}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maild_connections_rejected_total",
			Help: "Total number of connections rejected at admission.",
		}, []string{"protocol"}),
		tlsConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maild_tls_connections_total",
			Help: "Total number of TLS connections established.",
		}, []string{"protocol"}),

		messagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maild_messages_received_total",
			Help: "Total number of messages received.",
		}, []string{"recipient_domain"}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maild_messages_rejected_total",
			Help: "Total number of messages rejected.",
		}, []string{"recipient_domain", "reason"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "maild_messages_size_bytes",
			Help:    "Size of received messages in bytes.",
			Buckets: sizeBuckets,
		}),

		messagesRetrievedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maild_messages_retrieved_total",
			Help: "Total number of messages retrieved over POP3.",
		}),
		retrievedSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "maild_retrieved_size_bytes",
			Help:    "Size of retrieved messages in bytes.",
			Buckets: sizeBuckets,
		}),
		messagesExpungedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maild_messages_expunged_total",
			Help: "Total number of messages expunged at session close.",
		}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maild_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"protocol", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maild_commands_total",
			Help: "Total number of protocol commands processed.",
		}, []string{"protocol", "command"}),

		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maild_deliveries_total",
			Help: "Total number of outbound delivery attempts.",
		}, []string{"remote_host", "result"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.connectionsRejected,
		c.tlsConnectionsTotal,
		c.messagesReceivedTotal,
		c.messagesRejectedTotal,
		c.messagesSizeBytes,
		c.messagesRetrievedTotal,
		c.retrievedSizeBytes,
		c.messagesExpungedTotal,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.deliveriesTotal,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened(protocol string) {
	c.connectionsTotal.WithLabelValues(protocol).Inc()
	c.connectionsActive.WithLabelValues(protocol).Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed(protocol string) {
	c.connectionsActive.WithLabelValues(protocol).Dec()
}

// ConnectionRejected increments the rejected connections counter.
func (c *PrometheusCollector) ConnectionRejected(protocol string) {
	c.connectionsRejected.WithLabelValues(protocol).Inc()
}

// TLSConnectionEstablished increments the TLS connection counter.
func (c *PrometheusCollector) TLSConnectionEstablished(protocol string) {
	c.tlsConnectionsTotal.WithLabelValues(protocol).Inc()
}

// MessageReceived increments the message received counter and observes message size.
func (c *PrometheusCollector) MessageReceived(recipientDomain string, sizeBytes int64) {
	c.messagesReceivedTotal.WithLabelValues(recipientDomain).Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// MessageRejected increments the message rejected counter.
func (c *PrometheusCollector) MessageRejected(recipientDomain string, reason string) {
	c.messagesRejectedTotal.WithLabelValues(recipientDomain, reason).Inc()
}

// MessageRetrieved increments the retrieval counter and observes message size.
func (c *PrometheusCollector) MessageRetrieved(sizeBytes int64) {
	c.messagesRetrievedTotal.Inc()
	c.retrievedSizeBytes.Observe(float64(sizeBytes))
}

// MessagesExpunged adds the number of messages removed in an UPDATE pass.
func (c *PrometheusCollector) MessagesExpunged(count int) {
	c.messagesExpungedTotal.Add(float64(count))
}

// AuthAttempt increments the authentication attempts counter.
func (c *PrometheusCollector) AuthAttempt(protocol string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(protocol, result).Inc()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(protocol string, command string) {
	c.commandsTotal.WithLabelValues(protocol, command).Inc()
}

// DeliveryCompleted increments the outbound delivery counter.
func (c *PrometheusCollector) DeliveryCompleted(remoteHost string, result string) {
	c.deliveriesTotal.WithLabelValues(remoteHost, result).Inc()
}
