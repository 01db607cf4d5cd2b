// Package metrics provides interfaces and implementations for collecting
// mail server metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Protocol label values for connection and command metrics.
const (
	ProtocolSMTP = "smtp"
	ProtocolPOP3 = "pop3"
)

// Collector defines the interface for recording mail server metrics.
type Collector interface {
	// Connection metrics, labeled by protocol
	ConnectionOpened(protocol string)
	ConnectionClosed(protocol string)
	ConnectionRejected(protocol string)
	TLSConnectionEstablished(protocol string)

	// Message metrics (recipient domain first)
	MessageReceived(recipientDomain string, sizeBytes int64)
	MessageRejected(recipientDomain string, reason string)

	// Mailbox access metrics
	MessageRetrieved(sizeBytes int64)
	MessagesExpunged(count int)

	// Authentication metrics, labeled by protocol
	AuthAttempt(protocol string, success bool)

	// Command metrics
	CommandProcessed(protocol string, command string)

	// Outbound delivery metrics (remote server hostname first)
	// result should be "success", "temp_failure", or "perm_failure"
	DeliveryCompleted(remoteHost string, result string)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
