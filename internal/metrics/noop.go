package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened(protocol string) {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed(protocol string) {}

// ConnectionRejected is a no-op.
func (n *NoopCollector) ConnectionRejected(protocol string) {}

// TLSConnectionEstablished is a no-op.
func (n *NoopCollector) TLSConnectionEstablished(protocol string) {}

// MessageReceived is a no-op.
func (n *NoopCollector) MessageReceived(recipientDomain string, sizeBytes int64) {}

// MessageRejected is a no-op.
func (n *NoopCollector) MessageRejected(recipientDomain string, reason string) {}

// MessageRetrieved is a no-op.
func (n *NoopCollector) MessageRetrieved(sizeBytes int64) {}

// MessagesExpunged is a no-op.
func (n *NoopCollector) MessagesExpunged(count int) {}

// AuthAttempt is a no-op.
func (n *NoopCollector) AuthAttempt(protocol string, success bool) {}

// CommandProcessed is a no-op.
func (n *NoopCollector) CommandProcessed(protocol string, command string) {}

// DeliveryCompleted is a no-op.
func (n *NoopCollector) DeliveryCompleted(remoteHost string, result string) {}
