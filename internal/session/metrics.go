package session

// MetricsReporter receives session lifecycle and traffic events.
// Implementations must be safe for concurrent use. The Prometheus
// implementation lives in internal/metrics; a no-op is used when
// metrics are disabled.
type MetricsReporter interface {
	// SessionRegistered is called when a session is created.
	SessionRegistered(framerate string)

	// SessionUnregistered is called when a session is removed.
	SessionUnregistered(framerate string)

	// ClientConnected is called when a client connection registers.
	ClientConnected()

	// ClientDisconnected is called when a client connection goes away.
	ClientDisconnected()

	// TickEmitted is called once per emitted frame advance.
	TickEmitted(framerate string)

	// MessageSent is called for every message successfully queued to a
	// client, labelled by wire message type.
	MessageSent(msgType string)

	// SlowConsumerDropped is called when a member is removed because
	// its send queue was full.
	SlowConsumerDropped()

	// RequestFailed is called for every error reply, labelled by the
	// wire error kind.
	RequestFailed(kind string)
}

// noopMetrics is the default MetricsReporter.
type noopMetrics struct{}

func (noopMetrics) SessionRegistered(string)   {}
func (noopMetrics) SessionUnregistered(string) {}
func (noopMetrics) ClientConnected()           {}
func (noopMetrics) ClientDisconnected()        {}
func (noopMetrics) TickEmitted(string)         {}
func (noopMetrics) MessageSent(string)         {}
func (noopMetrics) SlowConsumerDropped()       {}
func (noopMetrics) RequestFailed(string)       {}

// NopMetrics returns a MetricsReporter that discards all events.
func NopMetrics() MetricsReporter { return noopMetrics{} }
