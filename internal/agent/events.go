package agent

// Events observable by the CLI wrapper (or any embedder). Delivery is
// synchronous; handlers must be quick.
type EventKind string

const (
	EventConnected       EventKind = "connected"
	EventDisconnected    EventKind = "disconnected"
	EventReconnecting    EventKind = "reconnecting"
	EventReconnected     EventKind = "reconnected"
	EventReconnectFailed EventKind = "reconnect_failed"
	EventRequest         EventKind = "request"
)

type Event struct {
	Kind EventKind

	// Reconnection progress (reconnecting / reconnect_failed).
	Attempt     int
	MaxAttempts int

	// Request forwarding outcome (request).
	Method     string
	Path       string
	StatusCode int

	// Current tunnel (connected / reconnected).
	Info *TunnelInfo

	Err error
}

// TunnelInfo is the broker-assigned identity of the live tunnel. After a
// reconnect the subdomain and public URL may differ from the original.
type TunnelInfo struct {
	TunnelID  string
	Subdomain string
	PublicURL string
	Protocol  string
	TCPPort   int
}
