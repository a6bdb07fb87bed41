package interfaces

// Sender is the outbound half of an event-channel connection. All
// implementations must serialize writes (single-writer pattern) so handlers
// and broadcast loops can share one connection safely.
type Sender interface {
	// WriteJSON sends one JSON frame to the peer (thread-safe).
	WriteJSON(v any) error

	// Close tears the connection down and releases its resources.
	Close() error

	// ConnectionID identifies this transport connection for the
	// connection-to-component mapping in the registry.
	ConnectionID() string
}
