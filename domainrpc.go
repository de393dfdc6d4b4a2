package domainrpc

import "context"

// Peer is the backend's view of one attached client.
//
// A Peer is handed to connection callbacks and stays valid until the
// transport closes; its Context is cancelled at that point.
type Peer interface {
	// ID returns a unique identifier generated when the client attached.
	ID() string

	// RemoteAddr returns the client's address, or the pipe name for
	// process transports.
	RemoteAddr() string

	// Context returns the peer's lifecycle context.
	Context() context.Context

	// IsAlive returns true while the connection is open.
	IsAlive() bool

	// Close closes the connection. Closing twice is not an error.
	Close() error
}

// EventEmitter broadcasts a registered event to every attached client.
//
// Emitting an event that was never registered is logged and ignored.
type EventEmitter interface {
	EmitEvent(domain, event string, params ...any)
}
