package interfaces

// Connection represents a transport connection joined to a room broadcast group
// ARCHITECTURAL DISCOVERY: Pure abstraction without transport details so the
// lifecycle manager and pipeline can be driven by in-memory fakes
type Connection interface {
	// ID returns the server-assigned connection identifier (the presence socketId)
	ID() string

	// WriteJSON sends a JSON frame to the client (thread-safe)
	// FUNCTIONAL DISCOVERY: Implementations must serialize writes; callers
	// from the event loop and the HTTP layer write concurrently
	WriteJSON(v interface{}) error

	// Close closes the connection. Safe to call more than once.
	Close() error
}
