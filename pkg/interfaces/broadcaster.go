package interfaces

// RoomBroadcaster fans events out to a room's transport broadcast group
// ARCHITECTURAL DISCOVERY: Broadcast is an explicit capability rather than an
// ambient room send, so the pipeline and presence notifier can be tested with a
// recorder instead of real sockets
type RoomBroadcaster interface {
	// Broadcast sends event+payload to every connection currently in the room,
	// identified or not. Delivery is best effort; returns the number of
	// connections the frame was queued for.
	Broadcast(room, event string, payload interface{}) int

	// SendTo sends event+payload to a single connection
	SendTo(connectionID, event string, payload interface{}) error
}
