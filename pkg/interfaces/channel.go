package interfaces

// Channel is one participant's live bidirectional connection. Rooms only
// ever write to it; reading belongs to the transport.
type Channel interface {
	// WriteJSON queues a message for the client. Implementations must be
	// safe for concurrent use.
	WriteJSON(v interface{}) error

	// Close closes the channel and releases its resources.
	Close() error

	// GetID returns a per-connection identifier, distinct across reconnects
	// of the same user.
	GetID() string

	// GetUserID returns the authenticated user the channel belongs to.
	GetUserID() string

	// GetHandle returns the display handle presented at authentication.
	GetHandle() string

	// GetRoomCode returns the room the channel has joined, or "".
	GetRoomCode() string

	// SetRoomCode binds the channel to a room after a successful join.
	SetRoomCode(code string)
}
