package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full, client too slow")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Table-related errors
var (
	ErrNotAttached = errors.New("no channel attached for user in room")
)

// Handler-related errors
var (
	ErrMissingToken = errors.New("missing bearer token")
)
