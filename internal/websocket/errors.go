package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteBufferFull  = errors.New("write buffer full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Group-related errors
var (
	ErrNilConnection      = errors.New("connection cannot be nil")
	ErrConnectionNotFound = errors.New("connection not found")
)
