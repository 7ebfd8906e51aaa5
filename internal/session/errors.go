package session

import "errors"

var (
	ErrNilConnection      = errors.New("connection is nil")
	ErrAlreadyConnected   = errors.New("connection is already registered")
	ErrConnectionNotFound = errors.New("connection not found")
)
