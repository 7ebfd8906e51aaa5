package types

import "errors"

// ARCHITECTURAL DISCOVERY: Chat core failures are resolved at the manager or
// pipeline boundary; none of them are fatal to the process
var (
	ErrInvalidHandshake   = errors.New("room slug is required to connect")
	ErrIdentifyFailed     = errors.New("invalid user data")
	ErrAlreadyIdentified  = errors.New("connection is already bound to another user")
	ErrUnauthorized       = errors.New("unauthorized message sender")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrPersistenceFailure = errors.New("failed to save message")
)
