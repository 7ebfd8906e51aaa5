//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../../internal/mocks/mock_store.go -package=mocks
package interfaces

import (
	"context"

	"communityhub/pkg/types"
)

// MessageStore is the storage collaborator for chat messages
// ARCHITECTURAL DISCOVERY: Append-only contract; the chat core never updates
// or deletes a stored message
type MessageStore interface {
	// Create persists a message and returns the stored copy with server-assigned
	// fields populated
	Create(ctx context.Context, message *types.Message) (*types.Message, error)

	// CountByRoom returns the number of stored messages for a room
	CountByRoom(ctx context.Context, room string) (int, error)

	// ListRecent returns the most recent messages for a room in chronological order
	// FUNCTIONAL DISCOVERY: Used by the history endpoint, not by the real-time path
	ListRecent(ctx context.Context, room string, limit int) ([]*types.Message, error)

	// HealthCheck verifies the backing store is reachable
	HealthCheck(ctx context.Context) error

	// Close releases store resources
	Close() error
}
