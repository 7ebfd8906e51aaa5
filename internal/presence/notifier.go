package presence

import (
	"log/slog"

	"communityhub/pkg/interfaces"
	"communityhub/pkg/types"
)

// Notifier broadcasts the "users" event to a room's transport group.
type Notifier struct {
	broadcaster interfaces.RoomBroadcaster
	logger      *slog.Logger
}

var _ Listener = (*Notifier)(nil)

// NewNotifier creates a notifier over the given broadcaster.
func NewNotifier(broadcaster interfaces.RoomBroadcaster, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{broadcaster: broadcaster, logger: logger}
}

// Notify sends the full member list to every connection in the room.
func (n *Notifier) Notify(room string, members []types.Member) {
	if members == nil {
		members = []types.Member{}
	}
	delivered := n.broadcaster.Broadcast(room, types.EventUsers, members)
	n.logger.Debug("presence.broadcast", "room", room, "members", len(members), "delivered", delivered)
}
