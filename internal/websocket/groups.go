package websocket

import (
	"log/slog"
	"sync"

	"github.com/samber/lo"

	"communityhub/pkg/interfaces"
	"communityhub/pkg/types"
)

// Groups is the transport-level room membership used for fan-out. A
// connection is in its room's group from connect to disconnect, identified
// or not.
// ARCHITECTURAL DISCOVERY: Pure connection grouping without identity keeps
// transport membership and presence membership independently testable
type Groups struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]interfaces.Connection // room -> connectionID -> conn
	connections map[string]interfaces.Connection            // connectionID -> conn
	logger      *slog.Logger
}

var _ interfaces.RoomBroadcaster = (*Groups)(nil)

// NewGroups creates an empty group set.
func NewGroups(logger *slog.Logger) *Groups {
	if logger == nil {
		logger = slog.Default()
	}
	return &Groups{
		rooms:       make(map[string]map[string]interfaces.Connection),
		connections: make(map[string]interfaces.Connection),
		logger:      logger,
	}
}

// Join adds conn to room's group.
func (g *Groups) Join(room string, conn interfaces.Connection) {
	if conn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rooms[room] == nil {
		g.rooms[room] = make(map[string]interfaces.Connection)
	}
	g.rooms[room][conn.ID()] = conn
	g.connections[conn.ID()] = conn
}

// Leave removes a connection from room's group. Empty groups are dropped.
func (g *Groups) Leave(room, connectionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.connections, connectionID)
	if members, ok := g.rooms[room]; ok {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(g.rooms, room)
		}
	}
}

// Broadcast writes {event, data: payload} to every connection in room and
// returns how many accepted the frame.
func (g *Groups) Broadcast(room, event string, payload interface{}) int {
	g.mu.RLock()
	targets := lo.Values(g.rooms[room])
	g.mu.RUnlock()

	frame := types.OutboundEnvelope{Event: event, Data: payload}
	delivered := 0
	for _, conn := range targets {
		if err := conn.WriteJSON(frame); err != nil {
			g.logger.Debug("ws.broadcast_skipped", "room", room, "connection_id", conn.ID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// SendTo writes {event, data: payload} to a single connection.
func (g *Groups) SendTo(connectionID, event string, payload interface{}) error {
	g.mu.RLock()
	conn, ok := g.connections[connectionID]
	g.mu.RUnlock()
	if !ok {
		return ErrConnectionNotFound
	}
	return conn.WriteJSON(types.OutboundEnvelope{Event: event, Data: payload})
}

// Count returns the number of connections in room's group.
func (g *Groups) Count(room string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[room])
}

// GetStats returns group statistics for monitoring
func (g *Groups) GetStats() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return map[string]int{
		"total_connections": len(g.connections),
		"active_rooms":      len(g.rooms),
	}
}

// CloseAll closes every tracked connection. Their read loops then run the
// normal disconnect path.
func (g *Groups) CloseAll() int {
	g.mu.RLock()
	targets := lo.Values(g.connections)
	g.mu.RUnlock()

	for _, conn := range targets {
		_ = conn.Close()
	}
	return len(targets)
}
