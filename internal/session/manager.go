// Package session owns the lifecycle of every transport connection:
// connecting, joined to a room, identified, disconnected.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"communityhub/pkg/interfaces"
	"communityhub/pkg/types"
)

// Transport is the room grouping layer. Group membership is pure fan-out and
// carries no identity.
type Transport interface {
	interfaces.RoomBroadcaster
	Join(room string, conn interfaces.Connection)
	Leave(room, connectionID string)
}

// Presence is the identity-bound room registry.
type Presence interface {
	Join(room string, member types.Member)
	Leave(room, userID, connectionID string) bool
}

// State is the lifecycle record of one connection.
type State struct {
	ConnectionID string
	Room         string
	Phase        types.Phase
	UserID       string
	DisplayName  string
	ConnectedAt  time.Time
}

// Manager drives connection phase transitions.
// ARCHITECTURAL DISCOVERY: Transport join happens at connect, presence join
// only after a successful identify, so anonymous sockets still receive room
// broadcasts without appearing in the member list
type Manager struct {
	transport Transport
	presence  Presence
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.RWMutex
	connections map[string]*State
}

// NewManager creates a lifecycle manager.
func NewManager(transport Transport, presence Presence, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		transport:   transport,
		presence:    presence,
		logger:      logger,
		now:         time.Now,
		connections: make(map[string]*State),
	}
}

// Connect registers a new connection in room and joins its transport group.
// A missing or malformed room fails with types.ErrInvalidHandshake; the
// caller is expected to close the connection.
func (m *Manager) Connect(conn interfaces.Connection, room string) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !types.IsValidRoom(room) {
		return fmt.Errorf("%w: %q", types.ErrInvalidHandshake, room)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.connections[conn.ID()]; exists {
		return ErrAlreadyConnected
	}
	state := &State{
		ConnectionID: conn.ID(),
		Room:         room,
		Phase:        types.PhaseConnecting,
		ConnectedAt:  m.now(),
	}
	m.connections[conn.ID()] = state

	// Transport must not call back into Manager.
	m.transport.Join(room, conn)
	state.Phase = types.PhaseJoinedRoom

	m.logger.Info("session.connected", "connection_id", conn.ID(), "room", room)
	return nil
}

// Identify binds a user identity to a joined connection and records presence.
// Validation failures send an error event to this connection only and leave
// the phase unchanged. A connection binds to at most one user id; repeating
// the same id refreshes the presence entry.
func (m *Manager) Identify(connectionID string, identity types.Identity) (types.Member, error) {
	m.mu.Lock()
	state, ok := m.connections[connectionID]
	if !ok || state.Phase == types.PhaseDisconnected {
		m.mu.Unlock()
		return types.Member{}, ErrConnectionNotFound
	}

	if err := identity.Validate(); err != nil {
		m.mu.Unlock()
		m.sendError(connectionID, types.IdentifyErrorText)
		m.logger.Warn("session.identify_failed", "connection_id", connectionID, "error", err)
		return types.Member{}, err
	}

	userID := identity.ID.String()
	if state.Phase == types.PhaseIdentified && state.UserID != userID {
		m.mu.Unlock()
		m.sendError(connectionID, types.ErrAlreadyIdentified.Error())
		m.logger.Warn("session.identify_rejected",
			"connection_id", connectionID, "bound_user", state.UserID, "claimed_user", userID)
		return types.Member{}, types.ErrAlreadyIdentified
	}

	state.Phase = types.PhaseIdentified
	state.UserID = userID
	state.DisplayName = identity.Username
	member := types.Member{
		UserID:       userID,
		DisplayName:  identity.Username,
		ConnectionID: connectionID,
	}
	room := state.Room
	m.mu.Unlock()

	m.presence.Join(room, member)

	m.logger.Info("session.identified", "connection_id", connectionID, "room", room, "user_id", userID)
	return member, nil
}

// Disconnect tears a connection down from any phase. Only the first call for
// a connection has an effect; it returns the terminal state and true.
func (m *Manager) Disconnect(connectionID string) (State, bool) {
	m.mu.Lock()
	state, ok := m.connections[connectionID]
	if !ok {
		m.mu.Unlock()
		return State{}, false
	}
	wasIdentified := state.Phase == types.PhaseIdentified
	state.Phase = types.PhaseDisconnected
	final := *state
	delete(m.connections, connectionID)
	m.mu.Unlock()

	if wasIdentified {
		m.presence.Leave(final.Room, final.UserID, connectionID)
	}
	m.transport.Leave(final.Room, connectionID)

	m.logger.Info("session.disconnected",
		"connection_id", connectionID, "room", final.Room, "user_id", final.UserID,
		"duration", m.now().Sub(final.ConnectedAt))
	return final, true
}

// State returns a copy of the lifecycle record of a live connection.
func (m *Manager) State(connectionID string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.connections[connectionID]
	if !ok {
		return State{}, false
	}
	return *state, true
}

// Sender returns the pipeline view of a live connection.
func (m *Manager) Sender(connectionID string) (types.Sender, bool) {
	state, ok := m.State(connectionID)
	if !ok {
		return types.Sender{}, false
	}
	return types.Sender{
		ConnectionID: state.ConnectionID,
		Room:         state.Room,
		UserID:       state.UserID,
		DisplayName:  state.DisplayName,
		Identified:   state.Phase == types.PhaseIdentified,
	}, true
}

// Stats returns connection counts for monitoring
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	identified := 0
	for _, state := range m.connections {
		if state.Phase == types.PhaseIdentified {
			identified++
		}
	}
	return map[string]int{
		"connections": len(m.connections),
		"identified":  identified,
		"anonymous":   len(m.connections) - identified,
	}
}

func (m *Manager) sendError(connectionID, text string) {
	if err := m.transport.SendTo(connectionID, types.EventError, text); err != nil {
		m.logger.Debug("session.error_event_dropped", "connection_id", connectionID, "error", err)
	}
}
